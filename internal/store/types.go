package store

import (
	"fmt"

	"github.com/opencode-nexus/nexusd/internal/auth"
)

// Profile statuses, mirroring the connection manager's last observation.
const (
	ProfileDisconnected = "disconnected"
	ProfileConnected    = "connected"
	ProfileError        = "error"
)

// Profile is a saved server connection configuration.
type Profile struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Hostname      string          `json:"hostname"`
	Port          int             `json:"port"`
	Secure        bool            `json:"secure"`
	Auth          auth.Descriptor `json:"auth"`
	Status        string          `json:"status"`
	LastConnected int64           `json:"last_connected"` // unix millis, 0 = never
	LastError     string          `json:"last_error,omitempty"`
}

// URL returns the base URL for the profile.
func (p *Profile) URL() string {
	scheme := "http"
	if p.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Hostname, p.Port)
}

// Session represents a conversation mirrored from the server.
type Session struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    int64  `json:"created_at"`
	LastQueuedAt int64  `json:"last_queued_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a synced conversation message (local mirror of server history).
type Message struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	MsgID     string `json:"msg_id"`
	Role      string `json:"role"`
	Body      string `json:"body"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Queued message delivery statuses.
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Failure kinds recorded on failed queued messages.
const (
	FailTransient = "transient"
	FailPermanent = "permanent"
	FailAuth      = "auth"
	FailConflict  = "conflict"
)

// QueuedMessage is a not-yet-delivered outgoing message. ClientMsgID is
// client-generated and stable across retries.
type QueuedMessage struct {
	ID            int64  `json:"id"`
	ClientMsgID   string `json:"client_msg_id"`
	SessionID     string `json:"session_id"`
	Role          string `json:"role"`
	Body          string `json:"body"`
	Model         string `json:"model,omitempty"`
	Status        string `json:"status"`
	FailureKind   string `json:"failure_kind,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	RetryCount    int    `json:"retry_count"`
	CreatedAt     int64  `json:"created_at"`
}

// SyncRun is one persisted drain outcome.
type SyncRun struct {
	ID         int64  `json:"id"`
	StartedAt  int64  `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Conflicts  int    `json:"conflicts"`
	Aborted    bool   `json:"aborted"`
	Detail     string `json:"detail,omitempty"` // JSON blob with per-message errors and session ids
}
