package sync

import "time"

// Result summarizes one drain run.
type Result struct {
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	SessionIDs []string         `json:"session_ids"` // sessions touched by this run, oldest-queued first
	Sent       int              `json:"sent"`
	Failed     int              `json:"failed"`
	Conflicts  int              `json:"conflicts"`
	Aborted    bool             `json:"aborted"`
	Reason     string           `json:"reason,omitempty"` // set when Aborted
	Errors     []MessageOutcome `json:"errors,omitempty"` // per-message failures, in observation order
}

// Progress is the payload of started and batch-complete events.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// MessageOutcome is the payload of per-message sent/failed/conflict events.
type MessageOutcome struct {
	ClientMsgID string `json:"client_msg_id"`
	SessionID   string `json:"session_id"`
	FailureKind string `json:"failure_kind,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
