package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Connection lifecycle events, published by the connection manager.
const (
	KindConnConnected    = "conn.connected"
	KindConnDisconnected = "conn.disconnected"
	KindConnError        = "conn.error"
	KindConnHealthOk     = "conn.health_ok"
	KindConnHealthFailed = "conn.health_failed"
)

// Sync progress events, published by the sync engine during a drain.
const (
	KindSyncStarted       = "sync.started"
	KindSyncBatchComplete = "sync.batch_complete"
	KindSyncMessageSent   = "sync.message_sent"
	KindSyncMessageFailed = "sync.message_failed"
	KindSyncConflict      = "sync.conflict_detected"
	KindSyncCompleted     = "sync.completed"
	KindSyncFailed        = "sync.failed"
)

// Live stream events, published by the server event-stream reader.
const (
	KindStreamMessage = "stream.message"
	KindStreamChunk   = "stream.chunk"
)

// Reconnection coordinator events.
const (
	KindReconnectAttempt = "reconnect.attempt"
	KindReconnectGaveUp  = "reconnect.gave_up"
)
