package conn

import (
	"sync"
	"time"
)

// EventKind identifies a connection lifecycle event.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventError             EventKind = "error"
	EventHealthCheckOk     EventKind = "health_check_ok"
	EventHealthCheckFailed EventKind = "health_check_failed"
)

// Event is an immutable connection lifecycle record shown in diagnostics.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
}

// eventLogSize bounds the in-memory event history. Not persisted.
const eventLogSize = 50

// eventLog is a fixed-capacity ring of the most recent connection events.
type eventLog struct {
	mu     sync.RWMutex
	events []Event
}

func newEventLog() *eventLog {
	return &eventLog{}
}

func (l *eventLog) append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	if len(l.events) > eventLogSize {
		l.events = l.events[len(l.events)-eventLogSize:]
	}
}

// last returns the most recent event, if any.
func (l *eventLog) last() (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// list returns a copy of the history, oldest first.
func (l *eventLog) list() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
