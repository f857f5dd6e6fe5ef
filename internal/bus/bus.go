package bus

import (
	"strings"
	"sync"
)

// Bus fans daemon events out to in-process subscribers. Connection, sync,
// stream and reconnect packages publish under dotted kinds ("conn.error",
// "sync.message_sent"); a subscriber names the prefix it cares about and
// receives matching events in emission order. Order across subscribers is
// unspecified.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates an event bus with no subscribers.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers evt to every subscriber whose namespace prefixes
// evt.Kind. Publish never blocks: a subscriber whose buffer is full misses
// the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// slow subscriber, drop
			}
		}
	}
}

// Subscribe registers interest in events whose kind starts with namespace;
// the empty namespace matches everything. bufSize sets the channel buffer,
// which bounds how far a subscriber may lag before dropping. The returned
// function unsubscribes.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
