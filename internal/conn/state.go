package conn

import (
	"fmt"
	"slices"
	"sync"
)

// State represents the connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Errored      State = "ERROR"
)

// validTransitions defines allowed state transitions: Connecting only from
// Disconnected or Error, Connected only from Connecting, Error reachable
// from anywhere, Disconnected reachable from anywhere via explicit
// disconnect.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Errored, Disconnected},
	Connecting:   {Connected, Errored, Disconnected},
	Connected:    {Errored, Disconnected},
	Errored:      {Connecting, Errored, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine() *Machine {
	return &Machine{current: Disconnected}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}
