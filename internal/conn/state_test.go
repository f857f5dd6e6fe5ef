package conn

import "testing"

func TestMachineStartsDisconnected(t *testing.T) {
	m := NewMachine()
	if got := m.Current(); got != Disconnected {
		t.Fatalf("initial state = %s, want %s", got, Disconnected)
	}
}

func TestMachineValidTransitions(t *testing.T) {
	// Full happy path plus recovery from Error.
	steps := []State{Connecting, Connected, Errored, Connecting, Connected, Disconnected}

	m := NewMachine()
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		if got := m.Current(); got != to {
			t.Fatalf("after transition state = %s, want %s", got, to)
		}
	}
}

func TestMachineInvalidTransitions(t *testing.T) {
	cases := []struct {
		name string
		from State
		to   State
	}{
		{"disconnected to connected", Disconnected, Connected},
		{"connecting to connecting", Connecting, Connecting},
		{"connected to connecting", Connected, Connecting},
		{"connected to connected", Connected, Connected},
		{"error to connected", Errored, Connected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Machine{current: tc.from}
			if err := m.Transition(tc.to); err == nil {
				t.Fatalf("transition %s -> %s succeeded, want error", tc.from, tc.to)
			}
			if got := m.Current(); got != tc.from {
				t.Fatalf("failed transition moved state to %s", got)
			}
		})
	}
}

func TestMachineErrorReachableFromAnywhere(t *testing.T) {
	for _, from := range []State{Disconnected, Connecting, Connected, Errored} {
		m := &Machine{current: from}
		if err := m.Transition(Errored); err != nil {
			t.Fatalf("transition %s -> %s: %v", from, Errored, err)
		}
	}
}

func TestEventLogBounded(t *testing.T) {
	l := newEventLog()
	for i := 0; i < eventLogSize+10; i++ {
		l.append(Event{Kind: EventHealthCheckOk})
	}
	if got := len(l.list()); got != eventLogSize {
		t.Fatalf("event log holds %d entries, want %d", got, eventLogSize)
	}
}
