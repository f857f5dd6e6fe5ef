package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-nexus/nexusd/internal/bus"
	"github.com/opencode-nexus/nexusd/internal/config"
	"github.com/opencode-nexus/nexusd/internal/conn"
	"github.com/opencode-nexus/nexusd/internal/store"
	syncengine "github.com/opencode-nexus/nexusd/internal/sync"
)

type fakeConnector struct {
	mu        sync.Mutex
	state     conn.State
	prof      *store.Profile
	attempts  int
	failFirst int // number of Connect calls to fail before succeeding
}

func (f *fakeConnector) Connect(ctx context.Context, profileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failFirst {
		return errors.New("connection refused")
	}
	f.state = conn.Connected
	return nil
}

func (f *fakeConnector) State() conn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnector) LastUsedProfile() (*store.Profile, error) {
	return f.prof, nil
}

func (f *fakeConnector) connectAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fakeDrainer struct{ drained chan struct{} }

func (f *fakeDrainer) Drain(ctx context.Context) (*syncengine.Result, error) {
	select {
	case f.drained <- struct{}{}:
	default:
	}
	return &syncengine.Result{}, nil
}

func testCoordinator(t *testing.T, conns *fakeConnector) (*Coordinator, *fakeDrainer, *bus.Bus, context.CancelFunc) {
	t.Helper()
	cfg := config.Default()
	cfg.Reconnect.BackoffBaseMS = 1
	cfg.Reconnect.BackoffCapMS = 4
	cfg.Reconnect.MaxAttempts = 3

	b := bus.New()
	drains := &fakeDrainer{drained: make(chan struct{}, 1)}
	c := New(conns, drains, b, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return c, drains, b, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestErrorEventTriggersReconnectAndDrain(t *testing.T) {
	conns := &fakeConnector{
		state:     conn.Errored,
		prof:      &store.Profile{ID: "p1"},
		failFirst: 2,
	}
	_, drains, b, _ := testCoordinator(t, conns)

	b.Publish(bus.Event{Kind: bus.KindConnError, Timestamp: time.Now()})

	waitFor(t, "reconnect", func() bool { return conns.State() == conn.Connected })
	if got := conns.connectAttempts(); got != 3 {
		t.Fatalf("connect attempts = %d, want 3", got)
	}

	select {
	case <-drains.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("drain not triggered after reconnect")
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	conns := &fakeConnector{
		state:     conn.Errored,
		prof:      &store.Profile{ID: "p1"},
		failFirst: 100,
	}
	_, _, b, _ := testCoordinator(t, conns)

	events, unsub := b.Subscribe("reconnect.", 32)
	defer unsub()

	b.Publish(bus.Event{Kind: bus.KindConnError, Timestamp: time.Now()})

	var attempts []Attempt
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			a := evt.Payload.(Attempt)
			if evt.Kind == bus.KindReconnectGaveUp {
				if got := conns.connectAttempts(); got != 3 {
					t.Fatalf("connect attempts = %d, want 3", got)
				}
				if a.Number != 3 {
					t.Fatalf("gave-up payload = %+v", a)
				}
				return
			}
			attempts = append(attempts, a)
		case <-deadline:
			t.Fatalf("no give-up event; saw %d attempt events", len(attempts))
		}
	}
}

func TestBackoffDelaysGrowAndCap(t *testing.T) {
	conns := &fakeConnector{
		state:     conn.Errored,
		prof:      &store.Profile{ID: "p1"},
		failFirst: 100,
	}
	_, _, b, _ := testCoordinator(t, conns)

	events, unsub := b.Subscribe(bus.KindReconnectAttempt, 32)
	defer unsub()

	b.Publish(bus.Event{Kind: bus.KindConnError, Timestamp: time.Now()})

	// Announced delays with base 1ms, cap 4ms over 3 attempts: 1, 2, 4.
	want := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	seen := map[int]time.Duration{}
	deadline := time.After(5 * time.Second)
	for len(seen) < len(want) {
		select {
		case evt := <-events:
			a := evt.Payload.(Attempt)
			if a.Err == "" {
				seen[a.Number] = a.Delay
			}
		case <-deadline:
			t.Fatalf("saw %d announced attempts, want %d", len(seen), len(want))
		}
	}
	for i, d := range want {
		if seen[i+1] != d {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, seen[i+1], d)
		}
	}
}

func TestIgnoresTriggerWhenNotErrored(t *testing.T) {
	conns := &fakeConnector{
		state: conn.Disconnected, // explicit disconnect
		prof:  &store.Profile{ID: "p1"},
	}
	c, _, b, _ := testCoordinator(t, conns)

	b.Publish(bus.Event{Kind: bus.KindConnError, Timestamp: time.Now()})
	c.NotifyOnline()

	time.Sleep(50 * time.Millisecond)
	if got := conns.connectAttempts(); got != 0 {
		t.Fatalf("connect attempts = %d, want 0", got)
	}
}

func TestNotifyOnlineTriggersReconnect(t *testing.T) {
	conns := &fakeConnector{
		state: conn.Errored,
		prof:  &store.Profile{ID: "p1"},
	}
	c, _, _, _ := testCoordinator(t, conns)

	c.NotifyOnline()
	waitFor(t, "reconnect", func() bool { return conns.State() == conn.Connected })
}
