// Package conn owns the connection lifecycle: the state machine, the saved
// profile registry, the active profile and the background health loop. All
// other components read snapshots or bus events; nothing else mutates
// connection state.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-nexus/nexusd/internal/auth"
	"github.com/opencode-nexus/nexusd/internal/bus"
	"github.com/opencode-nexus/nexusd/internal/config"
	"github.com/opencode-nexus/nexusd/internal/probe"
	"github.com/opencode-nexus/nexusd/internal/store"
)

var (
	// ErrAlreadyInProgress is returned when Connect is called while a
	// connect attempt is in flight.
	ErrAlreadyInProgress = errors.New("connect already in progress")
	// ErrAlreadyConnected is returned when Connect is called while
	// connected; disconnect first.
	ErrAlreadyConnected = errors.New("already connected to a server")
	// ErrNoProfile is returned when the requested profile does not exist.
	ErrNoProfile = errors.New("profile not found")
)

// ProbeFunc is the health-check dependency, injectable for tests.
type ProbeFunc func(ctx context.Context, baseURL string, desc auth.Descriptor, timeout time.Duration) (*probe.ServerInfo, error)

// Target receives the active server coordinates on connect and loses them
// on disconnect. Implemented by the api client.
type Target interface {
	SetTarget(baseURL string, desc auth.Descriptor)
	ClearTarget()
}

// Snapshot is a point-in-time view of the connection, safe to read from any
// goroutine without touching the network.
type Snapshot struct {
	State      State
	Profile    *store.Profile
	ServerInfo *probe.ServerInfo
	LastEvent  *Event
}

// Manager owns connection state, the profile registry and health
// monitoring.
type Manager struct {
	db     *store.DB
	target Target
	bus    *bus.Bus
	logger *zap.Logger
	cfg    *config.Config

	machine *Machine
	events  *eventLog
	probeFn ProbeFunc

	mu           sync.Mutex
	active       *store.Profile
	serverInfo   *probe.ServerInfo
	healthCancel context.CancelFunc
}

// NewManager creates a connection manager. target may be nil in tests.
func NewManager(db *store.DB, target Target, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		db:      db,
		target:  target,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		machine: NewMachine(),
		events:  newEventLog(),
		probeFn: probe.Probe,
	}
}

// SetProbeFunc replaces the probe dependency. Test hook.
func (m *Manager) SetProbeFunc(fn ProbeFunc) { m.probeFn = fn }

// State returns the current connection state.
func (m *Manager) State() State { return m.machine.Current() }

// Status returns a snapshot of state, active profile and last event.
// Never blocks on network I/O.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	var prof *store.Profile
	if m.active != nil {
		p := *m.active
		prof = &p
	}
	info := m.serverInfo
	m.mu.Unlock()

	snap := Snapshot{
		State:      m.machine.Current(),
		Profile:    prof,
		ServerInfo: info,
	}
	if last, ok := m.events.last(); ok {
		snap.LastEvent = &last
	}
	return snap
}

// Events returns the bounded connection event history, oldest first.
func (m *Manager) Events() []Event { return m.events.list() }

// SaveProfile validates and persists a server profile.
func (m *Manager) SaveProfile(p *store.Profile) error {
	return m.db.SaveProfile(p)
}

// Profiles lists the saved profiles.
func (m *Manager) Profiles() ([]store.Profile, error) {
	return m.db.ListProfiles()
}

// DeleteProfile removes a saved profile. The active profile cannot be
// removed while connected.
func (m *Manager) DeleteProfile(id string) error {
	m.mu.Lock()
	activeID := ""
	if m.active != nil {
		activeID = m.active.ID
	}
	m.mu.Unlock()
	if activeID == id && m.machine.Current() == Connected {
		return fmt.Errorf("profile %q is the active connection; disconnect first", id)
	}
	return m.db.DeleteProfile(id)
}

// LastUsedProfile returns the most recently connected saved profile, or nil.
func (m *Manager) LastUsedProfile() (*store.Profile, error) {
	return m.db.LastUsedProfile()
}

// TestConnection probes candidate server coordinates without mutating any
// saved profile or the current connection.
func (m *Manager) TestConnection(ctx context.Context, hostname string, port int, secure bool, desc auth.Descriptor) (*probe.ServerInfo, error) {
	p := store.Profile{Hostname: hostname, Port: port, Secure: secure}
	return m.probeFn(ctx, p.URL(), desc, m.cfg.ProbeTimeout())
}

// Connect establishes a connection using the given saved profile. A second
// call while a connect is in flight is rejected, not queued. Probe failures
// are terminal for the call but leave the manager usable.
func (m *Manager) Connect(ctx context.Context, profileID string) error {
	switch m.machine.Current() {
	case Connecting:
		return ErrAlreadyInProgress
	case Connected:
		return ErrAlreadyConnected
	}

	prof, err := m.db.GetProfile(profileID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if prof == nil {
		return fmt.Errorf("%w: %s", ErrNoProfile, profileID)
	}

	if err := m.machine.Transition(Connecting); err != nil {
		// Lost the race with a concurrent Connect.
		return ErrAlreadyInProgress
	}

	m.logger.Info("connecting", zap.String("profile", prof.ID), zap.String("url", prof.URL()))

	info, probeErr := m.probeFn(ctx, prof.URL(), prof.Auth, m.cfg.ProbeTimeout())
	if probeErr != nil {
		_ = m.machine.Transition(Errored)
		if err := m.db.MarkProfileError(prof.ID, probeErr.Error()); err != nil {
			m.logger.Warn("failed to record profile error", zap.Error(err))
		}
		m.emit(EventError, fmt.Sprintf("connection to %s failed: %v", prof.URL(), probeErr), bus.KindConnError)
		return probeErr
	}

	m.mu.Lock()
	m.active = prof
	m.serverInfo = info
	m.mu.Unlock()

	if err := m.machine.Transition(Connected); err != nil {
		// Disconnect won the race mid-probe; honor it.
		m.mu.Lock()
		m.active = nil
		m.serverInfo = nil
		m.mu.Unlock()
		return err
	}

	if m.target != nil {
		m.target.SetTarget(prof.URL(), prof.Auth)
	}
	if err := m.db.MarkProfileConnected(prof.ID); err != nil {
		m.logger.Warn("failed to record profile success", zap.Error(err))
	}
	version := info.Version
	if version == "" {
		version = "unknown"
	}
	m.emit(EventConnected, fmt.Sprintf("connected to %s (version %s)", prof.URL(), version), bus.KindConnConnected)

	m.startHealthLoop()
	return nil
}

// Disconnect transitions to Disconnected unconditionally and stops health
// monitoring.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
	prof := m.active
	m.active = nil
	m.serverInfo = nil
	m.mu.Unlock()

	_ = m.machine.Transition(Disconnected)
	if m.target != nil {
		m.target.ClearTarget()
	}
	if prof != nil {
		if err := m.db.MarkProfileDisconnected(prof.ID); err != nil {
			m.logger.Warn("failed to record disconnect", zap.Error(err))
		}
	}
	m.emit(EventDisconnected, "disconnected from server", bus.KindConnDisconnected)
}

func (m *Manager) startHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.healthCancel != nil {
		m.healthCancel()
	}
	m.healthCancel = cancel
	m.mu.Unlock()

	go m.healthLoop(ctx)
}

// healthLoop re-probes the active server while Connected. Three consecutive
// failures flip the state to Error and stop the loop. Callers of Status are
// never blocked by a probe in flight here.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval())
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.machine.Current() != Connected {
			return
		}

		m.mu.Lock()
		prof := m.active
		m.mu.Unlock()
		if prof == nil {
			return
		}

		_, err := m.probeFn(ctx, prof.URL(), prof.Auth, m.cfg.ProbeTimeout())
		if err == nil {
			failures = 0
			m.emit(EventHealthCheckOk, "server health check passed", bus.KindConnHealthOk)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		m.emit(EventHealthCheckFailed, fmt.Sprintf("server health check failed (%d/%d): %v", failures, m.cfg.Health.FailureThreshold, err), bus.KindConnHealthFailed)
		if failures < m.cfg.Health.FailureThreshold {
			continue
		}

		m.logger.Warn("health checks exhausted, marking connection errored", zap.Int("failures", failures))
		_ = m.machine.Transition(Errored)
		if err := m.db.MarkProfileError(prof.ID, "health checks failed"); err != nil {
			m.logger.Warn("failed to record profile error", zap.Error(err))
		}
		m.emit(EventError, "connection lost: health checks failed", bus.KindConnError)
		return
	}
}

func (m *Manager) emit(kind EventKind, message, busKind string) {
	evt := Event{Timestamp: time.Now(), Kind: kind, Message: message}
	m.events.append(evt)
	m.bus.Publish(bus.Event{Kind: busKind, Timestamp: evt.Timestamp, Payload: evt})
	m.logger.Info("connection event", zap.String("kind", string(kind)), zap.String("message", message))
}
