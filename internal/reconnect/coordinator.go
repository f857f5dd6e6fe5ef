// Package reconnect restores a lost connection. It watches the bus for
// connection errors and for network-online hints, retries the last-used
// profile with exponential backoff, and hands off to the sync engine once
// the server is back.
package reconnect

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-nexus/nexusd/internal/bus"
	"github.com/opencode-nexus/nexusd/internal/config"
	"github.com/opencode-nexus/nexusd/internal/conn"
	"github.com/opencode-nexus/nexusd/internal/store"
	syncengine "github.com/opencode-nexus/nexusd/internal/sync"
)

// Connector is the slice of the connection manager the coordinator needs.
type Connector interface {
	Connect(ctx context.Context, profileID string) error
	State() conn.State
	LastUsedProfile() (*store.Profile, error)
}

// Drainer kicks off a queue drain after a successful reconnect.
type Drainer interface {
	Drain(ctx context.Context) (*syncengine.Result, error)
}

// Attempt is the payload of reconnect bus events.
type Attempt struct {
	Number int
	Max    int
	Delay  time.Duration
	Err    string // set when the attempt failed
}

// Coordinator runs the reconnection loop. Explicit disconnects never
// trigger it; only error transitions and network-online hints do.
type Coordinator struct {
	conns  Connector
	drains Drainer
	bus    *bus.Bus
	cfg    *config.Config
	logger *zap.Logger
	online chan struct{}
}

// New creates a reconnection coordinator.
func New(conns Connector, drains Drainer, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		conns:  conns,
		drains: drains,
		bus:    b,
		cfg:    cfg,
		logger: logger,
		online: make(chan struct{}, 1),
	}
}

// NotifyOnline reports regained network connectivity. Non-blocking; a
// pending hint is enough.
func (c *Coordinator) NotifyOnline() {
	select {
	case c.online <- struct{}{}:
	default:
	}
}

// Run watches for triggers until ctx is canceled. Meant to run as a
// daemon-lifetime goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	events, unsub := c.bus.Subscribe(bus.KindConnError, 8)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
		case <-c.online:
		}

		if c.conns.State() != conn.Errored {
			continue
		}
		c.reconnect(ctx)

		// Collapse triggers that piled up while we were reconnecting.
		for {
			select {
			case <-events:
				continue
			case <-c.online:
				continue
			default:
			}
			break
		}
	}
}

// reconnect retries the last-used profile with exponential backoff until it
// succeeds, attempts run out, or ctx is canceled.
func (c *Coordinator) reconnect(ctx context.Context) {
	prof, err := c.conns.LastUsedProfile()
	if err != nil || prof == nil {
		c.logger.Warn("no profile to reconnect to", zap.Error(err))
		return
	}

	base := time.Duration(c.cfg.Reconnect.BackoffBaseMS) * time.Millisecond
	maxDelay := time.Duration(c.cfg.Reconnect.BackoffCapMS) * time.Millisecond
	maxAttempts := c.cfg.Reconnect.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := base << (attempt - 1)
		if delay > maxDelay {
			delay = maxDelay
		}
		c.publish(bus.KindReconnectAttempt, Attempt{Number: attempt, Max: maxAttempts, Delay: delay})
		c.logger.Info("reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Int("max", maxAttempts),
			zap.Duration("delay", delay),
			zap.String("profile", prof.ID))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := c.conns.Connect(ctx, prof.ID)
		if err == nil || errors.Is(err, conn.ErrAlreadyConnected) {
			c.logger.Info("reconnected", zap.String("profile", prof.ID))
			go func() {
				if _, err := c.drains.Drain(context.Background()); err != nil &&
					!errors.Is(err, syncengine.ErrDrainInProgress) {
					c.logger.Warn("post-reconnect drain failed", zap.Error(err))
				}
			}()
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.publish(bus.KindReconnectAttempt, Attempt{Number: attempt, Max: maxAttempts, Delay: delay, Err: err.Error()})
	}

	c.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", maxAttempts))
	c.publish(bus.KindReconnectGaveUp, Attempt{Number: maxAttempts, Max: maxAttempts})
}

func (c *Coordinator) publish(kind string, payload any) {
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
