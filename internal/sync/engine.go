// Package sync drains the durable message queue to the server. Sessions are
// drained oldest-first and may run concurrently; messages within a session
// are strictly ordered and never reordered by retries or failures.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-nexus/nexusd/internal/api"
	"github.com/opencode-nexus/nexusd/internal/bus"
	"github.com/opencode-nexus/nexusd/internal/config"
	"github.com/opencode-nexus/nexusd/internal/conn"
	"github.com/opencode-nexus/nexusd/internal/store"
)

// maxConcurrentSessions bounds how many sessions drain in parallel.
const maxConcurrentSessions = 4

var (
	// ErrDrainInProgress is returned when Drain is called while a drain
	// is running.
	ErrDrainInProgress = errors.New("drain already in progress")
	// ErrNotConnected is returned when a drain is requested without an
	// established connection.
	ErrNotConnected = errors.New("not connected to a server")
)

// Sender delivers a single queued message. Implemented by the api client.
type Sender interface {
	SendMessage(ctx context.Context, sessionID, content, model string, priorCount int) (*api.MessageAck, error)
}

// StateSource reports the current connection state. Implemented by the
// connection manager.
type StateSource interface {
	State() conn.State
}

// Engine drains the outbox. One drain runs at a time; Cancel stops a drain
// after the in-flight message completes.
type Engine struct {
	db     *store.DB
	sender Sender
	conns  StateSource
	bus    *bus.Bus
	logger *zap.Logger
	cfg    *config.Config

	concurrency int

	mu      stdsync.Mutex
	running bool
	stop    *atomic.Bool
	done    chan struct{}
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, sender Sender, conns StateSource, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		db:          db,
		sender:      sender,
		conns:       conns,
		bus:         b,
		logger:      logger,
		cfg:         cfg,
		concurrency: maxConcurrentSessions,
	}
}

// Running reports whether a drain is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Cancel requests a graceful stop of the current drain. The in-flight
// message (if any) completes; everything after it stays pending.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		e.stop.Store(true)
	}
}

// Wait blocks until the current drain (if any) has finished. Used on
// shutdown after Cancel so the store is not closed under an in-flight send.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Enqueue appends a message to the durable queue and, when connected and no
// drain is running, kicks off a drain in the background.
func (e *Engine) Enqueue(clientMsgID, sessionID, body, model string) error {
	if err := e.db.Enqueue(clientMsgID, sessionID, body, model); err != nil {
		return err
	}
	if e.conns.State() == conn.Connected && !e.Running() {
		go func() {
			if _, err := e.Drain(context.Background()); err != nil && !errors.Is(err, ErrDrainInProgress) {
				e.logger.Warn("background drain failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Drain delivers every pending message, oldest session first. It returns
// the run summary; a typed error is returned only when the drain could not
// start. The summary is also persisted and published on the bus.
func (e *Engine) Drain(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	e.running = true
	stop := &atomic.Bool{}
	e.stop = stop
	done := make(chan struct{})
	e.done = done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.stop = nil
		e.done = nil
		e.mu.Unlock()
		close(done)
	}()

	if e.conns.State() != conn.Connected {
		return nil, ErrNotConnected
	}

	sessions, err := e.db.PendingSessions()
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}

	queues := make(map[string][]store.QueuedMessage, len(sessions))
	total := 0
	for _, sid := range sessions {
		msgs, err := e.db.PendingInOrder(sid)
		if err != nil {
			return nil, fmt.Errorf("list pending for %s: %w", sid, err)
		}
		queues[sid] = msgs
		total += len(msgs)
	}

	run := &drainRun{
		engine: e,
		stop:   stop,
		total:  total,
	}
	result := &Result{StartedAt: time.Now()}

	e.publish(bus.KindSyncStarted, Progress{Total: total})
	e.logger.Info("drain started", zap.Int("sessions", len(sessions)), zap.Int("messages", total))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, sid := range sessions {
		g.Go(func() error {
			return run.drainSession(gctx, sid, queues[sid])
		})
	}
	err = g.Wait()

	result.Duration = time.Since(result.StartedAt)
	result.SessionIDs = sessions
	result.Sent = int(run.sent.Load())
	result.Failed = int(run.failed.Load())
	result.Conflicts = int(run.conflicts.Load())
	result.Errors = run.errors()

	switch {
	case err != nil && api.IsCanceled(err):
		result.Aborted = true
		result.Reason = "canceled"
	case err != nil:
		result.Aborted = true
		result.Reason = err.Error()
	case stop.Load():
		result.Aborted = true
		result.Reason = "canceled"
	}

	e.record(result)
	if result.Aborted {
		e.publish(bus.KindSyncFailed, *result)
	} else {
		e.publish(bus.KindSyncCompleted, *result)
	}
	e.logger.Info("drain finished",
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("conflicts", result.Conflicts),
		zap.Bool("aborted", result.Aborted),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// drainRun carries shared counters for one drain across session workers.
type drainRun struct {
	engine    *Engine
	stop      *atomic.Bool
	total     int
	processed atomic.Int64
	sent      atomic.Int64
	failed    atomic.Int64
	conflicts atomic.Int64

	mu   stdsync.Mutex
	errs []MessageOutcome
}

// fail records one failed message: store status, counters, event.
func (r *drainRun) fail(out MessageOutcome) error {
	e := r.engine
	if err := e.db.MarkFailed(out.ClientMsgID, out.FailureKind, out.Reason); err != nil {
		return fmt.Errorf("mark failure %s: %w", out.ClientMsgID, err)
	}
	r.failed.Add(1)
	r.mu.Lock()
	r.errs = append(r.errs, out)
	r.mu.Unlock()
	e.publish(bus.KindSyncMessageFailed, out)
	return nil
}

func (r *drainRun) errors() []MessageOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessageOutcome, len(r.errs))
	copy(out, r.errs)
	return out
}

// drainSession delivers one session's queue in order. A returned error
// aborts the whole drain; session-local failures are absorbed here.
func (r *drainRun) drainSession(ctx context.Context, sessionID string, msgs []store.QueuedMessage) error {
	e := r.engine
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.stop.Load() {
			return nil
		}
		if e.conns.State() != conn.Connected {
			return ErrNotConnected
		}

		if err := e.db.MarkSending(msg.ClientMsgID); err != nil {
			return fmt.Errorf("mark sending %s: %w", msg.ClientMsgID, err)
		}

		ack, sendErr := r.sendWithRetry(ctx, &msg)
		if sendErr == nil {
			if err := e.db.MarkSent(msg.ClientMsgID); err != nil {
				return fmt.Errorf("mark sent %s: %w", msg.ClientMsgID, err)
			}
			r.sent.Add(1)
			e.mirror(sessionID, ack)
			e.publish(bus.KindSyncMessageSent, MessageOutcome{ClientMsgID: msg.ClientMsgID, SessionID: sessionID})
			r.step()
			continue
		}

		if api.IsCanceled(sendErr) {
			// Shutdown mid-send: message goes back to pending.
			if err := e.db.ResetSending(msg.ClientMsgID); err != nil {
				e.logger.Warn("failed to restore pending status", zap.Error(err))
			}
			return sendErr
		}

		switch api.ClassOf(sendErr) {
		case api.Conflict:
			// The session diverged on the server. The message and every
			// queued successor are dead; one conflict per session.
			n, err := e.db.FailSessionTail(sessionID, msg.ClientMsgID, store.FailConflict, sendErr.Error())
			if err != nil {
				return fmt.Errorf("mark conflict tail %s: %w", sessionID, err)
			}
			r.conflicts.Add(1)
			out := MessageOutcome{
				ClientMsgID: msg.ClientMsgID,
				SessionID:   sessionID,
				FailureKind: store.FailConflict,
				Reason:      sendErr.Error(),
			}
			r.mu.Lock()
			r.errs = append(r.errs, out)
			r.mu.Unlock()
			e.publish(bus.KindSyncConflict, out)
			e.logger.Warn("session conflict", zap.String("session", sessionID), zap.Int("messages_failed", n))
			r.step()
			return nil

		case api.PermanentAuth:
			// Credentials are bad for every remaining message; abort the
			// whole drain and leave the queue pending.
			if err := r.fail(MessageOutcome{
				ClientMsgID: msg.ClientMsgID,
				SessionID:   sessionID,
				FailureKind: store.FailAuth,
				Reason:      sendErr.Error(),
			}); err != nil {
				return err
			}
			r.step()
			return fmt.Errorf("authentication rejected: %w", sendErr)

		case api.PermanentClient:
			if err := r.fail(MessageOutcome{
				ClientMsgID: msg.ClientMsgID,
				SessionID:   sessionID,
				FailureKind: store.FailPermanent,
				Reason:      sendErr.Error(),
			}); err != nil {
				return err
			}
			r.step()
			continue

		default: // transient, retries exhausted
			if err := r.fail(MessageOutcome{
				ClientMsgID: msg.ClientMsgID,
				SessionID:   sessionID,
				FailureKind: store.FailTransient,
				Reason:      sendErr.Error(),
			}); err != nil {
				return err
			}
			r.step()
			// The link is struggling; successors would only pile up more
			// failures and risk reordering. Leave them pending.
			return nil
		}
	}
	return nil
}

// sendWithRetry attempts delivery with exponential backoff on transient
// failures. Permanent failures and conflicts return on the first attempt.
func (r *drainRun) sendWithRetry(ctx context.Context, msg *store.QueuedMessage) (*api.MessageAck, error) {
	e := r.engine
	base := time.Duration(e.cfg.Send.BackoffBaseMS) * time.Millisecond
	maxDelay := time.Duration(e.cfg.Send.BackoffCapMS) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < e.cfg.Send.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := base << (attempt - 1)
			if delay > maxDelay {
				delay = maxDelay
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if r.stop.Load() {
				return nil, context.Canceled
			}
		}

		prior, err := e.db.CountMessages(msg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("count messages: %w", err)
		}

		ack, err := e.sender.SendMessage(ctx, msg.SessionID, msg.Body, msg.Model, prior)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if api.IsCanceled(err) || api.ClassOf(err) != api.Transient {
			return nil, err
		}
		e.logger.Debug("send attempt failed",
			zap.String("client_msg_id", msg.ClientMsgID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// step advances the shared progress counter and emits a batch event on
// batch boundaries.
func (r *drainRun) step() {
	n := int(r.processed.Add(1))
	size := r.engine.cfg.Sync.BatchSize
	if size > 0 && n%size == 0 {
		r.engine.publish(bus.KindSyncBatchComplete, Progress{Processed: n, Total: r.total})
	}
}

// mirror records a delivered message in local history. Best effort; the
// event stream is the authoritative mirror feed.
func (e *Engine) mirror(sessionID string, ack *api.MessageAck) {
	if ack == nil {
		return
	}
	m := &store.Message{
		SessionID: sessionID,
		MsgID:     ack.ID,
		Role:      store.RoleUser,
		Body:      ack.Content,
		Status:    store.StatusSent,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := e.db.UpsertMessage(m); err != nil {
		e.logger.Warn("failed to mirror sent message", zap.Error(err))
	}
}

func (e *Engine) record(result *Result) {
	detail, _ := json.Marshal(map[string]any{
		"reason":      result.Reason,
		"session_ids": result.SessionIDs,
		"errors":      result.Errors,
	})
	run := &store.SyncRun{
		StartedAt:  result.StartedAt.UnixMilli(),
		DurationMS: result.Duration.Milliseconds(),
		Sent:       result.Sent,
		Failed:     result.Failed,
		Conflicts:  result.Conflicts,
		Aborted:    result.Aborted,
		Detail:     string(detail),
	}
	if err := e.db.AppendSyncRun(run, e.cfg.Sync.HistorySize); err != nil {
		e.logger.Warn("failed to record sync run", zap.Error(err))
	}
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
