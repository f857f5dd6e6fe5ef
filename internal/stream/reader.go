// Package stream consumes the server's live event feed. Full messages are
// mirrored into local history; chunks are republished for interactive
// consumers and never persisted.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/opencode-nexus/nexusd/internal/auth"
	"github.com/opencode-nexus/nexusd/internal/bus"
	"github.com/opencode-nexus/nexusd/internal/store"
)

// EventPath is the server's SSE endpoint.
const EventPath = "/event"

// reconnectDelay spaces out stream reconnects after a dropped feed.
const reconnectDelay = 5 * time.Second

// Message is the payload of stream bus events.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Chunk     bool
}

// TargetSource yields the active server coordinates. Implemented by the
// api client; an empty base URL means not connected.
type TargetSource interface {
	Target() (string, auth.Descriptor)
}

// Reader maintains one SSE subscription against the connected server.
type Reader struct {
	target TargetSource
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	client *http.Client
}

// NewReader creates a stream reader. The client timeout must be zero; a
// streaming response never completes.
func NewReader(target TargetSource, db *store.DB, b *bus.Bus, logger *zap.Logger) *Reader {
	return &Reader{
		target: target,
		db:     db,
		bus:    b,
		logger: logger,
		client: &http.Client{},
	}
}

// Run follows the connection lifecycle until ctx is canceled: stream while
// a target is set, back off and retry when the feed drops. Meant to run as
// a daemon-lifetime goroutine.
func (r *Reader) Run(ctx context.Context) {
	connects, unsub := r.bus.Subscribe(bus.KindConnConnected, 4)
	defer unsub()

	for {
		baseURL, desc := r.target.Target()
		if baseURL == "" {
			// Wait for a connection before opening the feed.
			select {
			case <-ctx.Done():
				return
			case <-connects:
				continue
			}
		}

		err := r.stream(ctx, baseURL, desc)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Debug("event stream dropped", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// stream opens the SSE feed and dispatches events until the feed drops or
// ctx is canceled.
func (r *Reader) stream(ctx context.Context, baseURL string, desc auth.Descriptor) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+EventPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	desc.Apply(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	r.logger.Info("event stream open", zap.String("url", req.URL.String()))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		r.dispatch(data)
	}
	return scanner.Err()
}

// dispatch parses one SSE data payload and republishes it. Payloads that
// are not valid JSON or carry an unknown role are skipped.
func (r *Reader) dispatch(data string) {
	if !gjson.Valid(data) {
		return
	}
	parsed := gjson.Parse(data)

	msg := Message{
		ID:        parsed.Get("id").String(),
		SessionID: parsed.Get("session_id").String(),
		Role:      parsed.Get("role").String(),
		Content:   parsed.Get("content").String(),
		Chunk:     parsed.Get("is_chunk").Bool(),
	}
	if msg.Role != store.RoleUser && msg.Role != store.RoleAssistant {
		return
	}

	if msg.Chunk {
		r.publish(bus.KindStreamChunk, msg)
		return
	}

	if err := r.db.UpsertMessage(&store.Message{
		SessionID: msg.SessionID,
		MsgID:     msg.ID,
		Role:      msg.Role,
		Body:      msg.Content,
		Status:    store.StatusSent,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		r.logger.Warn("failed to mirror streamed message", zap.Error(err))
	}
	r.publish(bus.KindStreamMessage, msg)
}

func (r *Reader) publish(kind string, payload any) {
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
