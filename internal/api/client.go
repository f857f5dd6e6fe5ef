// Package api implements the HTTP client for the remote chat-completion
// server: session creation, message delivery and history listing. The
// well-known paths follow the server's REST surface; the live event stream
// on top of the same surface lives in internal/stream.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opencode-nexus/nexusd/internal/auth"
)

const (
	// DefaultTimeout bounds a single non-streaming request.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize bounds how much of a response body is read.
	maxResponseSize = 10 << 20
)

// sharedTransport pools connections across all requests.
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	TLSClientConfig: &tls.Config{
		MinVersion: tls.VersionTLS12,
	},
}

// Session is a server-side conversation.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// MessageAck is the server's acknowledgment of a delivered message. Receipt
// of the ack means the message is Sent; any streamed assistant content that
// follows is the event stream's concern.
type MessageAck struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ServerMessage is one history entry returned by the server.
type ServerMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Client talks to one chat server at a time. The target (base URL and
// credentials) is owned by the connection manager and swapped on connect;
// requests made with no target fail without touching the network.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	desc    auth.Descriptor

	http *http.Client
}

// NewClient creates a client with no target configured.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{
			Transport: sharedTransport,
			Timeout:   timeout,
		},
	}
}

// SetTarget points the client at a server. Called by the connection manager
// when a connection is established.
func (c *Client) SetTarget(baseURL string, desc auth.Descriptor) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.desc = desc
	c.mu.Unlock()
}

// ClearTarget drops the configured server. Called on disconnect.
func (c *Client) ClearTarget() {
	c.mu.Lock()
	c.baseURL = ""
	c.desc = auth.None()
	c.mu.Unlock()
}

// Target returns the configured base URL and credentials.
func (c *Client) Target() (string, auth.Descriptor) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL, c.desc
}

// CreateSession creates a new conversation on the server.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	var sess Session
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, "/session", body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SendMessage delivers one user message to a session. model optionally
// pins the completion model; empty leaves the server's default in place.
// priorCount is the number of messages the client believes the session
// already holds; the server answers 409 when its own count disagrees,
// which surfaces as a Conflict error.
func (c *Client) SendMessage(ctx context.Context, sessionID, content, model string, priorCount int) (*MessageAck, error) {
	var ack MessageAck
	body := map[string]any{
		"content":     content,
		"prior_count": priorCount,
	}
	if model != "" {
		body["model"] = model
	}
	path := fmt.Sprintf("/session/%s/message", sessionID)
	if err := c.do(ctx, http.MethodPost, path, body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ListMessages returns a session's history from the server.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]ServerMessage, error) {
	var msgs []ServerMessage
	path := fmt.Sprintf("/session/%s/message", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	c.mu.RLock()
	baseURL := c.baseURL
	desc := c.desc
	c.mu.RUnlock()

	if baseURL == "" {
		return &Error{Class: Transient, Msg: "no server configured"}
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return &Error{Class: PermanentClient, Msg: fmt.Sprintf("marshal request: %v", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return &Error{Class: PermanentClient, Msg: err.Error()}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	desc.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Class: Transient, Msg: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Class: Transient, Msg: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return classifyStatus(resp.StatusCode, msg)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Class: Transient, Msg: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}
