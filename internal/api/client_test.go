package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opencode-nexus/nexusd/internal/auth"
)

func TestSendMessageAck(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/s1/message" || r.Method != http.MethodPost {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(MessageAck{ID: "srv-1", Role: "user", Content: "hello"})
	}))
	defer srv.Close()

	c := NewClient(0)
	c.SetTarget(srv.URL, auth.None())

	ack, err := c.SendMessage(context.Background(), "s1", "hello", "", 2)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if ack.ID != "srv-1" {
		t.Errorf("ack id = %q, want srv-1", ack.ID)
	}
	if gotBody["content"] != "hello" {
		t.Errorf("content = %v", gotBody["content"])
	}
	if gotBody["prior_count"] != float64(2) {
		t.Errorf("prior_count = %v, want 2", gotBody["prior_count"])
	}
	if _, present := gotBody["model"]; present {
		t.Error("model key sent despite no override")
	}
}

func TestSendMessageCarriesModelOverride(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(MessageAck{ID: "srv-1"})
	}))
	defer srv.Close()

	c := NewClient(0)
	c.SetTarget(srv.URL, auth.None())

	if _, err := c.SendMessage(context.Background(), "s1", "hello", "sonnet-large", 0); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if gotBody["model"] != "sonnet-large" {
		t.Errorf("model = %v, want sonnet-large", gotBody["model"])
	}
}

func TestSendMessageAppliesCredentials(t *testing.T) {
	var gotID, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(auth.HeaderClientID)
		gotSecret = r.Header.Get(auth.HeaderClientSecret)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	c := NewClient(0)
	c.SetTarget(srv.URL, auth.BearerPair("cid", "csec"))

	if _, err := c.SendMessage(context.Background(), "s1", "hi", "", 0); err != nil {
		t.Fatal(err)
	}
	if gotID != "cid" || gotSecret != "csec" {
		t.Errorf("credentials = %q/%q, want cid/csec", gotID, gotSecret)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{http.StatusUnauthorized, PermanentAuth},
		{http.StatusForbidden, PermanentAuth},
		{http.StatusConflict, Conflict},
		{http.StatusBadRequest, PermanentClient},
		{http.StatusNotFound, PermanentClient},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		c := NewClient(0)
		c.SetTarget(srv.URL, auth.None())
		_, err := c.SendMessage(context.Background(), "s1", "x", "", 0)
		srv.Close()

		var apiErr *Error
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: error type = %T, want *Error", tt.status, err)
		}
		if apiErr.Class != tt.want {
			t.Errorf("status %d: class = %q, want %q", tt.status, apiErr.Class, tt.want)
		}
		if tt.want == Transient && !apiErr.Retryable() {
			t.Errorf("status %d should be retryable", tt.status)
		}
	}
}

func TestNoTargetFailsWithoutNetwork(t *testing.T) {
	c := NewClient(0)
	_, err := c.SendMessage(context.Background(), "s1", "x", "", 0)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session" || r.Method != http.MethodPost {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", Title: "New chat"})
	}))
	defer srv.Close()

	c := NewClient(0)
	c.SetTarget(srv.URL, auth.None())

	sess, err := c.CreateSession(context.Background(), "New chat")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != "sess-1" {
		t.Errorf("session id = %q", sess.ID)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := NewClient(100 * time.Millisecond)
	c.SetTarget(srv.URL, auth.None())

	start := time.Now()
	_, err := c.SendMessage(context.Background(), "s1", "x", "", 0)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("request did not respect timeout")
	}
	if ClassOf(err) != Transient {
		t.Errorf("timeout class = %q, want transient", ClassOf(err))
	}
}
