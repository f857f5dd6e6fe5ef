package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opencode-nexus/nexusd/internal/auth"
)

func TestProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != HealthPath {
			t.Errorf("path = %q, want %q", r.URL.Path, HealthPath)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","version":"1.2.0"}`))
	}))
	defer srv.Close()

	info, err := Probe(context.Background(), srv.URL, auth.None(), 0)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info.Version != "1.2.0" {
		t.Errorf("version = %q, want 1.2.0", info.Version)
	}
}

func TestProbeSendsCredentials(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := Probe(context.Background(), srv.URL, auth.APIKey("k1"), 0); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if gotAuth != "Bearer k1" {
		t.Errorf("Authorization = %q, want 'Bearer k1'", gotAuth)
	}
}

func TestProbeAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Probe(context.Background(), srv.URL, auth.None(), 0)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if perr.Kind != AuthRejected {
		t.Errorf("kind = %q, want %q", perr.Kind, AuthRejected)
	}
	if perr.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", perr.Status)
	}
}

func TestProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Probe(context.Background(), srv.URL, auth.None(), 0)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if perr.Kind != ServerError || perr.Status != http.StatusBadGateway {
		t.Errorf("got kind %q status %d, want %q 502", perr.Kind, perr.Status, ServerError)
	}
}

func TestProbeProtocolMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not a chat server</html>"))
	}))
	defer srv.Close()

	_, err := Probe(context.Background(), srv.URL, auth.None(), 0)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if perr.Kind != ProtocolMismatch {
		t.Errorf("kind = %q, want %q", perr.Kind, ProtocolMismatch)
	}
}

func TestProbeUnreachable(t *testing.T) {
	// Reserved but unroutable port: connection refused.
	_, err := Probe(context.Background(), "http://127.0.0.1:1", auth.None(), time.Second)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if perr.Kind != Unreachable {
		t.Errorf("kind = %q, want %q", perr.Kind, Unreachable)
	}
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	start := time.Now()
	_, err := Probe(context.Background(), srv.URL, auth.None(), 100*time.Millisecond)
	if err == nil {
		t.Fatal("Probe() expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("probe took %v, should respect the 100ms timeout", elapsed)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != Unreachable {
		t.Errorf("error = %v, want Unreachable", err)
	}
}
