// Package probe performs single health-check round-trips against a candidate
// chat server. It is read-only and stateless; the connection manager owns all
// state derived from probe results.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/opencode-nexus/nexusd/internal/auth"
)

// HealthPath is the well-known idempotent health endpoint.
const HealthPath = "/session"

// DefaultTimeout is the hard cap on a single probe round-trip.
const DefaultTimeout = 10 * time.Second

// maxBodySize bounds how much of the health response is read.
const maxBodySize = 1 << 20

// FailureKind classifies why a probe failed.
type FailureKind string

const (
	// Unreachable covers network errors and timeouts.
	Unreachable FailureKind = "unreachable"
	// Untrusted covers TLS and certificate validation failures.
	Untrusted FailureKind = "untrusted"
	// AuthRejected covers HTTP 401 and 403.
	AuthRejected FailureKind = "auth_rejected"
	// ServerError covers any other non-2xx status.
	ServerError FailureKind = "server_error"
	// ProtocolMismatch covers 2xx responses with a malformed body.
	ProtocolMismatch FailureKind = "protocol_mismatch"
)

// Error is a typed probe failure returned to the connection manager.
type Error struct {
	Kind   FailureKind
	Status int // HTTP status for ServerError and AuthRejected, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("probe %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("probe %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ServerInfo is the result of a successful probe.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// shared pooled transport for all probes.
var httpClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// Probe issues one GET against baseURL's health endpoint with the given
// credentials. timeout <= 0 falls back to DefaultTimeout; the call never
// blocks past it.
func Probe(ctx context.Context, baseURL string, desc auth.Descriptor, timeout time.Duration) (*ServerInfo, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+HealthPath, nil)
	if err != nil {
		return nil, &Error{Kind: Unreachable, Err: err}
	}
	desc.Apply(req)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyTransportError(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &Error{Kind: AuthRejected, Status: resp.StatusCode, Err: fmt.Errorf("server rejected credentials")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: ServerError, Status: resp.StatusCode, Err: fmt.Errorf("server responded with status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &Error{Kind: Unreachable, Err: fmt.Errorf("read body: %w", err)}
	}
	if !gjson.ValidBytes(body) {
		return nil, &Error{Kind: ProtocolMismatch, Err: fmt.Errorf("health response is not JSON")}
	}

	parsed := gjson.ParseBytes(body)
	info := &ServerInfo{
		Name:    parsed.Get("name").String(),
		Version: parsed.Get("version").String(),
	}
	return info, nil
}

func classifyTransportError(err error) FailureKind {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return Untrusted
	}
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return Untrusted
	}
	return Unreachable
}
