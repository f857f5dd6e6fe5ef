package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Class sorts request failures into the retry taxonomy.
type Class string

const (
	// Transient failures (timeouts, resets, 5xx) are retryable with backoff.
	Transient Class = "transient"
	// PermanentAuth failures (401/403) require re-authentication, not retry.
	PermanentAuth Class = "permanent_auth"
	// PermanentClient failures (other 4xx) are never retried.
	PermanentClient Class = "permanent_client"
	// Conflict means the server-side session history diverged from the
	// client's view. Never auto-resolved.
	Conflict Class = "conflict"
)

// Error is a typed request failure returned to the sync engine and
// connection manager. It never crosses component boundaries untyped.
type Error struct {
	Class  Class
	Status int // HTTP status when one was received, 0 for transport errors
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api %s (status %d): %s", e.Class, e.Status, e.Msg)
	}
	return fmt.Sprintf("api %s: %s", e.Class, e.Msg)
}

// Retryable reports whether the failure is eligible for backoff retry.
func (e *Error) Retryable() bool { return e.Class == Transient }

// ClassOf extracts the failure class from err, defaulting to Transient for
// untyped transport errors. Context cancellation is not reclassified.
func ClassOf(err error) Class {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return Transient
}

// IsCanceled reports whether err is caller cancellation rather than a
// server or network failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func classifyStatus(status int, msg string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Class: PermanentAuth, Status: status, Msg: msg}
	case status == http.StatusConflict:
		return &Error{Class: Conflict, Status: status, Msg: msg}
	case status >= 400 && status < 500:
		return &Error{Class: PermanentClient, Status: status, Msg: msg}
	default:
		return &Error{Class: Transient, Status: status, Msg: msg}
	}
}
