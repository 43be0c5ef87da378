package mcp

import (
	"errors"
	"fmt"
)

// ErrNoStreaming is returned when a stream is requested from a transport
// that cannot serve one.
var ErrNoStreaming = errors.New("transport does not support streaming")

// ValidationError reports missing or mistyped call parameters.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 1 {
		return "validation failed: " + e.Messages[0]
	}
	return fmt.Sprintf("validation failed: %d problems, first: %s", len(e.Messages), e.Messages[0])
}

// DisabledError reports a call against an administratively disabled entity.
type DisabledError struct {
	Kind string // "server", "tool", "resource"
	Name string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("%s %q is disabled", e.Kind, e.Name)
}

// NotFoundError reports a lookup miss in the registry.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// ClientError is an upstream 4xx. It is never retried.
type ClientError struct {
	Status int
	Body   string
}

func (e *ClientError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream client error: status %d", e.Status)
	}
	return fmt.Sprintf("upstream client error: status %d: %.200s", e.Status, e.Body)
}

// ServerError is an upstream 5xx. Retryable.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream server error: status %d", e.Status)
	}
	return fmt.Sprintf("upstream server error: status %d: %.200s", e.Status, e.Body)
}

// NetworkError wraps a transport-level failure (dial, TLS, reset). Retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError reports a JSON-RPC error object or a malformed payload.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol error: %s (code: %d)", e.Message, e.Code)
	}
	return "protocol error: " + e.Message
}

// MethodNotFound reports whether err is a JSON-RPC method-not-found error.
func (e *ProtocolError) MethodNotFound() bool { return e.Code == MethodNotFound }

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	if e.Timeout == "" {
		return "timeout waiting for " + e.Op
	}
	return fmt.Sprintf("timeout waiting for %s after %s", e.Op, e.Timeout)
}

// ProcessError reports a subprocess lifecycle failure (spawn, pipe, exit).
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string { return fmt.Sprintf("process %s: %v", e.Op, e.Err) }
func (e *ProcessError) Unwrap() error { return e.Err }

// MaxRetriesError is returned when every attempt of a retried call failed.
// Last carries the final attempt's error.
type MaxRetriesError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("Max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *MaxRetriesError) Unwrap() error { return e.Last }

// Retryable reports whether err is worth another attempt. Only upstream 5xx
// and transport-level failures qualify; 4xx and protocol errors are final.
func Retryable(err error) bool {
	var se *ServerError
	if errors.As(err, &se) {
		return true
	}
	var ne *NetworkError
	return errors.As(err, &ne)
}
