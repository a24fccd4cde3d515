package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingAPIKey indicates the gateway API key is not configured.
	ErrMissingAPIKey = errors.New("bridge: API key not configured")

	// ErrNoModels indicates a send was attempted with an empty model list.
	ErrNoModels = errors.New("bridge: no models selected")
)

// ErrorKind classifies a stream failure. The kind is assigned at the failure
// site and alone decides retryability; no message inspection is involved.
type ErrorKind int

const (
	// KindPrecondition is a request defect caught before any network
	// activity. Never retried.
	KindPrecondition ErrorKind = iota
	// KindTransport is a connection-level failure (dial error, reset,
	// truncated body). Retryable.
	KindTransport
	// KindTimeout means the idle window elapsed without a chunk. Retryable.
	KindTimeout
	// KindHTTP is a non-2xx response from the gateway. Not retried: it
	// indicates a request or model problem, not a transient condition.
	KindHTTP
	// KindPayload is a fatal error object carried inside an SSE frame.
	KindPayload
	// KindCanceled marks caller-initiated abandonment. Never surfaced
	// through OnError and never retried.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http"
	case KindPayload:
		return "payload"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// StreamError is the error type produced by stream attempts.
type StreamError struct {
	Kind ErrorKind

	// Status and Body are set for KindHTTP.
	Status int
	Body   string

	// Stall is the elapsed time since the last chunk, set for KindTimeout.
	Stall time.Duration

	Err error
}

func (e *StreamError) Error() string {
	switch e.Kind {
	case KindHTTP:
		if e.Body != "" {
			return fmt.Sprintf("bridge: HTTP %d: %s", e.Status, e.Body)
		}
		return fmt.Sprintf("bridge: HTTP %d", e.Status)
	case KindTimeout:
		return fmt.Sprintf("bridge: stream stalled for %s", e.Stall.Round(time.Millisecond))
	default:
		if e.Err != nil {
			return fmt.Sprintf("bridge: %s error: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("bridge: %s error", e.Kind)
	}
}

func (e *StreamError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is judged transient.
func (e *StreamError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTimeout
}

// Retryable reports whether err is a transient stream failure that a retry
// wrapper may re-attempt.
func Retryable(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
