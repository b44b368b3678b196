package loader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Common errors returned by the loader.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during
	// a load or retry backoff.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrCorruptData marks a payload that could not be decoded.
	ErrCorruptData = errors.New("corrupt image data")
)

// ErrorKind is the classification of a load failure.
type ErrorKind string

const (
	KindNetwork        ErrorKind = "network"
	KindTimeout        ErrorKind = "timeout"
	KindServer         ErrorKind = "server"
	KindNotFound       ErrorKind = "not_found"
	KindAuthentication ErrorKind = "authentication"
	KindParsing        ErrorKind = "parsing"
	KindMemory         ErrorKind = "memory"
	KindCircuitBreaker ErrorKind = "circuit_breaker"
	KindUnknown        ErrorKind = "unknown"
)

// Severity grades how much attention a failure deserves.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ClassifiedError is the typed result of classifying a transport failure.
// It carries everything downstream code needs: whether a retry makes
// sense, which origin misbehaved, and how to present the failure.
type ClassifiedError struct {
	Kind      ErrorKind
	Retryable bool
	Severity  Severity
	Message   string
	Origin    string
	Err       error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (origin %s): %s: %v", e.Kind, e.Origin, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (origin %s): %s", e.Kind, e.Origin, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// StatusError is the HTTP-status-like failure signal produced by the
// transport layer.
type StatusError struct {
	Code   int
	Status string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Status)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Classify maps a transport failure onto the error taxonomy. Status-code
// signals take precedence, then well-known error types, then message
// patterns. Anything unrecognized is classified unknown and retryable:
// failing to retry a transient fault is worse than retrying a permanent
// one once.
func Classify(err error, origin string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	ce := &ClassifiedError{
		Kind:      KindUnknown,
		Retryable: true,
		Severity:  SeverityWarning,
		Message:   err.Error(),
		Origin:    origin,
		Err:       err,
	}

	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		classifyStatus(ce, statusErr.Code)

	case errors.Is(err, context.DeadlineExceeded):
		ce.Kind = KindTimeout
		ce.Retryable = true

	case errors.Is(err, ErrCorruptData):
		ce.Kind = KindParsing
		ce.Retryable = false
		ce.Severity = SeverityError

	case isTimeout(err):
		ce.Kind = KindTimeout
		ce.Retryable = true

	default:
		classifyMessage(ce, err.Error())
	}

	return ce
}

// classifyStatus fills in the classification for an HTTP-status signal.
func classifyStatus(ce *ClassifiedError, code int) {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		ce.Kind = KindNotFound
		ce.Retryable = false
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		ce.Kind = KindAuthentication
		ce.Retryable = false
		ce.Severity = SeverityError
	case code == http.StatusRequestTimeout:
		ce.Kind = KindTimeout
		ce.Retryable = true
	case code >= 500 || code == http.StatusTooManyRequests:
		ce.Kind = KindServer
		ce.Retryable = true
	case code >= 400:
		// Remaining 4xx: the request itself is wrong, retrying cannot help.
		ce.Kind = KindUnknown
		ce.Retryable = false
	}
}

// classifyMessage falls back to message-pattern matching for errors that
// carry no structured signal.
func classifyMessage(ce *ClassifiedError, msg string) {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "cannot allocate"):
		ce.Kind = KindMemory
		ce.Retryable = false
		ce.Severity = SeverityCritical
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		ce.Kind = KindTimeout
		ce.Retryable = true
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "network is unreachable"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "eof"):
		ce.Kind = KindNetwork
		ce.Retryable = true
	}
}

// isTimeout reports whether the error is a net-level timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// newBreakerError builds the synthetic error returned when a circuit is
// open and no fetch was attempted.
func newBreakerError(origin string) *ClassifiedError {
	return &ClassifiedError{
		Kind:      KindCircuitBreaker,
		Retryable: false,
		Severity:  SeverityWarning,
		Message:   "circuit breaker open",
		Origin:    origin,
	}
}
