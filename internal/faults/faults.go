// Package faults is the sole authority for classifying outbound-call
// failures. Wrappers and handlers must not classify inline; everything
// funnels through Classify so the breaker and retry policies stay
// consistent across dependencies.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
)

// ErrCircuitOpen is raised by the dependency wrapper when the breaker
// denies the call before it is attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RemoteError carries a remote HTTP status from a dependency response.
type RemoteError struct {
	Dependency string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Dependency, e.StatusCode)
}

// ValidationError marks locally-rejected input. Never retried, never
// counted against a breaker.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Classification is the verdict for a single failure.
type Classification struct {
	// CountsForBreaker means the failure increments the breaker's
	// consecutive-failure count.
	CountsForBreaker bool
	// Retryable means the read-path wrapper may attempt the call again.
	Retryable bool
	// Timeout marks deadline expiry, reported separately in metrics.
	Timeout bool
}

// Classify maps any error to the failure taxonomy:
//
//   - CB-failure (counts, retryable): timeout, connection refused,
//     network unreachable, remote status >= 500.
//   - non-CB-failure (ignored by breaker, never retried): remote 4xx
//     including 429, validation errors, argument errors.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	// Cancellation comes from the caller, not the dependency; it must
	// not move the breaker or trigger a retry.
	if errors.Is(err, context.Canceled) {
		return Classification{}
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return Classification{CountsForBreaker: true, Retryable: true, Timeout: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{CountsForBreaker: true, Retryable: true, Timeout: true}
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return Classification{CountsForBreaker: true, Retryable: true}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Classification{CountsForBreaker: true, Retryable: true}
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		if remote.StatusCode >= 500 {
			return Classification{CountsForBreaker: true, Retryable: true}
		}
		// 4xx including 429: the remote is healthy, the request is not.
		return Classification{}
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return Classification{}
	}

	// Unknown errors are treated as dependency faults so a broken
	// dependency cannot hide behind an unwrapped error type.
	return Classification{CountsForBreaker: true, Retryable: true}
}

// HTTPStatus maps a dependency failure to the transport-level status
// surfaced at the API edge.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case Classify(err).Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ErrorCode maps a dependency failure to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	case Classify(err).Timeout:
		return "DEPENDENCY_TIMEOUT"
	case Classify(err).CountsForBreaker:
		return "DEPENDENCY_UNAVAILABLE"
	default:
		return "DEPENDENCY_ERROR"
	}
}
