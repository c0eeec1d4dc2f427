package faults

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "i/o timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil", nil, Classification{}},
		{"deadline", context.DeadlineExceeded,
			Classification{CountsForBreaker: true, Retryable: true, Timeout: true}},
		{"wrapped deadline", errors.Join(errors.New("call"), context.DeadlineExceeded),
			Classification{CountsForBreaker: true, Retryable: true, Timeout: true}},
		{"net timeout", fakeTimeout{},
			Classification{CountsForBreaker: true, Retryable: true, Timeout: true}},
		{"conn refused", syscall.ECONNREFUSED,
			Classification{CountsForBreaker: true, Retryable: true}},
		{"conn reset", syscall.ECONNRESET,
			Classification{CountsForBreaker: true, Retryable: true}},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("down")},
			Classification{CountsForBreaker: true, Retryable: true}},
		{"remote 503", &RemoteError{Dependency: "tariff_api", StatusCode: 503},
			Classification{CountsForBreaker: true, Retryable: true}},
		{"remote 500", &RemoteError{Dependency: "tariff_api", StatusCode: 500},
			Classification{CountsForBreaker: true, Retryable: true}},
		{"remote 404", &RemoteError{Dependency: "tariff_api", StatusCode: 404},
			Classification{}},
		{"remote 429", &RemoteError{Dependency: "epias_api", StatusCode: 429},
			Classification{}},
		{"validation", &ValidationError{Code: "VALUE_REQUIRED", Message: "value is required"},
			Classification{}},
		{"canceled", context.Canceled,
			Classification{}},
		{"wrapped canceled", errors.Join(errors.New("call"), context.Canceled),
			Classification{}},
		{"unknown", errors.New("mystery"),
			Classification{CountsForBreaker: true, Retryable: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrCircuitOpen))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(syscall.ECONNREFUSED))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(&RemoteError{StatusCode: 502}))
}

func TestErrorCodeMapping(t *testing.T) {
	assert.Equal(t, "CIRCUIT_OPEN", ErrorCode(ErrCircuitOpen))
	assert.Equal(t, "DEPENDENCY_TIMEOUT", ErrorCode(context.DeadlineExceeded))
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", ErrorCode(syscall.ECONNRESET))
	assert.Equal(t, "DEPENDENCY_ERROR", ErrorCode(&RemoteError{StatusCode: 400}))
}

func TestValidationErrorFormatting(t *testing.T) {
	withField := &ValidationError{Code: "INVALID_PERIOD_FORMAT", Field: "period", Message: "must match YYYY-MM"}
	assert.Equal(t, "INVALID_PERIOD_FORMAT: must match YYYY-MM (period)", withField.Error())

	bare := &ValidationError{Code: "VALUE_REQUIRED", Message: "value is required"}
	assert.Equal(t, "VALUE_REQUIRED: value is required", bare.Error())
}

var _ net.Error = fakeTimeout{}

func TestDeadlineViaContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	got := Classify(ctx.Err())
	assert.True(t, got.Timeout)
	assert.True(t, got.CountsForBreaker)
}

// A client that walks away cancels the request context; that must never
// count against the dependency's breaker.
func TestCancellationViaContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := Classify(ctx.Err())
	assert.False(t, got.CountsForBreaker)
	assert.False(t, got.Retryable)
	assert.False(t, got.Timeout)
}
