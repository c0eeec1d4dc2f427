// Package guard wraps every outbound dependency call in the protection
// stack: kill-switch check, circuit breaker gate, timeout, failure
// classification, and read-path retries with exponential backoff and
// jitter. Write-path calls never retry: a duplicated write is worse
// than a failed one.
package guard

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/faturaops/backend/internal/circuitbreaker"
	"github.com/faturaops/backend/internal/config"
	"github.com/faturaops/backend/internal/faults"
	"github.com/faturaops/backend/internal/metrics"
)

// Wrapper guards calls to a single dependency. Construct one per
// (dependency, write-flag) pair.
type Wrapper struct {
	dependency string
	isWrite    bool
	breaker    *circuitbreaker.Breaker
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	capDelay   time.Duration
	jitterPct  float64
	metrics    *metrics.Metrics

	// sleep is injectable so tests don't wait out real backoff.
	sleep func(context.Context, time.Duration) error
	randF func() float64
}

// NewWrapper builds a wrapper from the dependency config. Write wrappers
// get a retry budget of zero regardless of the configured value.
func NewWrapper(dep string, isWrite bool, breakers *circuitbreaker.Registry, deps config.DependenciesConfig, m *metrics.Metrics) *Wrapper {
	maxRetries := deps.MaxRetries(dep)
	if isWrite {
		maxRetries = 0
	}
	return &Wrapper{
		dependency: dep,
		isWrite:    isWrite,
		breaker:    breakers.Get(dep),
		timeout:    deps.Timeout(dep),
		maxRetries: maxRetries,
		baseDelay:  time.Duration(deps.BackoffBaseMS) * time.Millisecond,
		capDelay:   time.Duration(deps.BackoffCapMS) * time.Millisecond,
		jitterPct:  deps.JitterPct,
		metrics:    m,
		sleep:      sleepCtx,
		randF:      rand.Float64,
	}
}

// Do executes fn under the full guard stack. fn receives a context with
// the dependency timeout applied; it must honor cancellation.
func (w *Wrapper) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if !w.breaker.AllowRequest() {
			w.event("circuit_open")
			return faults.ErrCircuitOpen
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, w.timeout)
		err := fn(callCtx)
		cancel()
		elapsed := time.Since(start)
		w.observe(elapsed)

		if err == nil {
			w.breaker.RecordSuccess()
			w.event("success")
			return nil
		}

		cls := faults.Classify(err)
		switch {
		case cls.Timeout:
			w.event("timeout")
			w.breaker.RecordFailure()
		case cls.CountsForBreaker:
			w.event("failure")
			w.breaker.RecordFailure()
		default:
			// Client-side fault: no breaker impact, no retry.
			w.event("client_error")
			return err
		}
		lastErr = err

		if attempt < w.maxRetries {
			if serr := w.sleep(ctx, w.backoff(attempt)); serr != nil {
				return serr
			}
		}
	}
	return lastErr
}

// backoff computes min(base * 2^attempt, cap) plus uniform jitter.
func (w *Wrapper) backoff(attempt int) time.Duration {
	delay := float64(w.baseDelay) * math.Pow(2, float64(attempt))
	if capped := float64(w.capDelay); delay > capped {
		delay = capped
	}
	jitter := w.randF() * delay * w.jitterPct
	return time.Duration(delay + jitter)
}

func (w *Wrapper) event(kind string) {
	if w.metrics != nil {
		w.metrics.DependencyCalls.WithLabelValues(w.dependency, kind).Inc()
	}
}

func (w *Wrapper) observe(d time.Duration) {
	if w.metrics != nil {
		w.metrics.DependencyDuration.WithLabelValues(w.dependency).Observe(d.Seconds())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs a value-returning call under a wrapper.
func Execute[T any](ctx context.Context, w *Wrapper, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := w.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
