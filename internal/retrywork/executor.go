// Package retrywork drives the incident retry/recompute lifecycle: a
// race-safe executor claims eligible incidents, runs provider lookups
// under the guard stack, and a recompute service decides resolution.
// The executor never resolves anything; that authority belongs to
// recompute alone.
package retrywork

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/metrics"
)

// BackoffSchedule holds the delay applied after the n-th failed attempt
// (n = new attempt count). The fourth failure exhausts.
var BackoffSchedule = [4]time.Duration{
	30 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// MaxAttempts is the exhaust bound.
const MaxAttempts = 4

// LockDuration is how long a claim holds before it expires naturally.
const LockDuration = 5 * time.Minute

// NewWorkerID builds a hostname:pid:uuid8 identity so a stale lock can
// be traced back to its worker post mortem.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// LookupFunc re-runs the provider lookup that originally failed. It is
// expected to execute under a guard.Wrapper.
type LookupFunc func(ctx context.Context, inc *incident.Incident) error

// Executor implements one retry attempt per claimed incident.
type Executor struct {
	store   incident.Store
	lookup  LookupFunc
	metrics *metrics.Metrics
	logger  *log.Logger

	WorkerID     string
	lockDuration time.Duration
	now          func() time.Time
}

func NewExecutor(store incident.Store, lookup LookupFunc, m *metrics.Metrics) *Executor {
	return &Executor{
		store:        store,
		lookup:       lookup,
		metrics:      m,
		logger:       log.New(log.Writer(), "[RETRY] ", log.LstdFlags),
		WorkerID:     NewWorkerID(),
		lockDuration: LockDuration,
		now:          time.Now,
	}
}

// Claim locks up to limit eligible incidents for this worker. Rows
// contended by other workers are skipped, not waited on.
func (e *Executor) Claim(ctx context.Context, limit int) ([]*incident.Incident, error) {
	now := e.now()
	return e.store.ClaimRetryable(ctx, now, limit, e.WorkerID, now.Add(e.lockDuration))
}

// ExecuteOne runs the lookup for a claimed incident. Any error is a
// failed attempt; classification nuance belongs to the guard layer.
func (e *Executor) ExecuteOne(ctx context.Context, inc *incident.Incident) error {
	return e.lookup(ctx, inc)
}

// ApplyResult writes the attempt outcome:
//
//   - success: PENDING_RECOMPUTE, retry_success=true, eligibility and
//     lock cleared. Never RESOLVED; that is recompute's call.
//   - failure: attempt count += 1; below the bound the incident returns
//     to PENDING_RETRY with the schedule delay; at the bound it
//     exhausts to OPEN with RETRY_EXHAUSTED.
func (e *Executor) ApplyResult(ctx context.Context, inc *incident.Incident, success bool) error {
	now := e.now()
	inc.RetryLastAttemptAt = &now
	inc.UpdatedAt = now
	inc.RetryLockUntil = nil
	inc.RetryLockBy = ""

	if success {
		inc.Status = incident.StatusPendingRecompute
		inc.RetrySuccess = true
		inc.RetryEligibleAt = nil
		e.count("success")
		return e.store.Update(ctx, inc)
	}

	inc.RetryAttemptCount++
	inc.RetrySuccess = false
	if inc.RetryAttemptCount < MaxAttempts {
		eligible := now.Add(BackoffSchedule[inc.RetryAttemptCount-1])
		inc.Status = incident.StatusPendingRetry
		inc.RetryEligibleAt = &eligible
		e.count("fail")
		return e.store.Update(ctx, inc)
	}

	// Fourth consecutive failure: terminal for the automatic path.
	inc.Status = incident.StatusOpen
	inc.RetryExhaustedAt = &now
	inc.ResolutionReason = incident.ReasonRetryExhausted
	inc.RetryEligibleAt = nil
	e.count("exhausted")
	e.logger.Printf("incident %s exhausted after %d attempts", inc.ID, inc.RetryAttemptCount)
	return e.store.Update(ctx, inc)
}

func (e *Executor) count(result string) {
	if e.metrics != nil {
		e.metrics.RetryAttempts.WithLabelValues(result).Inc()
	}
}
