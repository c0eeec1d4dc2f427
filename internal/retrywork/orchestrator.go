package retrywork

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/metrics"
)

// ContextProvider gathers the recompute input for an incident. The
// default parses the routed payload stored on the row; tests inject
// doubles that short-circuit the re-run.
type ContextProvider func(inc *incident.Incident) (RecomputeContext, error)

// PayloadContextProvider reads the ScoreInput blob persisted at incident
// creation.
func PayloadContextProvider(inc *incident.Incident) (RecomputeContext, error) {
	var rc RecomputeContext
	if len(inc.RoutedPayload) == 0 {
		return rc, fmt.Errorf("incident %s has no routed payload", inc.ID)
	}
	if err := json.Unmarshal(inc.RoutedPayload, &rc.Input); err != nil {
		return rc, fmt.Errorf("decode routed payload for %s: %w", inc.ID, err)
	}
	return rc, nil
}

// BatchSummary is the per-run report.
type BatchSummary struct {
	Claimed          int `json:"claimed"`
	RetrySuccess     int `json:"retry_success"`
	RetryFail        int `json:"retry_fail"`
	Resolved         int `json:"resolved"`
	Reclassified     int `json:"reclassified"`
	Exhausted        int `json:"exhausted"`
	RecomputeLimited int `json:"recompute_limited"`
	Errors           int `json:"errors"`
}

// Orchestrator couples the executor and the recomputer, guarding the
// recompute count and sweeping stuck rows.
type Orchestrator struct {
	exec         *Executor
	rec          *Recomputer
	store        incident.Store
	provider     ContextProvider
	switches     *guard.KillSwitches
	metrics      *metrics.Metrics
	logger       *log.Logger
	maxRecompute int
	stuckAfter   time.Duration
	now          func() time.Time
}

func NewOrchestrator(exec *Executor, rec *Recomputer, store incident.Store, switches *guard.KillSwitches, m *metrics.Metrics, maxRecompute int, stuckAfter time.Duration) *Orchestrator {
	if maxRecompute <= 0 {
		maxRecompute = 5
	}
	if stuckAfter <= 0 {
		stuckAfter = 10 * time.Minute
	}
	return &Orchestrator{
		exec:         exec,
		rec:          rec,
		store:        store,
		provider:     PayloadContextProvider,
		switches:     switches,
		metrics:      m,
		logger:       log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		maxRecompute: maxRecompute,
		stuckAfter:   stuckAfter,
		now:          time.Now,
	}
}

// WithProvider swaps the recompute context source.
func (o *Orchestrator) WithProvider(p ContextProvider) *Orchestrator {
	o.provider = p
	return o
}

// ProcessIncident runs one retry attempt for a claimed incident and, on
// lookup success, hands the verdict to recompute. The recompute-limit
// guard short-circuits reclassification loops before the recomputer is
// even consulted.
func (o *Orchestrator) ProcessIncident(ctx context.Context, inc *incident.Incident, summary *BatchSummary) error {
	lookupErr := o.exec.ExecuteOne(ctx, inc)
	success := lookupErr == nil
	if err := o.exec.ApplyResult(ctx, inc, success); err != nil {
		return err
	}

	if !success {
		summary.RetryFail++
		if inc.ResolutionReason == incident.ReasonRetryExhausted {
			summary.Exhausted++
		}
		return nil
	}
	summary.RetrySuccess++

	if o.switches != nil && o.switches.Tripped(guard.SwitchRecompute) {
		// Operator halted recompute; the stuck sweep picks the row up
		// once the switch clears.
		return nil
	}

	if inc.RecomputeCount >= o.maxRecompute {
		return o.applyRecomputeLimit(ctx, inc, summary)
	}

	rc, err := o.provider(inc)
	if err != nil {
		return err
	}
	res := o.rec.Recompute(rc, inc)
	if err := o.rec.Apply(ctx, inc, res); err != nil {
		return err
	}
	if res.IsResolved {
		summary.Resolved++
	}
	if res.Reclassified {
		summary.Reclassified++
	}
	return nil
}

func (o *Orchestrator) applyRecomputeLimit(ctx context.Context, inc *incident.Incident, summary *BatchSummary) error {
	now := o.now()
	inc.Status = incident.StatusOpen
	inc.ResolutionReason = incident.ReasonRecomputeLimitExceeded
	inc.UpdatedAt = now
	if o.metrics != nil {
		o.metrics.RecomputeResults.WithLabelValues("limited").Inc()
	}
	summary.RecomputeLimited++
	o.logger.Printf("incident %s hit recompute limit (%d)", inc.ID, o.maxRecompute)
	return o.store.Update(ctx, inc)
}

// RunBatch claims up to limit incidents and processes each. A failure
// inside one incident releases its lock and moves on; nothing escapes
// the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, limit int) (BatchSummary, error) {
	var summary BatchSummary

	if o.switches != nil && o.switches.Tripped(guard.SwitchRetryWorker) {
		return summary, nil
	}

	claimed, err := o.exec.Claim(ctx, limit)
	if err != nil {
		return summary, err
	}
	summary.Claimed = len(claimed)

	for _, inc := range claimed {
		if err := o.processSafely(ctx, inc, &summary); err != nil {
			summary.Errors++
			o.logger.Printf("ERROR incident=%s trace=%s: %v", inc.ID, inc.TraceID, err)
			if relErr := o.store.ReleaseLock(ctx, inc.ID); relErr != nil {
				o.logger.Printf("WARN lock release failed for %s: %v", inc.ID, relErr)
			}
		}
	}
	return summary, nil
}

func (o *Orchestrator) processSafely(ctx context.Context, inc *incident.Incident, summary *BatchSummary) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing incident %s: %v", inc.ID, r)
		}
	}()
	return o.ProcessIncident(ctx, inc, summary)
}

// SweepStuck finds incidents parked in PENDING_RECOMPUTE past the stuck
// threshold and re-invokes recompute directly, under the same limit
// guard.
func (o *Orchestrator) SweepStuck(ctx context.Context, limit int) (int, error) {
	cutoff := o.now().Add(-o.stuckAfter)
	stuck, err := o.store.FindStuckRecompute(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, inc := range stuck {
		var summary BatchSummary
		if inc.RecomputeCount >= o.maxRecompute {
			if err := o.applyRecomputeLimit(ctx, inc, &summary); err != nil {
				o.logger.Printf("ERROR stuck sweep incident=%s: %v", inc.ID, err)
				continue
			}
			processed++
			continue
		}
		rc, err := o.provider(inc)
		if err != nil {
			o.logger.Printf("ERROR stuck sweep incident=%s: %v", inc.ID, err)
			continue
		}
		if err := o.rec.Apply(ctx, inc, o.rec.Recompute(rc, inc)); err != nil {
			o.logger.Printf("ERROR stuck sweep incident=%s: %v", inc.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}
