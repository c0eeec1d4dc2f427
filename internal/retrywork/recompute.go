package retrywork

import (
	"context"
	"log"
	"time"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/metrics"
	"github.com/faturaops/backend/internal/quality"
)

// RecomputeContext is the freshly gathered input for a re-derivation:
// extraction, validation, and calculation re-run after a successful
// retry lookup.
type RecomputeContext struct {
	Input quality.ScoreInput `json:"input"`
}

// RecomputeResult is the recompute verdict for one incident.
type RecomputeResult struct {
	IsResolved   bool
	Reclassified bool
	Primary      quality.Flag
	Secondary    []quality.Flag
	All          []quality.Flag
	Severity     quality.Severity
	Category     string
}

// Recomputer is the sole authority over RESOLVED.
type Recomputer struct {
	scorer  *quality.Scorer
	store   incident.Store
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
}

func NewRecomputer(scorer *quality.Scorer, store incident.Store, m *metrics.Metrics) *Recomputer {
	return &Recomputer{
		scorer:  scorer,
		store:   store,
		metrics: m,
		logger:  log.New(log.Writer(), "[RECOMPUTE] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Recompute re-derives the flag set and compares it against the
// incident's current primary.
func (r *Recomputer) Recompute(rc RecomputeContext, inc *incident.Incident) RecomputeResult {
	score := r.scorer.Score(rc.Input)

	var material []quality.Flag
	for _, f := range score.Flags {
		sev := quality.SeverityOf(f)
		if d, ok := score.FlagDetails[f]; ok && d.Severity != "" {
			sev = d.Severity
		}
		if sev == quality.S1 || sev == quality.S2 {
			material = append(material, f)
		}
	}

	if len(material) == 0 {
		return RecomputeResult{IsResolved: true}
	}

	normalized := quality.NormalizeFlags(material)
	primary := normalized[0]
	res := RecomputeResult{
		Primary:   primary,
		Secondary: normalized[1:],
		All:       quality.NormalizeFlags(score.Flags),
		Category:  incident.FlagToCategory(primary),
		Severity:  quality.SeverityOf(primary),
	}
	if d, ok := score.FlagDetails[primary]; ok && d.Severity != "" {
		res.Severity = d.Severity
	}
	res.Reclassified = primary != inc.PrimaryFlag
	return res
}

// Apply writes the verdict:
//
//   - resolved: status RESOLVED with RECOMPUTE_RESOLVED. Idempotent:
//     re-applying a clean recompute leaves RESOLVED in place.
//   - unchanged primary: back to PENDING_RETRY for the next attempt;
//     only the recompute counter moves.
//   - changed primary: reclassification. The previous primary is
//     retained, external issue ids and counters survive, and status is
//     untouched; reclassification is not a resolution.
func (r *Recomputer) Apply(ctx context.Context, inc *incident.Incident, res RecomputeResult) error {
	now := r.now()
	inc.RecomputeCount++
	inc.UpdatedAt = now

	switch {
	case res.IsResolved:
		inc.Status = incident.StatusResolved
		inc.ResolutionReason = incident.ReasonRecomputeResolved
		if inc.ResolvedAt == nil {
			inc.ResolvedAt = &now
		}
		r.count("resolved")

	case !res.Reclassified:
		inc.Status = incident.StatusPendingRetry
		idx := inc.RetryAttemptCount
		if idx >= len(BackoffSchedule) {
			idx = len(BackoffSchedule) - 1
		}
		if idx < 0 {
			idx = 0
		}
		eligible := now.Add(BackoffSchedule[idx])
		inc.RetryEligibleAt = &eligible
		inc.RetrySuccess = false
		r.count("unchanged")

	default:
		inc.PreviousPrimaryFlag = inc.PrimaryFlag
		inc.PrimaryFlag = res.Primary
		inc.SecondaryFlags = res.Secondary
		inc.AllFlags = res.All
		inc.Category = res.Category
		inc.Severity = res.Severity
		inc.ReclassifiedAt = &now
		r.count("reclassified")
		r.logger.Printf("incident %s reclassified %s -> %s",
			inc.ID, inc.PreviousPrimaryFlag, inc.PrimaryFlag)
	}

	return r.store.Update(ctx, inc)
}

func (r *Recomputer) count(outcome string) {
	if r.metrics != nil {
		r.metrics.RecomputeResults.WithLabelValues(outcome).Inc()
	}
}
