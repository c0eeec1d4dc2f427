package health

import (
	"math"
	"sort"
	"time"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/quality"
)

// HistogramBucket is one closed-open interval of mismatch ratios.
type HistogramBucket struct {
	Label string  `json:"label"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"` // +Inf for the overflow bucket
	Count int     `json:"count"`
}

// MismatchHistogram buckets ratios into the fixed operator bands:
// [0-2%), [2-5%), [5-10%), [10-20%), [20%+.
func MismatchHistogram(ratios []float64) []HistogramBucket {
	buckets := []HistogramBucket{
		{Label: "0-2%", Lower: 0, Upper: 0.02},
		{Label: "2-5%", Lower: 0.02, Upper: 0.05},
		{Label: "5-10%", Lower: 0.05, Upper: 0.10},
		{Label: "10-20%", Lower: 0.10, Upper: 0.20},
		{Label: "20%+", Lower: 0.20, Upper: math.Inf(1)},
	}
	for _, r := range ratios {
		for i := range buckets {
			if r >= buckets[i].Lower && r < buckets[i].Upper {
				buckets[i].Count++
				break
			}
		}
	}
	return buckets
}

// ProviderStat aggregates one supplier's mismatch behavior.
type ProviderStat struct {
	Provider      string `json:"provider"`
	InvoiceCount  int    `json:"invoice_count"`
	MismatchCount int    `json:"mismatch_count"`
}

func (p ProviderStat) Rate() float64 {
	if p.InvoiceCount == 0 {
		return 0
	}
	return float64(p.MismatchCount) / float64(p.InvoiceCount)
}

// Offenders holds the two deterministic rankings.
type Offenders struct {
	ByRate  []ProviderStat `json:"by_rate"`  // minimum-volume guarded
	ByCount []ProviderStat `json:"by_count"` // unguarded
}

// TopOffenders ranks providers. The rate ranking drops providers below
// minVolume so tiny providers cannot dominate on noise; the count
// ranking takes everyone. Ties break on provider name so the order is
// stable run to run.
func TopOffenders(stats []ProviderStat, minVolume, limit int) Offenders {
	byRate := make([]ProviderStat, 0, len(stats))
	for _, s := range stats {
		if s.InvoiceCount >= minVolume {
			byRate = append(byRate, s)
		}
	}
	sort.Slice(byRate, func(i, j int) bool {
		if byRate[i].Rate() != byRate[j].Rate() {
			return byRate[i].Rate() > byRate[j].Rate()
		}
		return byRate[i].Provider < byRate[j].Provider
	})

	byCount := append([]ProviderStat{}, stats...)
	sort.Slice(byCount, func(i, j int) bool {
		if byCount[i].MismatchCount != byCount[j].MismatchCount {
			return byCount[i].MismatchCount > byCount[j].MismatchCount
		}
		return byCount[i].Provider < byCount[j].Provider
	})

	if limit > 0 {
		if len(byRate) > limit {
			byRate = byRate[:limit]
		}
		if len(byCount) > limit {
			byCount = byCount[:limit]
		}
	}
	return Offenders{ByRate: byRate, ByCount: byCount}
}

// ActionClassDistribution counts mismatch action classes.
func ActionClassDistribution(classes []string) map[string]int {
	dist := map[string]int{
		quality.ActionVerifyOCR:               0,
		quality.ActionVerifyInvoiceLogic:      0,
		quality.ActionAcceptRoundingTolerance: 0,
	}
	for _, c := range classes {
		dist[c]++
	}
	return dist
}

// FeedbackStats is the hint-calibration report.
type FeedbackStats struct {
	ResolvedTotal        int                `json:"resolved_total"`
	ResolvedWithFeedback int                `json:"resolved_with_feedback"`
	Coverage             float64            `json:"coverage"`
	HintAccuracy         float64            `json:"hint_accuracy"`
	PerActionAccuracy    map[string]float64 `json:"per_action_accuracy"`
	MeanResolutionHours  map[string]float64 `json:"mean_resolution_hours"`
}

// ComputeFeedbackStats folds resolved incidents into calibration rates.
// All rates are null-safe: empty denominators yield zero.
func ComputeFeedbackStats(incidents []*incident.Incident) FeedbackStats {
	stats := FeedbackStats{
		PerActionAccuracy:   map[string]float64{},
		MeanResolutionHours: map[string]float64{},
	}
	accurate := 0
	perActionTotal := map[string]int{}
	perActionAccurate := map[string]int{}
	perActionHours := map[string]float64{}
	perActionResolved := map[string]int{}

	for _, inc := range incidents {
		if inc.Status != incident.StatusResolved {
			continue
		}
		stats.ResolvedTotal++
		class := string(inc.Action.Type)

		if inc.ResolvedAt != nil {
			perActionHours[class] += inc.ResolvedAt.Sub(inc.FirstSeenAt).Hours()
			perActionResolved[class]++
		}
		if inc.Feedback == nil || inc.Feedback.HintAccurate == nil {
			continue
		}
		stats.ResolvedWithFeedback++
		perActionTotal[class]++
		if *inc.Feedback.HintAccurate {
			accurate++
			perActionAccurate[class]++
		}
	}

	if stats.ResolvedTotal > 0 {
		stats.Coverage = float64(stats.ResolvedWithFeedback) / float64(stats.ResolvedTotal)
	}
	if stats.ResolvedWithFeedback > 0 {
		stats.HintAccuracy = float64(accurate) / float64(stats.ResolvedWithFeedback)
	}
	for class, total := range perActionTotal {
		stats.PerActionAccuracy[class] = float64(perActionAccurate[class]) / float64(total)
	}
	for class, hours := range perActionHours {
		stats.MeanResolutionHours[class] = hours / float64(perActionResolved[class])
	}
	return stats
}

// RetryFunnel is the lookup-success vs resolution funnel.
type RetryFunnel struct {
	AttemptsTotal      int     `json:"attempts_total"`
	AttemptsSuccess    int     `json:"attempts_success"`
	ResolvedAfterRetry int     `json:"resolved_after_retry"`
	StillPending       int     `json:"still_pending"`
	Exhausted          int     `json:"exhausted"`
	FalseSuccessRate   float64 `json:"false_success_rate"`
}

// ComputeRetryFunnel derives the funnel from incident rows. The
// false-success rate is the share of lookup successes that did not end
// RESOLVED.
func ComputeRetryFunnel(incidents []*incident.Incident) RetryFunnel {
	var f RetryFunnel
	for _, inc := range incidents {
		f.AttemptsTotal += inc.RetryAttemptCount
		// A recompute only ever runs after a successful lookup, so a
		// non-zero recompute count marks a past success even after an
		// unchanged verdict has cleared the retry_success flag.
		if inc.RetrySuccess || inc.RecomputeCount > 0 ||
			(inc.Status == incident.StatusResolved && inc.ResolutionReason == incident.ReasonRecomputeResolved) {
			f.AttemptsSuccess++
			if inc.Status == incident.StatusResolved {
				f.ResolvedAfterRetry++
			} else {
				f.StillPending++
			}
		}
		if inc.RetryExhaustedAt != nil {
			f.Exhausted++
		}
	}
	if f.AttemptsSuccess > 0 {
		f.FalseSuccessRate = float64(f.StillPending) / float64(f.AttemptsSuccess)
	}
	return f
}

// MTTR returns the mean time to resolution across incidents whose
// resolution reason is in the genuine resolved set. Incidents resolved
// for bookkeeping reasons (limits, exhaustion) are excluded.
func MTTR(incidents []*incident.Incident) time.Duration {
	var sum time.Duration
	n := 0
	for _, inc := range incidents {
		if inc.ResolvedAt == nil || !incident.ResolvedSet[inc.ResolutionReason] {
			continue
		}
		sum += inc.ResolvedAt.Sub(inc.FirstSeenAt)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// Percentile computes the pth percentile (0-100) over samples using
// nearest-rank. Empty input yields zero.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64{}, samples...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// RunSummary is the compact dashboard snapshot.
type RunSummary struct {
	PeriodFrom     string         `json:"period_from"`
	PeriodTo       string         `json:"period_to"`
	InvoiceCount   int            `json:"invoice_count"`
	IncidentCount  int            `json:"incident_count"`
	S1Rate         float64        `json:"s1_rate"`
	MismatchRate   float64        `json:"mismatch_rate"`
	LatencyP50     float64        `json:"latency_p50_ms"`
	LatencyP95     float64        `json:"latency_p95_ms"`
	LatencyP99     float64        `json:"latency_p99_ms"`
	QueueDepth     int64          `json:"queue_depth"`
	StuckIncidents int            `json:"stuck_incidents"`
	Stuck          bool           `json:"stuck"`
	DriftAlerts    []DriftAlert   `json:"drift_alerts"`
	ActionClasses  map[string]int `json:"action_classes"`
	MTTRHours      float64        `json:"mttr_hours"`
}

// BuildRunSummary assembles the snapshot. Latency samples are optional;
// percentiles fall to zero without them.
func BuildRunSummary(periodFrom, periodTo string, invoiceCount int, incidents []*incident.Incident, latencySamplesMS []float64, queueDepth int64, stuckCount int, alerts []DriftAlert, actionClasses []string) RunSummary {
	s1 := 0
	mismatches := 0
	for _, inc := range incidents {
		if inc.Severity == quality.S1 {
			s1++
		}
		if inc.PrimaryFlag == quality.FlagInvoiceTotalMismatch {
			mismatches++
		}
	}
	summary := RunSummary{
		PeriodFrom:     periodFrom,
		PeriodTo:       periodTo,
		InvoiceCount:   invoiceCount,
		IncidentCount:  len(incidents),
		LatencyP50:     Percentile(latencySamplesMS, 50),
		LatencyP95:     Percentile(latencySamplesMS, 95),
		LatencyP99:     Percentile(latencySamplesMS, 99),
		QueueDepth:     queueDepth,
		StuckIncidents: stuckCount,
		Stuck:          stuckCount > 0,
		DriftAlerts:    alerts,
		ActionClasses:  ActionClassDistribution(actionClasses),
		MTTRHours:      MTTR(incidents).Hours(),
	}
	if invoiceCount > 0 {
		summary.S1Rate = float64(s1) / float64(invoiceCount)
		summary.MismatchRate = float64(mismatches) / float64(invoiceCount)
	}
	if summary.DriftAlerts == nil {
		summary.DriftAlerts = []DriftAlert{}
	}
	return summary
}
