package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/quality"
)

func TestMismatchHistogramBands(t *testing.T) {
	buckets := MismatchHistogram([]float64{
		0, 0.019, // 0-2%
		0.02, 0.049, // 2-5%
		0.05, // 5-10%
		0.10, 0.19, // 10-20%
		0.20, 3.5, // 20%+
	})
	require.Len(t, buckets, 5)
	assert.Equal(t, 2, buckets[0].Count)
	assert.Equal(t, 2, buckets[1].Count)
	assert.Equal(t, 1, buckets[2].Count)
	assert.Equal(t, 2, buckets[3].Count)
	assert.Equal(t, 2, buckets[4].Count)
}

func TestTopOffendersRankings(t *testing.T) {
	stats := []ProviderStat{
		{Provider: "tiny", InvoiceCount: 4, MismatchCount: 3},      // 75% but no volume
		{Provider: "alpha", InvoiceCount: 100, MismatchCount: 30},  // 30%
		{Provider: "beta", InvoiceCount: 200, MismatchCount: 30},   // 15%
		{Provider: "gamma", InvoiceCount: 1000, MismatchCount: 80}, // 8%
	}
	off := TopOffenders(stats, 20, 3)

	// Rate ranking is volume-guarded: tiny never appears.
	require.Len(t, off.ByRate, 3)
	assert.Equal(t, "alpha", off.ByRate[0].Provider)
	assert.Equal(t, "beta", off.ByRate[1].Provider)
	assert.Equal(t, "gamma", off.ByRate[2].Provider)

	// Count ranking is unguarded; ties break on name.
	require.Len(t, off.ByCount, 3)
	assert.Equal(t, "gamma", off.ByCount[0].Provider)
	assert.Equal(t, "alpha", off.ByCount[1].Provider)
	assert.Equal(t, "beta", off.ByCount[2].Provider)
}

func resolvedIncident(action incident.ActionType, reason incident.ResolutionReason, hours float64, hintAccurate *bool) *incident.Incident {
	first := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	resolved := first.Add(time.Duration(hours * float64(time.Hour)))
	inc := &incident.Incident{
		Status:           incident.StatusResolved,
		ResolutionReason: reason,
		Action:           incident.Action{Type: action},
		FirstSeenAt:      first,
		ResolvedAt:       &resolved,
	}
	if hintAccurate != nil {
		inc.Feedback = &incident.Feedback{HintAccurate: hintAccurate}
	}
	return inc
}

func boolPtr(v bool) *bool { return &v }

func TestFeedbackStats(t *testing.T) {
	incidents := []*incident.Incident{
		resolvedIncident(incident.ActionRetryLookup, incident.ReasonRecomputeResolved, 4, boolPtr(true)),
		resolvedIncident(incident.ActionRetryLookup, incident.ReasonRecomputeResolved, 8, boolPtr(false)),
		resolvedIncident(incident.ActionUserFix, incident.ReasonManualResolved, 2, boolPtr(true)),
		resolvedIncident(incident.ActionUserFix, incident.ReasonManualResolved, 6, nil),
		{Status: incident.StatusOpen}, // never counted
	}
	stats := ComputeFeedbackStats(incidents)

	assert.Equal(t, 4, stats.ResolvedTotal)
	assert.Equal(t, 3, stats.ResolvedWithFeedback)
	assert.InDelta(t, 0.75, stats.Coverage, 1e-9)
	assert.InDelta(t, 2.0/3.0, stats.HintAccuracy, 1e-9)
	assert.InDelta(t, 0.5, stats.PerActionAccuracy[string(incident.ActionRetryLookup)], 1e-9)
	assert.InDelta(t, 1.0, stats.PerActionAccuracy[string(incident.ActionUserFix)], 1e-9)
	assert.InDelta(t, 6.0, stats.MeanResolutionHours[string(incident.ActionRetryLookup)], 1e-9)
	assert.InDelta(t, 4.0, stats.MeanResolutionHours[string(incident.ActionUserFix)], 1e-9)
}

func TestFeedbackStatsEmptyInput(t *testing.T) {
	stats := ComputeFeedbackStats(nil)
	assert.Zero(t, stats.Coverage)
	assert.Zero(t, stats.HintAccuracy)
	assert.Empty(t, stats.PerActionAccuracy)
}

func TestRetryFunnelFalseSuccess(t *testing.T) {
	exhausted := time.Now()
	incidents := []*incident.Incident{
		// Lookup succeeded and recompute resolved.
		{Status: incident.StatusResolved, ResolutionReason: incident.ReasonRecomputeResolved, RetryAttemptCount: 1},
		// Lookup succeeded but recompute keeps bouncing it.
		{Status: incident.StatusPendingRetry, RetrySuccess: true, RetryAttemptCount: 3},
		// Exhausted without a single success.
		{Status: incident.StatusOpen, RetryAttemptCount: 4, RetryExhaustedAt: &exhausted},
	}
	f := ComputeRetryFunnel(incidents)

	assert.Equal(t, 8, f.AttemptsTotal)
	assert.Equal(t, 2, f.AttemptsSuccess)
	assert.Equal(t, 1, f.ResolvedAfterRetry)
	assert.Equal(t, 1, f.StillPending)
	assert.Equal(t, 1, f.Exhausted)
	assert.InDelta(t, 0.5, f.FalseSuccessRate, 1e-9)
}

// An unchanged recompute verdict sends the incident back to
// PENDING_RETRY and clears retry_success, but the recompute counter only
// moves after a successful lookup. Those incidents still belong in the
// success column.
func TestRetryFunnelKeepsBouncedSuccesses(t *testing.T) {
	incidents := []*incident.Incident{
		// Succeeded once, recompute said unchanged, flag cleared.
		{Status: incident.StatusPendingRetry, RetrySuccess: false, RecomputeCount: 2, RetryAttemptCount: 2},
		// Never succeeded.
		{Status: incident.StatusPendingRetry, RetryAttemptCount: 1},
	}
	f := ComputeRetryFunnel(incidents)

	assert.Equal(t, 3, f.AttemptsTotal)
	assert.Equal(t, 1, f.AttemptsSuccess)
	assert.Equal(t, 0, f.ResolvedAfterRetry)
	assert.Equal(t, 1, f.StillPending)
	assert.InDelta(t, 1.0, f.FalseSuccessRate, 1e-9)
}

func TestMTTRGatedOnGenuineResolutions(t *testing.T) {
	incidents := []*incident.Incident{
		resolvedIncident(incident.ActionRetryLookup, incident.ReasonRecomputeResolved, 2, nil),
		resolvedIncident(incident.ActionUserFix, incident.ReasonManualResolved, 6, nil),
		// Bookkeeping reasons never count, even with a resolved timestamp.
		resolvedIncident(incident.ActionRetryLookup, incident.ReasonRetryExhausted, 100, nil),
		{Status: incident.StatusOpen},
	}
	assert.Equal(t, 4*time.Hour, MTTR(incidents))
	assert.Zero(t, MTTR(nil))
}

func TestPercentileNearestRank(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.Equal(t, 50.0, Percentile(samples, 50))
	assert.Equal(t, 100.0, Percentile(samples, 95))
	assert.Equal(t, 100.0, Percentile(samples, 99))
	assert.Equal(t, 10.0, Percentile(samples, 0))
	assert.Zero(t, Percentile(nil, 95))

	// The input slice must survive untouched.
	unsorted := []float64{3, 1, 2}
	assert.Equal(t, 2.0, Percentile(unsorted, 50))
	assert.Equal(t, []float64{3, 1, 2}, unsorted)
}

func TestBuildRunSummary(t *testing.T) {
	incidents := []*incident.Incident{
		{Severity: quality.S1, PrimaryFlag: quality.FlagMarketPriceMissing},
		{Severity: quality.S2, PrimaryFlag: quality.FlagInvoiceTotalMismatch},
	}
	summary := BuildRunSummary("2026-03", "2026-04", 200, incidents,
		[]float64{100, 200, 300}, 12, 2, nil,
		[]string{quality.ActionVerifyOCR, quality.ActionVerifyInvoiceLogic, quality.ActionVerifyInvoiceLogic})

	assert.InDelta(t, 0.005, summary.S1Rate, 1e-9)
	assert.InDelta(t, 0.005, summary.MismatchRate, 1e-9)
	assert.Equal(t, 200.0, summary.LatencyP50)
	assert.Equal(t, int64(12), summary.QueueDepth)
	assert.True(t, summary.Stuck)
	assert.NotNil(t, summary.DriftAlerts)
	assert.Empty(t, summary.DriftAlerts)
	assert.Equal(t, 2, summary.ActionClasses[quality.ActionVerifyInvoiceLogic])
	assert.Equal(t, 0, summary.ActionClasses[quality.ActionAcceptRoundingTolerance])
}
