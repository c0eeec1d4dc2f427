package retrywork

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faturaops/backend/internal/config"
	"github.com/faturaops/backend/internal/database"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/quality"
)

func newTestRecomputer(store incident.Store) *Recomputer {
	r := NewRecomputer(quality.NewScorer(config.Default()), store, nil)
	r.now = func() time.Time { return workNow }
	return r
}

func cleanContext() RecomputeContext {
	// A freshly repriced invoice with no defect signals left.
	return RecomputeContext{Input: quality.ScoreInput{
		Extraction:  quality.Extraction{ConsumptionKWh: 10000, InvoiceTotal: 48420},
		Calculation: quality.Calculation{ComputedTotal: 48420, MetaPricingSource: quality.SourceDB, MetaDistributionSource: quality.SourceDB, DistributionTotal: 5000},
	}}
}

func stillMissingContext() RecomputeContext {
	return RecomputeContext{Input: quality.ScoreInput{
		Calculation: quality.Calculation{MetaPricingSource: quality.SourceNotFound},
	}}
}

func reclassifiedContext() RecomputeContext {
	return RecomputeContext{Input: quality.ScoreInput{
		Validation: quality.Validation{DistributionTariffLookupFailed: true},
	}}
}

func TestCleanRecomputeResolves(t *testing.T) {
	store := database.NewMemoryIncidentStore()
	inc := seedRetryable(t, store, "a")
	rec := newTestRecomputer(store)

	res := rec.Recompute(cleanContext(), inc)
	assert.True(t, res.IsResolved)
	require.NoError(t, rec.Apply(context.Background(), inc, res))

	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusResolved, got.Status)
	assert.Equal(t, incident.ReasonRecomputeResolved, got.ResolutionReason)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, workNow, *got.ResolvedAt)
	assert.Equal(t, 1, got.RecomputeCount)
}

func TestResolveIsIdempotentOnResolvedAt(t *testing.T) {
	store := database.NewMemoryIncidentStore()
	inc := seedRetryable(t, store, "a")
	rec := newTestRecomputer(store)
	ctx := context.Background()

	first := workNow.Add(-time.Hour)
	inc.ResolvedAt = &first
	require.NoError(t, rec.Apply(ctx, inc, RecomputeResult{IsResolved: true}))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first, *got.ResolvedAt, "first resolution timestamp survives re-application")
}

func TestUnchangedPrimaryGoesBackToRetry(t *testing.T) {
	store := database.NewMemoryIncidentStore()
	inc := seedRetryable(t, store, "a")
	inc.RetryAttemptCount = 2
	rec := newTestRecomputer(store)

	res := rec.Recompute(stillMissingContext(), inc)
	assert.False(t, res.IsResolved)
	assert.False(t, res.Reclassified)
	require.NoError(t, rec.Apply(context.Background(), inc, res))

	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusPendingRetry, got.Status)
	require.NotNil(t, got.RetryEligibleAt)
	assert.Equal(t, workNow.Add(BackoffSchedule[2]), *got.RetryEligibleAt)
	assert.False(t, got.RetrySuccess)
}

func TestUnchangedClampsScheduleIndex(t *testing.T) {
	store := database.NewMemoryIncidentStore()
	inc := seedRetryable(t, store, "a")
	inc.RetryAttemptCount = 9
	rec := newTestRecomputer(store)

	require.NoError(t, rec.Apply(context.Background(), inc, RecomputeResult{}))

	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, got.RetryEligibleAt)
	assert.Equal(t, workNow.Add(BackoffSchedule[len(BackoffSchedule)-1]), *got.RetryEligibleAt)
}

func TestReclassificationPreservesIdentity(t *testing.T) {
	store := database.NewMemoryIncidentStore()
	inc := seedRetryable(t, store, "a")
	inc.Status = incident.StatusPendingRecompute
	inc.ExternalIssueID = "JIRA-123"
	inc.OccurrenceCount = 7
	require.NoError(t, store.Update(context.Background(), inc))
	rec := newTestRecomputer(store)

	res := rec.Recompute(reclassifiedContext(), inc)
	assert.True(t, res.Reclassified)
	assert.Equal(t, quality.FlagTariffLookupFailed, res.Primary)
	require.NoError(t, rec.Apply(context.Background(), inc, res))

	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, quality.FlagTariffLookupFailed, got.PrimaryFlag)
	assert.Equal(t, quality.FlagMarketPriceMissing, got.PreviousPrimaryFlag)
	assert.Equal(t, "distribution", got.Category)
	require.NotNil(t, got.ReclassifiedAt)

	// Reclassification is not a resolution; identity survives.
	assert.Equal(t, incident.StatusPendingRecompute, got.Status)
	assert.Equal(t, "JIRA-123", got.ExternalIssueID)
	assert.Equal(t, 7, got.OccurrenceCount)
	assert.Nil(t, got.ResolvedAt)
}
