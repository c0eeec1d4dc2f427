package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faturaops/backend/internal/quality"
)

var incNow = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

type fakeIncidentStore struct {
	incidents map[string]*Incident
	inserted  []*Incident
}

func newFakeIncidentStore() *fakeIncidentStore {
	return &fakeIncidentStore{incidents: map[string]*Incident{}}
}

func (f *fakeIncidentStore) Insert(_ context.Context, inc *Incident) error {
	cp := *inc
	f.incidents[inc.ID] = &cp
	f.inserted = append(f.inserted, &cp)
	return nil
}

func (f *fakeIncidentStore) Get(_ context.Context, id string) (*Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (f *fakeIncidentStore) Update(_ context.Context, inc *Incident) error {
	cp := *inc
	f.incidents[inc.ID] = &cp
	return nil
}

func (f *fakeIncidentStore) List(_ context.Context, _ ListFilter) ([]*Incident, error) {
	return nil, nil
}

func (f *fakeIncidentStore) FindOpenByDedupeKey(_ context.Context, key string, since time.Time) (*Incident, error) {
	for _, inc := range f.incidents {
		if inc.DedupeKey == key && inc.Status != StatusResolved && !inc.CreatedAt.Before(since) {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeIncidentStore) IncrementOccurrence(_ context.Context, id string, at time.Time) error {
	inc, ok := f.incidents[id]
	if !ok {
		return ErrNotFound
	}
	inc.OccurrenceCount++
	inc.LastSeenAt = at
	return nil
}

func (f *fakeIncidentStore) ClaimRetryable(_ context.Context, _ time.Time, _ int, _ string, _ time.Time) ([]*Incident, error) {
	return nil, nil
}

func (f *fakeIncidentStore) ReleaseLock(_ context.Context, _ string) error { return nil }

func (f *fakeIncidentStore) FindStuckRecompute(_ context.Context, _ time.Time, _ int) ([]*Incident, error) {
	return nil, nil
}

func (f *fakeIncidentStore) CountRetryQueue(_ context.Context, _ time.Time, _ time.Time) (int, int, error) {
	return 0, 0, nil
}

func newIncidentService(store Store) *Service {
	s := NewService(store, nil)
	s.now = func() time.Time { return incNow }
	n := 0
	s.newID = func() string { n++; return "inc-" + string(rune('0'+n)) }
	return s
}

func testRef() InvoiceRef {
	return InvoiceRef{
		TenantID:       "tenant-1",
		TraceID:        "trace-1",
		Supplier:       "enerjisa",
		InvoiceNo:      "F-2026-0042",
		Period:         "2026-03",
		ConsumptionKWh: 10000,
		TotalAmount:    48420,
	}
}

func scoreWith(flags ...quality.Flag) quality.QualityScore {
	return quality.QualityScore{
		Flags:       quality.NormalizeFlags(flags),
		FlagDetails: map[quality.Flag]quality.FlagDetail{},
	}
}

func TestS3OnlyScorecardDoesNothing(t *testing.T) {
	store := newFakeIncidentStore()
	svc := newIncidentService(store)

	res, err := svc.Process(context.Background(), testRef(),
		scoreWith(quality.FlagJSONRepairApplied, quality.FlagLowConfidence), nil)
	require.NoError(t, err)
	assert.Empty(t, res.IncidentID)
	assert.False(t, res.Created)
	assert.Empty(t, store.incidents)
}

func TestRetryLookupFlagEntersRetryPipeline(t *testing.T) {
	store := newFakeIncidentStore()
	svc := newIncidentService(store)

	res, err := svc.Process(context.Background(), testRef(),
		scoreWith(quality.FlagMarketPriceMissing, quality.FlagLowConfidence), nil)
	require.NoError(t, err)
	assert.True(t, res.Created)

	inc := store.inserted[0]
	assert.Equal(t, StatusPendingRetry, inc.Status)
	assert.Equal(t, quality.FlagMarketPriceMissing, inc.PrimaryFlag)
	assert.Equal(t, ActionRetryLookup, inc.Action.Type)
	require.NotNil(t, inc.RetryEligibleAt)
	assert.Equal(t, incNow, *inc.RetryEligibleAt, "retryable incidents are eligible immediately")
	assert.Equal(t, "market_price", inc.Category)
	assert.Equal(t, quality.S1, inc.Severity)
	// The S3 flag stays in AllFlags but never in the material set.
	assert.Contains(t, inc.AllFlags, quality.FlagLowConfidence)
	assert.NotContains(t, inc.SecondaryFlags, quality.FlagLowConfidence)
}

func TestFallbackOKAutoResolves(t *testing.T) {
	store := newFakeIncidentStore()
	svc := newIncidentService(store)

	res, err := svc.Process(context.Background(), testRef(),
		scoreWith(quality.FlagDistributionMismatch), nil)
	require.NoError(t, err)
	assert.True(t, res.Created)

	inc := store.inserted[0]
	assert.Equal(t, StatusResolved, inc.Status)
	assert.Equal(t, ReasonAutoResolved, inc.ResolutionReason)
	require.NotNil(t, inc.ResolvedAt)
	assert.Equal(t, incNow, *inc.ResolvedAt)
}

func TestDedupeBumpsOccurrence(t *testing.T) {
	store := newFakeIncidentStore()
	svc := newIncidentService(store)
	ctx := context.Background()

	first, err := svc.Process(ctx, testRef(), scoreWith(quality.FlagMarketPriceMissing), nil)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := svc.Process(ctx, testRef(), scoreWith(quality.FlagMarketPriceMissing), nil)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.IncidentID, second.IncidentID)

	inc := store.incidents[first.IncidentID]
	assert.Equal(t, 2, inc.OccurrenceCount)
	assert.Len(t, store.inserted, 1)
}

func TestResolvedIncidentNeverAbsorbsNewDefects(t *testing.T) {
	store := newFakeIncidentStore()
	svc := newIncidentService(store)
	ctx := context.Background()

	first, err := svc.Process(ctx, testRef(), scoreWith(quality.FlagMarketPriceMissing), nil)
	require.NoError(t, err)
	resolved := incNow
	stored := store.incidents[first.IncidentID]
	stored.Status = StatusResolved
	stored.ResolvedAt = &resolved

	second, err := svc.Process(ctx, testRef(), scoreWith(quality.FlagMarketPriceMissing), nil)
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.IncidentID, second.IncidentID)
}

func TestMismatchIncidentCarriesChecklist(t *testing.T) {
	store := newFakeIncidentStore()
	svc := newIncidentService(store)

	score := scoreWith(quality.FlagInvoiceTotalMismatch)
	score.FlagDetails[quality.FlagInvoiceTotalMismatch] = quality.FlagDetail{
		Severity: quality.S1, Delta: 1200, Ratio: 0.024,
	}
	_, err := svc.Process(context.Background(), testRef(), score, nil)
	require.NoError(t, err)

	inc := store.inserted[0]
	assert.Equal(t, MismatchChecklist, inc.ActionHint)
	assert.Equal(t, quality.S1, inc.Severity, "detail severity overrides the catalog default")
	assert.Equal(t, "total_mismatch", inc.Category)
}

func TestActionMapCoversEveryCatalogFlag(t *testing.T) {
	for f := range quality.Catalog {
		action, ok := ActionMap[f]
		require.True(t, ok, string(f))
		assert.NotEmpty(t, action.Type, string(f))
		assert.NotEmpty(t, action.Owner, string(f))
		assert.NotEmpty(t, action.Hint, string(f))
		assert.NotEqual(t, "other", FlagToCategory(f), string(f))
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	a := Fingerprint("enerjisa", "F-1", "2026-03", 10000, 48420)
	b := Fingerprint("enerjisa", "F-1", "2026-03", 10000, 48420)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, Fingerprint("enerjisa", "F-1", "2026-03", 10000, 48420.01))
	assert.NotEqual(t, a, Fingerprint("enerjisa", "F-2", "2026-03", 10000, 48420))
}

func TestDedupeKeyBucketsByDay(t *testing.T) {
	fp := Fingerprint("enerjisa", "F-1", "2026-03", 10000, 48420)
	morning := time.Date(2026, 4, 10, 1, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 4, 10, 23, 0, 0, 0, time.UTC)
	nextDay := time.Date(2026, 4, 11, 1, 0, 0, 0, time.UTC)

	assert.Equal(t,
		DedupeKey("t1", "market_price", "2026-03", fp, morning),
		DedupeKey("t1", "market_price", "2026-03", fp, evening))
	assert.NotEqual(t,
		DedupeKey("t1", "market_price", "2026-03", fp, morning),
		DedupeKey("t1", "market_price", "2026-03", fp, nextDay))
	assert.NotEqual(t,
		DedupeKey("t1", "market_price", "2026-03", fp, morning),
		DedupeKey("t2", "market_price", "2026-03", fp, morning))
}
