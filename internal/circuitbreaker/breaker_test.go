package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, openFor time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New("tariff_api", threshold, openFor)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.AllowRequest())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	// Non-consecutive failures never open.
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// Still inside the open window.
	assert.False(t, b.AllowRequest())

	*now = now.Add(31 * time.Second)
	assert.True(t, b.AllowRequest(), "first caller becomes the probe")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.AllowRequest(), "second caller denied while probe in flight")
}

func TestProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)
	b.RecordFailure()
	*now = now.Add(31 * time.Second)
	require.True(t, b.AllowRequest())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.AllowRequest())
}

func TestProbeFailureReopensWithFreshWindow(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)
	b.RecordFailure()
	*now = now.Add(31 * time.Second)
	require.True(t, b.AllowRequest())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// The open window restarts at the probe failure, not the original trip.
	*now = now.Add(29 * time.Second)
	assert.False(t, b.AllowRequest())
	*now = now.Add(2 * time.Second)
	assert.True(t, b.AllowRequest())
}

func TestSnapshotReportsOpenedAt(t *testing.T) {
	b, _ := newTestBreaker(1, 30*time.Second)
	snap := b.Snapshot()
	assert.Equal(t, "CLOSED", snap.State)
	assert.Empty(t, snap.OpenedAt)

	b.RecordFailure()
	snap = b.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
	assert.NotEmpty(t, snap.OpenedAt)
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	r := NewRegistry(5, 30*time.Second)
	a := r.Get("postgres")
	b := r.Get("postgres")
	assert.Same(t, a, b)
	assert.NotSame(t, a, r.Get("redis"))
	assert.Len(t, r.Snapshots(), 2)
}
