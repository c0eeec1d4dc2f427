package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/marketprice"
)

// MemoryMarketPriceStore is the in-memory marketprice.Store used by
// tests and local development.
type MemoryMarketPriceStore struct {
	mu      sync.RWMutex
	records map[string]*marketprice.Record
	history []marketprice.HistoryEntry
	nextID  int64
}

func NewMemoryMarketPriceStore() *MemoryMarketPriceStore {
	return &MemoryMarketPriceStore{records: make(map[string]*marketprice.Record), nextID: 1}
}

func priceKey(priceType, period string) string { return priceType + "/" + period }

func (s *MemoryMarketPriceStore) Get(_ context.Context, priceType, period string) (*marketprice.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[priceKey(priceType, period)]
	if !ok {
		return nil, marketprice.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryMarketPriceStore) Insert(_ context.Context, rec *marketprice.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[priceKey(rec.PriceType, rec.Period)] = &cp
	return nil
}

func (s *MemoryMarketPriceStore) Update(_ context.Context, rec *marketprice.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := priceKey(rec.PriceType, rec.Period)
	existing, ok := s.records[key]
	if !ok {
		return marketprice.ErrNotFound
	}
	cp := *rec
	cp.IsLocked = existing.IsLocked
	cp.CapturedAt = existing.CapturedAt
	s.records[key] = &cp
	return nil
}

func (s *MemoryMarketPriceStore) SetLocked(_ context.Context, priceType, period string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[priceKey(priceType, period)]
	if !ok {
		return marketprice.ErrNotFound
	}
	rec.IsLocked = locked
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryMarketPriceStore) List(_ context.Context, f marketprice.ListFilter) ([]marketprice.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []marketprice.Record
	for _, rec := range s.records {
		if f.PriceType != "" && rec.PriceType != f.PriceType {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.FromPeriod != "" && rec.Period < f.FromPeriod {
			continue
		}
		if f.ToPeriod != "" && rec.Period > f.ToPeriod {
			continue
		}
		matched = append(matched, *rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less bool
		switch f.SortBy {
		case "value":
			less = a.Value < b.Value
		case "status":
			less = a.Status < b.Status
		case "updated_at":
			less = a.UpdatedAt.Before(b.UpdatedAt)
		default:
			less = a.Period < b.Period
		}
		if f.SortOrder == "desc" {
			return !less
		}
		return less
	})

	total := len(matched)
	start := (f.Page - 1) * f.PageSize
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryMarketPriceStore) AppendHistory(_ context.Context, e *marketprice.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.ID = s.nextID
	s.nextID++
	s.history = append(s.history, cp)
	return nil
}

func (s *MemoryMarketPriceStore) History(_ context.Context, priceType, period string) ([]marketprice.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []marketprice.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if e.PriceType == priceType && e.Period == period {
			out = append(out, e)
		}
	}
	return out, nil
}

// MemoryIncidentStore is the in-memory incident.Store. The claim path
// mirrors the SKIP LOCKED contract under a single mutex: eligibility is
// checked and the lock stamped atomically, so two claimants never share
// a row.
type MemoryIncidentStore struct {
	mu        sync.Mutex
	incidents map[string]*incident.Incident
}

func NewMemoryIncidentStore() *MemoryIncidentStore {
	return &MemoryIncidentStore{incidents: make(map[string]*incident.Incident)}
}

func (s *MemoryIncidentStore) Insert(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneIncident(inc)
	s.incidents[inc.ID] = cp
	return nil
}

func (s *MemoryIncidentStore) Get(_ context.Context, id string) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, incident.ErrNotFound
	}
	return cloneIncident(inc), nil
}

func (s *MemoryIncidentStore) Update(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.ID]; !ok {
		return incident.ErrNotFound
	}
	s.incidents[inc.ID] = cloneIncident(inc)
	return nil
}

func (s *MemoryIncidentStore) List(_ context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*incident.Incident
	for _, inc := range s.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.Category != "" && inc.Category != f.Category {
			continue
		}
		out = append(out, cloneIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryIncidentStore) FindOpenByDedupeKey(_ context.Context, key string, since time.Time) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *incident.Incident
	for _, inc := range s.incidents {
		if inc.DedupeKey != key || inc.Status == incident.StatusResolved {
			continue
		}
		if inc.CreatedAt.Before(since) {
			continue
		}
		if best == nil || inc.CreatedAt.After(best.CreatedAt) {
			best = inc
		}
	}
	if best == nil {
		return nil, incident.ErrNotFound
	}
	return cloneIncident(best), nil
}

func (s *MemoryIncidentStore) IncrementOccurrence(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	inc.OccurrenceCount++
	inc.LastSeenAt = at
	inc.UpdatedAt = at
	return nil
}

func (s *MemoryIncidentStore) ClaimRetryable(_ context.Context, now time.Time, limit int, workerID string, lockUntil time.Time) ([]*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*incident.Incident
	for _, inc := range s.incidents {
		if inc.Status != incident.StatusPendingRetry {
			continue
		}
		if inc.RetryEligibleAt == nil || inc.RetryEligibleAt.After(now) {
			continue
		}
		if inc.RetryLockUntil != nil && inc.RetryLockUntil.After(now) {
			continue
		}
		eligible = append(eligible, inc)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].RetryEligibleAt.Equal(*eligible[j].RetryEligibleAt) {
			return eligible[i].RetryEligibleAt.Before(*eligible[j].RetryEligibleAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*incident.Incident, 0, len(eligible))
	for _, inc := range eligible {
		lu := lockUntil
		inc.RetryLockUntil = &lu
		inc.RetryLockBy = workerID
		inc.UpdatedAt = now
		claimed = append(claimed, cloneIncident(inc))
	}
	return claimed, nil
}

func (s *MemoryIncidentStore) ReleaseLock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	inc.RetryLockUntil = nil
	inc.RetryLockBy = ""
	return nil
}

func (s *MemoryIncidentStore) FindStuckRecompute(_ context.Context, olderThan time.Time, limit int) ([]*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stuck []*incident.Incident
	for _, inc := range s.incidents {
		if inc.Status == incident.StatusPendingRecompute && inc.UpdatedAt.Before(olderThan) {
			stuck = append(stuck, inc)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		if !stuck[i].UpdatedAt.Equal(stuck[j].UpdatedAt) {
			return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt)
		}
		return stuck[i].ID < stuck[j].ID
	})
	if len(stuck) > limit {
		stuck = stuck[:limit]
	}
	out := make([]*incident.Incident, 0, len(stuck))
	for _, inc := range stuck {
		out = append(out, cloneIncident(inc))
	}
	return out, nil
}

func (s *MemoryIncidentStore) CountRetryQueue(_ context.Context, now time.Time, stuckOlderThan time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued, stuck := 0, 0
	for _, inc := range s.incidents {
		if inc.Status == incident.StatusPendingRetry &&
			inc.RetryEligibleAt != nil && !inc.RetryEligibleAt.After(now) {
			queued++
		}
		if inc.Status == incident.StatusPendingRecompute && inc.UpdatedAt.Before(stuckOlderThan) {
			stuck++
		}
	}
	return queued, stuck, nil
}

func cloneIncident(inc *incident.Incident) *incident.Incident {
	cp := *inc
	cp.SecondaryFlags = append(cp.SecondaryFlags[:0:0], inc.SecondaryFlags...)
	cp.AllFlags = append(cp.AllFlags[:0:0], inc.AllFlags...)
	cp.RoutedPayload = append(cp.RoutedPayload[:0:0], inc.RoutedPayload...)
	cp.RetryEligibleAt = cloneTime(inc.RetryEligibleAt)
	cp.RetryLockUntil = cloneTime(inc.RetryLockUntil)
	cp.RetryExhaustedAt = cloneTime(inc.RetryExhaustedAt)
	cp.RetryLastAttemptAt = cloneTime(inc.RetryLastAttemptAt)
	cp.ReclassifiedAt = cloneTime(inc.ReclassifiedAt)
	cp.ResolvedAt = cloneTime(inc.ResolvedAt)
	if inc.Feedback != nil {
		fb := *inc.Feedback
		if inc.Feedback.HintAccurate != nil {
			v := *inc.Feedback.HintAccurate
			fb.HintAccurate = &v
		}
		cp.Feedback = &fb
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
