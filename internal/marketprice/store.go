package marketprice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Business-rule error codes surfaced as 409 at the API edge.
const (
	CodePeriodLocked             = "PERIOD_LOCKED"
	CodeStatusDowngradeForbidden = "STATUS_DOWNGRADE_FORBIDDEN"
	CodeFinalRecordProtected     = "FINAL_RECORD_PROTECTED"
	CodeChangeReasonRequired     = "CHANGE_REASON_REQUIRED"
	CodePeriodNotFound           = "PERIOD_NOT_FOUND"
	CodeInvalidSortField         = "INVALID_SORT_FIELD"
	CodeInvalidSortOrder         = "INVALID_SORT_ORDER"
)

// RuleError is a business-rule violation with a stable code.
type RuleError struct {
	Code    string
	Message string
}

func (e *RuleError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// ErrNotFound is returned by stores when no record exists for a key.
var ErrNotFound = errors.New("market price record not found")

// ListFilter narrows and pages the listing. SortBy must come from the
// whitelist; anything else is rejected before the store is touched.
type ListFilter struct {
	PriceType  string
	Status     Status
	FromPeriod string
	ToPeriod   string
	SortBy     string
	SortOrder  string
	Page       int
	PageSize   int
}

var sortWhitelist = map[string]bool{
	"period": true, "value": true, "status": true, "updated_at": true,
}

// Store is the durable layer beneath the admin service. Implementations:
// Postgres (production) and in-memory (tests, development).
type Store interface {
	Get(ctx context.Context, priceType, period string) (*Record, error)
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	SetLocked(ctx context.Context, priceType, period string, locked bool) error
	List(ctx context.Context, f ListFilter) ([]Record, int, error)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	History(ctx context.Context, priceType, period string) ([]HistoryEntry, error)
}

// Service implements the upsert state machine over a Store.
type Service struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: log.New(log.Writer(), "[MARKET-PRICE] ", log.LstdFlags),
		now:    time.Now,
	}
}

// UpsertAction reports what an upsert did.
type UpsertAction string

const (
	ActionCreated   UpsertAction = "created"
	ActionUpdated   UpsertAction = "updated"
	ActionUnchanged UpsertAction = "unchanged"
)

// UpsertResult is the outcome of a successful upsert.
type UpsertResult struct {
	Action   UpsertAction
	Changed  bool
	Warnings []string
}

// Upsert applies the status-transition rules:
//
//  1. no record            -> INSERT + audit row
//  2. locked               -> PERIOD_LOCKED
//  3. final -> provisional -> STATUS_DOWNGRADE_FORBIDDEN
//  4. final value change without force -> FINAL_RECORD_PROTECTED
//  5. same value + status  -> no-op, no audit row
//  6. change without change_reason -> CHANGE_REASON_REQUIRED
//  7. UPDATE + audit row
//
// History writes are best-effort: a failed audit append is logged at
// warn and never fails the parent operation.
func (s *Service) Upsert(ctx context.Context, n *Normalized, actor string, source Source, changeReason string, force bool) (*UpsertResult, error) {
	existing, err := s.store.Get(ctx, n.PriceType, n.Period)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := s.now()

	if existing == nil {
		rec := &Record{
			PriceType:    n.PriceType,
			Period:       n.Period,
			Value:        n.Value,
			Status:       n.Status,
			Source:       source,
			CapturedAt:   now,
			ChangeReason: changeReason,
			UpdatedBy:    actor,
			UpdatedAt:    now,
		}
		if err := s.store.Insert(ctx, rec); err != nil {
			return nil, err
		}
		s.appendHistory(ctx, &HistoryEntry{
			PriceType:    n.PriceType,
			Period:       n.Period,
			Action:       HistoryInsert,
			NewValue:     n.Value,
			NewStatus:    n.Status,
			ChangeReason: changeReason,
			UpdatedBy:    actor,
			Source:       source,
			CreatedAt:    now,
		})
		return &UpsertResult{Action: ActionCreated, Changed: true, Warnings: n.Warnings}, nil
	}

	if existing.IsLocked {
		return nil, &RuleError{Code: CodePeriodLocked,
			Message: "period " + n.Period + " is locked"}
	}
	if existing.Status == StatusFinal && n.Status == StatusProvisional {
		return nil, &RuleError{Code: CodeStatusDowngradeForbidden,
			Message: "final records cannot be downgraded to provisional"}
	}
	if existing.Status == StatusFinal && n.Status == StatusFinal &&
		existing.Value != n.Value && !force {
		return nil, &RuleError{Code: CodeFinalRecordProtected,
			Message: "final record value change requires force_update"}
	}
	if existing.Value == n.Value && existing.Status == n.Status {
		return &UpsertResult{Action: ActionUnchanged, Changed: false, Warnings: n.Warnings}, nil
	}
	if changeReason == "" {
		return nil, &RuleError{Code: CodeChangeReasonRequired,
			Message: "updates require a change_reason"}
	}

	oldValue, oldStatus := existing.Value, existing.Status
	updated := *existing
	updated.Value = n.Value
	updated.Status = n.Status
	updated.Source = source
	updated.ChangeReason = changeReason
	updated.UpdatedBy = actor
	updated.UpdatedAt = now
	if err := s.store.Update(ctx, &updated); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, &HistoryEntry{
		PriceType:    n.PriceType,
		Period:       n.Period,
		Action:       HistoryUpdate,
		OldValue:     &oldValue,
		NewValue:     n.Value,
		OldStatus:    &oldStatus,
		NewStatus:    n.Status,
		ChangeReason: changeReason,
		UpdatedBy:    actor,
		Source:       source,
		CreatedAt:    now,
	})
	return &UpsertResult{Action: ActionUpdated, Changed: true, Warnings: n.Warnings}, nil
}

func (s *Service) appendHistory(ctx context.Context, entry *HistoryEntry) {
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		s.logger.Printf("WARN audit append failed for %s/%s: %v",
			entry.PriceType, entry.Period, err)
	}
}

// CalculationPrice is the lookup result handed to the tariff calculator.
type CalculationPrice struct {
	Record            *Record
	IsProvisionalUsed bool
}

// GetForCalculation returns the price for a period along with a flag
// telling the caller a provisional value backs the computation.
func (s *Service) GetForCalculation(ctx context.Context, period string) (*CalculationPrice, error) {
	if !periodRe.MatchString(period) {
		return nil, &RuleError{Code: CodeInvalidPeriodFormat, Message: "period must match YYYY-MM"}
	}
	if period > CurrentPeriod(s.now()) {
		return nil, &RuleError{Code: CodeFuturePeriod, Message: "period is in the future"}
	}
	rec, err := s.store.Get(ctx, PriceTypePTF, period)
	if errors.Is(err, ErrNotFound) {
		return nil, &RuleError{Code: CodePeriodNotFound, Message: "no price recorded for " + period}
	}
	if err != nil {
		return nil, err
	}
	return &CalculationPrice{
		Record:            rec,
		IsProvisionalUsed: rec.Status == StatusProvisional,
	}, nil
}

// Get returns the current snapshot for a period.
func (s *Service) Get(ctx context.Context, priceType, period string) (*Record, error) {
	return s.store.Get(ctx, priceType, period)
}

// List validates the filter and pages through the store.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Record, int, error) {
	if f.SortBy == "" {
		f.SortBy = "period"
	}
	if !sortWhitelist[f.SortBy] {
		return nil, 0, &RuleError{Code: CodeInvalidSortField,
			Message: "sort field " + f.SortBy + " is not allowed"}
	}
	if f.SortOrder == "" {
		f.SortOrder = "asc"
	}
	if f.SortOrder != "asc" && f.SortOrder != "desc" {
		return nil, 0, &RuleError{Code: CodeInvalidSortOrder,
			Message: "sort order must be asc or desc"}
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 50
	}
	return s.store.List(ctx, f)
}

// History returns the audit trail newest-first. A missing parent record
// is PERIOD_NOT_FOUND; an existing record with no history is an empty list.
func (s *Service) History(ctx context.Context, priceType, period string) ([]HistoryEntry, error) {
	if _, err := s.store.Get(ctx, priceType, period); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &RuleError{Code: CodePeriodNotFound, Message: "no record for " + period}
		}
		return nil, err
	}
	entries, err := s.store.History(ctx, priceType, period)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return entries, nil
}

// SetLocked toggles the immutability flag on a record.
func (s *Service) SetLocked(ctx context.Context, priceType, period string, locked bool) error {
	err := s.store.SetLocked(ctx, priceType, period, locked)
	if errors.Is(err, ErrNotFound) {
		return &RuleError{Code: CodePeriodNotFound, Message: "no record for " + period}
	}
	return err
}
