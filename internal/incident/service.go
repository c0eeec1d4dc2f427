package incident

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/faturaops/backend/internal/metrics"
	"github.com/faturaops/backend/internal/quality"
)

// DedupeWindow is how long repeated defects fold into one incident row.
const DedupeWindow = 24 * time.Hour

// InvoiceRef identifies the invoice a scorecard belongs to.
type InvoiceRef struct {
	TenantID       string
	TraceID        string
	Supplier       string
	InvoiceNo      string
	Period         string
	ConsumptionKWh float64
	TotalAmount    float64
}

// Service projects quality scorecards onto durable incidents.
type Service struct {
	store   Store
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
	newID   func() string
}

func NewService(store Store, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		metrics: m,
		logger:  log.New(log.Writer(), "[INCIDENT] ", log.LstdFlags),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Result reports what one scoring pass produced.
type Result struct {
	IncidentID string
	Created    bool
	Deduped    bool
}

// Process folds a scorecard into at most one incident. Only S1 and S2
// flags materialize; a clean or S3-only scorecard does nothing. A
// non-RESOLVED incident with the same dedupe key inside the window gets
// its occurrence counter bumped instead of a new row.
func (s *Service) Process(ctx context.Context, ref InvoiceRef, score quality.QualityScore, payload []byte) (*Result, error) {
	material := materialFlags(score)
	if len(material) == 0 {
		return &Result{}, nil
	}

	primary := quality.PrimaryFlag(material)
	normalized := quality.NormalizeFlags(material)
	secondary := normalized[1:]
	category := FlagToCategory(primary)
	severity := severityFor(primary, score)
	now := s.now()

	fingerprint := Fingerprint(ref.Supplier, ref.InvoiceNo, ref.Period, ref.ConsumptionKWh, ref.TotalAmount)
	dedupeKey := DedupeKey(ref.TenantID, category, ref.Period, fingerprint, now)

	existing, err := s.store.FindOpenByDedupeKey(ctx, dedupeKey, now.Add(-DedupeWindow))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if err := s.store.IncrementOccurrence(ctx, existing.ID, now); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.IncidentsDeduped.Inc()
		}
		return &Result{IncidentID: existing.ID, Deduped: true}, nil
	}

	action := ActionMap[primary]
	inc := &Incident{
		ID:              s.newID(),
		TenantID:        ref.TenantID,
		TraceID:         ref.TraceID,
		Severity:        severity,
		Category:        category,
		PrimaryFlag:     primary,
		SecondaryFlags:  secondary,
		AllFlags:        quality.NormalizeFlags(score.Flags),
		Status:          StatusOpen,
		Action:          action,
		RoutedPayload:   payload,
		Fingerprint:     fingerprint,
		DedupeKey:       dedupeKey,
		OccurrenceCount: 1,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if primary == quality.FlagInvoiceTotalMismatch {
		inc.ActionHint = MismatchChecklist
	}

	switch action.Type {
	case ActionRetryLookup:
		inc.Status = StatusPendingRetry
		eligible := now
		inc.RetryEligibleAt = &eligible
	case ActionFallbackOK:
		// The fallback already produced an acceptable offer; the
		// incident exists for the record, not for work.
		inc.Status = StatusResolved
		inc.ResolutionReason = ReasonAutoResolved
		resolved := now
		inc.ResolvedAt = &resolved
	}

	if err := s.store.Insert(ctx, inc); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncidentsCreated.WithLabelValues(category, string(severity)).Inc()
	}
	s.logger.Printf("created incident %s primary=%s severity=%s tenant=%s trace=%s",
		inc.ID, primary, severity, ref.TenantID, ref.TraceID)
	return &Result{IncidentID: inc.ID, Created: true}, nil
}

// materialFlags keeps the S1/S2 subset, using the per-flag detail
// severity so an escalated mismatch counts as S1.
func materialFlags(score quality.QualityScore) []quality.Flag {
	var out []quality.Flag
	for _, f := range score.Flags {
		sev := quality.SeverityOf(f)
		if d, ok := score.FlagDetails[f]; ok && d.Severity != "" {
			sev = d.Severity
		}
		if sev == quality.S1 || sev == quality.S2 {
			out = append(out, f)
		}
	}
	return out
}

func severityFor(primary quality.Flag, score quality.QualityScore) quality.Severity {
	if d, ok := score.FlagDetails[primary]; ok && d.Severity != "" {
		return d.Severity
	}
	return quality.SeverityOf(primary)
}
