// Package incident owns the durable defect records projected from
// quality scorecards, their fingerprint-based deduplication, and the
// retry/recompute lifecycle columns.
package incident

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/faturaops/backend/internal/quality"
)

// Status is the incident lifecycle state.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusAck              Status = "ACK"
	StatusPendingRetry     Status = "PENDING_RETRY"
	StatusPendingRecompute Status = "PENDING_RECOMPUTE"
	StatusResolved         Status = "RESOLVED"
)

// ResolutionReason is the closed enum explaining how an incident left
// (or failed to leave) the automatic pipeline.
type ResolutionReason string

const (
	ReasonRecomputeResolved      ResolutionReason = "RECOMPUTE_RESOLVED"
	ReasonManualResolved         ResolutionReason = "MANUAL_RESOLVED"
	ReasonAutoResolved           ResolutionReason = "AUTO_RESOLVED"
	ReasonRecomputeLimitExceeded ResolutionReason = "RECOMPUTE_LIMIT_EXCEEDED"
	ReasonRetryExhausted         ResolutionReason = "RETRY_EXHAUSTED"
	ReasonReclassified           ResolutionReason = "RECLASSIFIED" // informational, not a resolution
)

// ResolvedSet lists the reasons that count as genuine resolutions for
// MTTR and funnel math.
var ResolvedSet = map[ResolutionReason]bool{
	ReasonRecomputeResolved: true,
	ReasonManualResolved:    true,
	ReasonAutoResolved:      true,
}

// Feedback is the operator's post-resolution calibration blob.
type Feedback struct {
	HintAccurate *bool     `json:"hint_accurate,omitempty"`
	ActionClass  string    `json:"action_class,omitempty"`
	Note         string    `json:"note,omitempty"`
	SubmittedBy  string    `json:"submitted_by,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Incident is the durable defect record.
type Incident struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	TraceID         string           `json:"trace_id"`
	Severity        quality.Severity `json:"severity"`
	Category        string           `json:"category"`
	PrimaryFlag     quality.Flag     `json:"primary_flag"`
	SecondaryFlags  []quality.Flag   `json:"secondary_flags"`
	AllFlags        []quality.Flag   `json:"all_flags"`
	Status          Status           `json:"status"`
	ResolutionReason ResolutionReason `json:"resolution_reason,omitempty"`
	Action          Action           `json:"action"`
	ActionHint      string           `json:"action_hint,omitempty"`
	RoutedPayload   []byte           `json:"routed_payload,omitempty"`
	Fingerprint     string           `json:"fingerprint"`
	DedupeKey       string           `json:"dedupe_key"`
	OccurrenceCount int              `json:"occurrence_count"`
	FirstSeenAt     time.Time        `json:"first_seen_at"`
	LastSeenAt      time.Time        `json:"last_seen_at"`

	RetryAttemptCount  int        `json:"retry_attempt_count"`
	RetryEligibleAt    *time.Time `json:"retry_eligible_at,omitempty"`
	RetryLockUntil     *time.Time `json:"retry_lock_until,omitempty"`
	RetryLockBy        string     `json:"retry_lock_by,omitempty"`
	RetryExhaustedAt   *time.Time `json:"retry_exhausted_at,omitempty"`
	RetryLastAttemptAt *time.Time `json:"retry_last_attempt_at,omitempty"`
	RetrySuccess       bool       `json:"retry_success"`

	RecomputeCount      int          `json:"recompute_count"`
	PreviousPrimaryFlag quality.Flag `json:"previous_primary_flag,omitempty"`
	ReclassifiedAt      *time.Time   `json:"reclassified_at,omitempty"`

	ExternalIssueID string     `json:"external_issue_id,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Feedback        *Feedback  `json:"feedback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrNotFound is returned by stores for unknown incident ids.
var ErrNotFound = errors.New("incident not found")

// Fingerprint identifies one physical invoice by its content:
// SHA-256 of (supplier, invoice_no, period, consumption_kwh,
// total_amount), first 16 hex characters.
func Fingerprint(supplier, invoiceNo, period string, consumptionKWh, totalAmount float64) string {
	payload := fmt.Sprintf("%s|%s|%s|%.3f|%.2f", supplier, invoiceNo, period, consumptionKWh, totalAmount)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}

// DedupeKey buckets repeated defects: hash of (tenant, category, period,
// fingerprint) over a 24-hour window.
func DedupeKey(tenantID, category, period, fingerprint string, at time.Time) string {
	bucket := at.UTC().Truncate(24 * time.Hour).Format("2006-01-02")
	payload := fmt.Sprintf("%s|%s|%s|%s|%s", tenantID, category, period, fingerprint, bucket)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}

// ListFilter narrows the admin incident listing.
type ListFilter struct {
	Status   Status
	Severity quality.Severity
	Category string
	Limit    int
}

// Store is the durable incident layer. The claim methods carry the
// race-safety contract: at most one worker commits a claim per row.
type Store interface {
	Insert(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	Update(ctx context.Context, inc *Incident) error
	List(ctx context.Context, f ListFilter) ([]*Incident, error)

	// FindOpenByDedupeKey returns a non-RESOLVED incident with the key
	// created within the window, or ErrNotFound.
	FindOpenByDedupeKey(ctx context.Context, key string, since time.Time) (*Incident, error)
	// IncrementOccurrence atomically bumps the counter and last_seen.
	IncrementOccurrence(ctx context.Context, id string, at time.Time) error

	// ClaimRetryable selects eligible PENDING_RETRY incidents oldest
	// first and locks them for the worker. Contended rows are skipped.
	ClaimRetryable(ctx context.Context, now time.Time, limit int, workerID string, lockUntil time.Time) ([]*Incident, error)
	// ReleaseLock clears the claim columns without touching status.
	ReleaseLock(ctx context.Context, id string) error
	// FindStuckRecompute returns PENDING_RECOMPUTE incidents whose
	// updated_at is older than the cutoff.
	FindStuckRecompute(ctx context.Context, olderThan time.Time, limit int) ([]*Incident, error)
	// CountRetryQueue reports eligible retry work and stuck recomputes.
	CountRetryQueue(ctx context.Context, now time.Time, stuckOlderThan time.Time) (queued int, stuck int, err error)
}
