// Package database provides the Postgres stores behind the market-price
// and incident services, plus in-memory doubles for tests and local
// development.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/marketprice"
	"github.com/faturaops/backend/internal/quality"
)

// Open dials Postgres and verifies connectivity.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// MarketPriceStore is the Postgres implementation of marketprice.Store.
type MarketPriceStore struct {
	db *sql.DB
}

func NewMarketPriceStore(db *sql.DB) *MarketPriceStore {
	return &MarketPriceStore{db: db}
}

const marketPriceColumns = `price_type, period, value_cents, status, source,
	captured_at, change_reason, updated_by, is_locked, updated_at`

func (s *MarketPriceStore) Get(ctx context.Context, priceType, period string) (*marketprice.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+marketPriceColumns+` FROM market_prices WHERE price_type = $1 AND period = $2`,
		priceType, period)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, marketprice.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market price %s/%s: %w", priceType, period, err)
	}
	return rec, nil
}

func (s *MarketPriceStore) Insert(ctx context.Context, rec *marketprice.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_prices (`+marketPriceColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.PriceType, rec.Period, int64(rec.Value), rec.Status, rec.Source,
		rec.CapturedAt, rec.ChangeReason, rec.UpdatedBy, rec.IsLocked, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert market price %s/%s: %w", rec.PriceType, rec.Period, err)
	}
	return nil
}

func (s *MarketPriceStore) Update(ctx context.Context, rec *marketprice.Record) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE market_prices
		 SET value_cents = $3, status = $4, source = $5, change_reason = $6,
		     updated_by = $7, updated_at = $8
		 WHERE price_type = $1 AND period = $2`,
		rec.PriceType, rec.Period, int64(rec.Value), rec.Status, rec.Source,
		rec.ChangeReason, rec.UpdatedBy, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update market price %s/%s: %w", rec.PriceType, rec.Period, err)
	}
	return requireRow(res, marketprice.ErrNotFound)
}

func (s *MarketPriceStore) SetLocked(ctx context.Context, priceType, period string, locked bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE market_prices SET is_locked = $3, updated_at = NOW()
		 WHERE price_type = $1 AND period = $2`,
		priceType, period, locked)
	if err != nil {
		return fmt.Errorf("set lock %s/%s: %w", priceType, period, err)
	}
	return requireRow(res, marketprice.ErrNotFound)
}

// List pages with a whitelisted ORDER BY. The sort field arrives
// pre-validated by the service; the switch here is belt and suspenders
// against SQL injection through identifiers.
func (s *MarketPriceStore) List(ctx context.Context, f marketprice.ListFilter) ([]marketprice.Record, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PriceType != "" {
		add("price_type = $%d", f.PriceType)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.FromPeriod != "" {
		add("period >= $%d", f.FromPeriod)
	}
	if f.ToPeriod != "" {
		add("period <= $%d", f.ToPeriod)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM market_prices`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count market prices: %w", err)
	}

	var sortCol string
	switch f.SortBy {
	case "period":
		sortCol = "period"
	case "value":
		sortCol = "value_cents"
	case "status":
		sortCol = "status"
	case "updated_at":
		sortCol = "updated_at"
	default:
		return nil, 0, fmt.Errorf("unexpected sort field %q", f.SortBy)
	}
	dir := "ASC"
	if f.SortOrder == "desc" {
		dir = "DESC"
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM market_prices%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
			marketPriceColumns, cond, sortCol, dir, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list market prices: %w", err)
	}
	defer rows.Close()

	var out []marketprice.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan market price: %w", err)
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

func (s *MarketPriceStore) AppendHistory(ctx context.Context, e *marketprice.HistoryEntry) error {
	var oldValue sql.NullInt64
	if e.OldValue != nil {
		oldValue = sql.NullInt64{Int64: int64(*e.OldValue), Valid: true}
	}
	var oldStatus sql.NullString
	if e.OldStatus != nil {
		oldStatus = sql.NullString{String: string(*e.OldStatus), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_price_history
		 (price_type, period, action, old_value_cents, new_value_cents,
		  old_status, new_status, change_reason, updated_by, source, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.PriceType, e.Period, e.Action, oldValue, int64(e.NewValue),
		oldStatus, e.NewStatus, e.ChangeReason, e.UpdatedBy, e.Source, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append history %s/%s: %w", e.PriceType, e.Period, err)
	}
	return nil
}

func (s *MarketPriceStore) History(ctx context.Context, priceType, period string) ([]marketprice.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, price_type, period, action, old_value_cents, new_value_cents,
		        old_status, new_status, change_reason, updated_by, source, created_at
		 FROM market_price_history
		 WHERE price_type = $1 AND period = $2
		 ORDER BY created_at DESC, id DESC`,
		priceType, period)
	if err != nil {
		return nil, fmt.Errorf("load history %s/%s: %w", priceType, period, err)
	}
	defer rows.Close()

	var out []marketprice.HistoryEntry
	for rows.Next() {
		var (
			e         marketprice.HistoryEntry
			oldValue  sql.NullInt64
			newValue  int64
			oldStatus sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.PriceType, &e.Period, &e.Action, &oldValue,
			&newValue, &oldStatus, &e.NewStatus, &e.ChangeReason, &e.UpdatedBy,
			&e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.NewValue = marketprice.Decimal2(newValue)
		if oldValue.Valid {
			v := marketprice.Decimal2(oldValue.Int64)
			e.OldValue = &v
		}
		if oldStatus.Valid {
			st := marketprice.Status(oldStatus.String)
			e.OldStatus = &st
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*marketprice.Record, error) {
	var (
		rec   marketprice.Record
		value int64
	)
	err := row.Scan(&rec.PriceType, &rec.Period, &value, &rec.Status, &rec.Source,
		&rec.CapturedAt, &rec.ChangeReason, &rec.UpdatedBy, &rec.IsLocked, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Value = marketprice.Decimal2(value)
	return &rec, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// IncidentStore is the Postgres implementation of incident.Store. The
// claim path uses FOR UPDATE SKIP LOCKED so concurrent workers never
// block on or double-claim the same row.
type IncidentStore struct {
	db *sql.DB
}

func NewIncidentStore(db *sql.DB) *IncidentStore {
	return &IncidentStore{db: db}
}

const incidentColumns = `id, tenant_id, trace_id, severity, category,
	primary_flag, secondary_flags, all_flags, status, resolution_reason,
	action_type, action_hint, routed_payload, fingerprint, dedupe_key,
	occurrence_count, first_seen_at, last_seen_at,
	retry_attempt_count, retry_eligible_at, retry_lock_until, retry_lock_by,
	retry_exhausted_at, retry_last_attempt_at, retry_success,
	recompute_count, previous_primary_flag, reclassified_at,
	external_issue_id, resolved_at, feedback, created_at, updated_at`

func (s *IncidentStore) Insert(ctx context.Context, inc *incident.Incident) error {
	secondary, all, feedback, err := encodeIncidentBlobs(inc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
		         $19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33)`,
		inc.ID, inc.TenantID, inc.TraceID, inc.Severity, inc.Category,
		inc.PrimaryFlag, secondary, all, inc.Status, nullStr(string(inc.ResolutionReason)),
		inc.Action.Type, inc.ActionHint, inc.RoutedPayload, inc.Fingerprint, inc.DedupeKey,
		inc.OccurrenceCount, inc.FirstSeenAt, inc.LastSeenAt,
		inc.RetryAttemptCount, inc.RetryEligibleAt, inc.RetryLockUntil, nullStr(inc.RetryLockBy),
		inc.RetryExhaustedAt, inc.RetryLastAttemptAt, inc.RetrySuccess,
		inc.RecomputeCount, nullStr(string(inc.PreviousPrimaryFlag)), inc.ReclassifiedAt,
		nullStr(inc.ExternalIssueID), inc.ResolvedAt, feedback, inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert incident %s: %w", inc.ID, err)
	}
	return nil
}

func (s *IncidentStore) Get(ctx context.Context, id string) (*incident.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	return inc, nil
}

func (s *IncidentStore) Update(ctx context.Context, inc *incident.Incident) error {
	secondary, all, feedback, err := encodeIncidentBlobs(inc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET
		   severity = $2, category = $3, primary_flag = $4, secondary_flags = $5,
		   all_flags = $6, status = $7, resolution_reason = $8, action_type = $9,
		   action_hint = $10, occurrence_count = $11, last_seen_at = $12,
		   retry_attempt_count = $13, retry_eligible_at = $14, retry_lock_until = $15,
		   retry_lock_by = $16, retry_exhausted_at = $17, retry_last_attempt_at = $18,
		   retry_success = $19, recompute_count = $20, previous_primary_flag = $21,
		   reclassified_at = $22, external_issue_id = $23, resolved_at = $24,
		   feedback = $25, updated_at = $26
		 WHERE id = $1`,
		inc.ID, inc.Severity, inc.Category, inc.PrimaryFlag, secondary,
		all, inc.Status, nullStr(string(inc.ResolutionReason)), inc.Action.Type,
		inc.ActionHint, inc.OccurrenceCount, inc.LastSeenAt,
		inc.RetryAttemptCount, inc.RetryEligibleAt, inc.RetryLockUntil,
		nullStr(inc.RetryLockBy), inc.RetryExhaustedAt, inc.RetryLastAttemptAt,
		inc.RetrySuccess, inc.RecomputeCount, nullStr(string(inc.PreviousPrimaryFlag)),
		inc.ReclassifiedAt, nullStr(inc.ExternalIssueID), inc.ResolvedAt,
		feedback, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update incident %s: %w", inc.ID, err)
	}
	return requireRow(res, incident.ErrNotFound)
}

func (s *IncidentStore) List(ctx context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM incidents%s ORDER BY last_seen_at DESC LIMIT $%d`,
			incidentColumns, cond, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (s *IncidentStore) FindOpenByDedupeKey(ctx context.Context, key string, since time.Time) (*incident.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE dedupe_key = $1 AND status <> 'RESOLVED' AND created_at >= $2
		 ORDER BY created_at DESC LIMIT 1`,
		key, since)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by dedupe key: %w", err)
	}
	return inc, nil
}

func (s *IncidentStore) IncrementOccurrence(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents
		 SET occurrence_count = occurrence_count + 1, last_seen_at = $2, updated_at = $2
		 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("increment occurrence %s: %w", id, err)
	}
	return requireRow(res, incident.ErrNotFound)
}

// ClaimRetryable locks eligible rows oldest-first. SKIP LOCKED means a
// row contended by another worker is simply not selected; the subsequent
// UPDATE stamps the lock columns inside the same transaction.
func (s *IncidentStore) ClaimRetryable(ctx context.Context, now time.Time, limit int, workerID string, lockUntil time.Time) ([]*incident.Incident, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE status = 'PENDING_RETRY'
		   AND retry_eligible_at IS NOT NULL AND retry_eligible_at <= $1
		   AND (retry_lock_until IS NULL OR retry_lock_until <= $1)
		 ORDER BY retry_eligible_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("select retryable: %w", err)
	}
	claimed, err := scanIncidents(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, inc := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE incidents SET retry_lock_until = $2, retry_lock_by = $3, updated_at = $4
			 WHERE id = $1`,
			inc.ID, lockUntil, workerID, now); err != nil {
			return nil, fmt.Errorf("stamp lock %s: %w", inc.ID, err)
		}
		lu := lockUntil
		inc.RetryLockUntil = &lu
		inc.RetryLockBy = workerID
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

func (s *IncidentStore) ReleaseLock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET retry_lock_until = NULL, retry_lock_by = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", id, err)
	}
	return nil
}

func (s *IncidentStore) FindStuckRecompute(ctx context.Context, olderThan time.Time, limit int) ([]*incident.Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE status = 'PENDING_RECOMPUTE' AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck recompute: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (s *IncidentStore) CountRetryQueue(ctx context.Context, now time.Time, stuckOlderThan time.Time) (int, int, error) {
	var queued, stuck int
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'PENDING_RETRY'
		     AND retry_eligible_at IS NOT NULL AND retry_eligible_at <= $1),
		   COUNT(*) FILTER (WHERE status = 'PENDING_RECOMPUTE' AND updated_at < $2)
		 FROM incidents`,
		now, stuckOlderThan).Scan(&queued, &stuck)
	if err != nil {
		return 0, 0, fmt.Errorf("count retry queue: %w", err)
	}
	return queued, stuck, nil
}

func encodeIncidentBlobs(inc *incident.Incident) ([]byte, []byte, []byte, error) {
	secondary, err := json.Marshal(inc.SecondaryFlags)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode secondary flags: %w", err)
	}
	all, err := json.Marshal(inc.AllFlags)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode all flags: %w", err)
	}
	var feedback []byte
	if inc.Feedback != nil {
		feedback, err = json.Marshal(inc.Feedback)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode feedback: %w", err)
		}
	}
	return secondary, all, feedback, nil
}

func scanIncidents(rows *sql.Rows) ([]*incident.Incident, error) {
	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(row rowScanner) (*incident.Incident, error) {
	var (
		inc              incident.Incident
		secondary, all   []byte
		feedback         []byte
		resolutionReason sql.NullString
		lockBy           sql.NullString
		prevPrimary      sql.NullString
		externalIssue    sql.NullString
		actionType       string
	)
	err := row.Scan(&inc.ID, &inc.TenantID, &inc.TraceID, &inc.Severity, &inc.Category,
		&inc.PrimaryFlag, &secondary, &all, &inc.Status, &resolutionReason,
		&actionType, &inc.ActionHint, &inc.RoutedPayload, &inc.Fingerprint, &inc.DedupeKey,
		&inc.OccurrenceCount, &inc.FirstSeenAt, &inc.LastSeenAt,
		&inc.RetryAttemptCount, &inc.RetryEligibleAt, &inc.RetryLockUntil, &lockBy,
		&inc.RetryExhaustedAt, &inc.RetryLastAttemptAt, &inc.RetrySuccess,
		&inc.RecomputeCount, &prevPrimary, &inc.ReclassifiedAt,
		&externalIssue, &inc.ResolvedAt, &feedback, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inc.ResolutionReason = incident.ResolutionReason(resolutionReason.String)
	inc.RetryLockBy = lockBy.String
	inc.PreviousPrimaryFlag = quality.Flag(prevPrimary.String)
	inc.ExternalIssueID = externalIssue.String
	// Owner, code and hint are static per flag; only the type column is
	// authoritative on the row.
	inc.Action = incident.ActionMap[inc.PrimaryFlag]
	if actionType != "" {
		inc.Action.Type = incident.ActionType(actionType)
	}
	if len(secondary) > 0 {
		if err := json.Unmarshal(secondary, &inc.SecondaryFlags); err != nil {
			return nil, fmt.Errorf("decode secondary flags: %w", err)
		}
	}
	if len(all) > 0 {
		if err := json.Unmarshal(all, &inc.AllFlags); err != nil {
			return nil, fmt.Errorf("decode all flags: %w", err)
		}
	}
	if len(feedback) > 0 {
		var fb incident.Feedback
		if err := json.Unmarshal(feedback, &fb); err != nil {
			return nil, fmt.Errorf("decode feedback: %w", err)
		}
		inc.Feedback = &fb
	}
	return &inc, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
