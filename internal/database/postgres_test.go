package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/marketprice"
	"github.com/faturaops/backend/internal/quality"
)

var pgNow = time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

func priceRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"price_type", "period", "value_cents", "status", "source",
		"captured_at", "change_reason", "updated_by", "is_locked", "updated_at",
	}).AddRow("PTF", "2026-04", int64(289492), "final", "epias_api",
		pgNow, "monthly final", "admin", false, pgNow)
}

func TestPostgresGetMarketPrice(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewMarketPriceStore(db)

	mock.ExpectQuery(`SELECT .+ FROM market_prices WHERE price_type = \$1 AND period = \$2`).
		WithArgs("PTF", "2026-04").
		WillReturnRows(priceRow())

	rec, err := store.Get(context.Background(), "PTF", "2026-04")
	require.NoError(t, err)
	assert.Equal(t, marketprice.D2(2894, 92), rec.Value)
	assert.Equal(t, marketprice.StatusFinal, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMarketPriceNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewMarketPriceStore(db)

	mock.ExpectQuery(`SELECT .+ FROM market_prices`).
		WithArgs("PTF", "2019-01").
		WillReturnRows(sqlmock.NewRows([]string{"price_type"}))

	_, err = store.Get(context.Background(), "PTF", "2019-01")
	assert.ErrorIs(t, err, marketprice.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewMarketPriceStore(db)

	mock.ExpectExec(`UPDATE market_prices`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Update(context.Background(), &marketprice.Record{
		PriceType: "PTF", Period: "2026-04", Value: marketprice.D2(2900, 0),
		Status: marketprice.StatusFinal, UpdatedAt: pgNow,
	})
	assert.ErrorIs(t, err, marketprice.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetLocked(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewMarketPriceStore(db)

	mock.ExpectExec(`UPDATE market_prices SET is_locked = \$3`).
		WithArgs("PTF", "2026-04", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.SetLocked(context.Background(), "PTF", "2026-04", true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListBuildsWhereAndOrder(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewMarketPriceStore(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM market_prices WHERE price_type = \$1 AND period >= \$2`).
		WithArgs("PTF", "2026-01").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT .+ FROM market_prices WHERE price_type = \$1 AND period >= \$2 ORDER BY value_cents DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("PTF", "2026-01", 50, 0).
		WillReturnRows(priceRow())

	recs, total, err := store.List(context.Background(), marketprice.ListFilter{
		PriceType: "PTF", FromPeriod: "2026-01",
		SortBy: "value", SortOrder: "desc", Page: 1, PageSize: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, recs, 1)
	assert.Equal(t, "2026-04", recs[0].Period)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHistoryDecodesNullableColumns(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewMarketPriceStore(db)

	rows := sqlmock.NewRows([]string{
		"id", "price_type", "period", "action", "old_value_cents", "new_value_cents",
		"old_status", "new_status", "change_reason", "updated_by", "source", "created_at",
	}).
		AddRow(int64(2), "PTF", "2026-04", "UPDATE", int64(289492), int64(290000),
			"provisional", "final", "monthly final", "admin", "epias_api", pgNow).
		AddRow(int64(1), "PTF", "2026-04", "INSERT", nil, int64(289492),
			nil, "provisional", "", "admin", "epias_manual", pgNow.Add(-time.Hour))
	mock.ExpectQuery(`SELECT .+ FROM market_price_history`).
		WithArgs("PTF", "2026-04").
		WillReturnRows(rows)

	entries, err := store.History(context.Background(), "PTF", "2026-04")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NotNil(t, entries[0].OldValue)
	assert.Equal(t, marketprice.D2(2894, 92), *entries[0].OldValue)
	assert.Equal(t, marketprice.D2(2900, 0), entries[0].NewValue)

	assert.Nil(t, entries[1].OldValue)
	assert.Nil(t, entries[1].OldStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func incidentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "trace_id", "severity", "category",
		"primary_flag", "secondary_flags", "all_flags", "status", "resolution_reason",
		"action_type", "action_hint", "routed_payload", "fingerprint", "dedupe_key",
		"occurrence_count", "first_seen_at", "last_seen_at",
		"retry_attempt_count", "retry_eligible_at", "retry_lock_until", "retry_lock_by",
		"retry_exhausted_at", "retry_last_attempt_at", "retry_success",
		"recompute_count", "previous_primary_flag", "reclassified_at",
		"external_issue_id", "resolved_at", "feedback", "created_at", "updated_at",
	})
}

func addIncidentRow(rows *sqlmock.Rows, id string) *sqlmock.Rows {
	return rows.AddRow(
		id, "tenant-1", "trace-1", "S1", "market_price",
		"MARKET_PRICE_MISSING", []byte(`["LOW_CONFIDENCE"]`), []byte(`["MARKET_PRICE_MISSING","LOW_CONFIDENCE"]`),
		"PENDING_RETRY", nil,
		"RETRY_LOOKUP", "", []byte(`{}`), "fp1234", "dk5678",
		1, pgNow.Add(-time.Hour), pgNow.Add(-time.Hour),
		0, pgNow.Add(-time.Minute), nil, nil,
		nil, nil, false,
		0, nil, nil,
		nil, nil, nil, pgNow.Add(-time.Hour), pgNow.Add(-time.Hour))
}

func TestPostgresClaimRetryableTransaction(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewIncidentStore(db)

	lockUntil := pgNow.Add(5 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM incidents\s+WHERE status = 'PENDING_RETRY'.+FOR UPDATE SKIP LOCKED`).
		WithArgs(pgNow, 10).
		WillReturnRows(addIncidentRow(incidentRows(), "inc-1"))
	mock.ExpectExec(`UPDATE incidents SET retry_lock_until = \$2, retry_lock_by = \$3`).
		WithArgs("inc-1", lockUntil, "w1", pgNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.ClaimRetryable(context.Background(), pgNow, 10, "w1", lockUntil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "inc-1", claimed[0].ID)
	assert.Equal(t, "w1", claimed[0].RetryLockBy)
	require.NotNil(t, claimed[0].RetryLockUntil)
	assert.Equal(t, lockUntil, *claimed[0].RetryLockUntil)
	assert.Equal(t, quality.FlagMarketPriceMissing, claimed[0].PrimaryFlag)
	assert.Equal(t, []quality.Flag{quality.FlagLowConfidence}, claimed[0].SecondaryFlags)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimStampFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewIncidentStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM incidents`).
		WillReturnRows(addIncidentRow(incidentRows(), "inc-1"))
	mock.ExpectExec(`UPDATE incidents SET retry_lock_until`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = store.ClaimRetryable(context.Background(), pgNow, 10, "w1", pgNow.Add(5*time.Minute))
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementOccurrence(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewIncidentStore(db)

	mock.ExpectExec(`UPDATE incidents\s+SET occurrence_count = occurrence_count \+ 1`).
		WithArgs("inc-1", pgNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, store.IncrementOccurrence(context.Background(), "inc-1", pgNow))

	mock.ExpectExec(`UPDATE incidents\s+SET occurrence_count = occurrence_count \+ 1`).
		WithArgs("missing", pgNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.IncrementOccurrence(context.Background(), "missing", pgNow), incident.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountRetryQueue(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewIncidentStore(db)

	cutoff := pgNow.Add(-10 * time.Minute)
	mock.ExpectQuery(`SELECT\s+COUNT\(\*\) FILTER`).
		WithArgs(pgNow, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"queued", "stuck"}).AddRow(7, 2))

	queued, stuck, err := store.CountRetryQueue(context.Background(), pgNow, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, queued)
	assert.Equal(t, 2, stuck)
	assert.NoError(t, mock.ExpectationsWereMet())
}
