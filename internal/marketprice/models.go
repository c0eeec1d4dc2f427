// Package marketprice owns the monthly market-price reference series:
// validation, upsert semantics with status-transition rules, append-only
// audit history, and the bulk import engine.
package marketprice

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a monthly price.
// Provisional is correctable; final is sealed (upgrade allowed,
// downgrade forbidden).
type Status string

const (
	StatusProvisional Status = "provisional"
	StatusFinal       Status = "final"
)

// Source records where a price value came from.
type Source string

const (
	SourceEpiasManual Source = "epias_manual"
	SourceEpiasAPI    Source = "epias_api"
	SourceMigration   Source = "migration"
	SourceSeed        Source = "seed"
	SourceImport      Source = "import"
)

// PriceTypePTF is the only price type materialized today. The key space
// is (price_type, period) so further types slot in without migration.
const PriceTypePTF = "PTF"

var allowedPriceTypes = map[string]bool{PriceTypePTF: true}

// Decimal2 is a fixed-point value with two fractional digits, stored as
// integer hundredths. TL/MWh for PTF.
type Decimal2 int64

// D2 builds a Decimal2 from whole units and hundredths, e.g. D2(2894, 92).
func D2(units int64, hundredths int64) Decimal2 {
	return Decimal2(units*100 + hundredths)
}

func (d Decimal2) String() string {
	neg := ""
	v := int64(d)
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", neg, v/100, v%100)
}

func (d Decimal2) Float64() float64 { return float64(d) / 100 }

// Record is the canonical monthly price snapshot keyed by
// (price_type, period).
type Record struct {
	PriceType    string    `json:"price_type"`
	Period       string    `json:"period"` // YYYY-MM
	Value        Decimal2  `json:"value"`
	Status       Status    `json:"status"`
	Source       Source    `json:"source"`
	CapturedAt   time.Time `json:"captured_at"`
	ChangeReason string    `json:"change_reason,omitempty"`
	UpdatedBy    string    `json:"updated_by"`
	IsLocked     bool      `json:"is_locked"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HistoryAction distinguishes the two audit row kinds.
type HistoryAction string

const (
	HistoryInsert HistoryAction = "INSERT"
	HistoryUpdate HistoryAction = "UPDATE"
)

// HistoryEntry is one append-only audit row. Rows are never deleted and
// no-op upserts never produce one.
type HistoryEntry struct {
	ID           int64         `json:"id"`
	PriceType    string        `json:"price_type"`
	Period       string        `json:"period"`
	Action       HistoryAction `json:"action"`
	OldValue     *Decimal2     `json:"old_value"`
	NewValue     Decimal2      `json:"new_value"`
	OldStatus    *Status       `json:"old_status"`
	NewStatus    Status        `json:"new_status"`
	ChangeReason string        `json:"change_reason,omitempty"`
	UpdatedBy    string        `json:"updated_by"`
	Source       Source        `json:"source"`
	CreatedAt    time.Time     `json:"created_at"`
}
