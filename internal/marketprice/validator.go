package marketprice

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/faturaops/backend/internal/faults"
)

// Validator error codes. These are wire-stable: clients key on them.
const (
	CodeInvalidPeriodFormat    = "INVALID_PERIOD_FORMAT"
	CodeFuturePeriod           = "FUTURE_PERIOD"
	CodeDecimalCommaNotAllowed = "DECIMAL_COMMA_NOT_ALLOWED"
	CodeInvalidDecimalFormat   = "INVALID_DECIMAL_FORMAT"
	CodeValueRequired          = "VALUE_REQUIRED"
	CodeValueOutOfRange        = "VALUE_OUT_OF_RANGE"
	CodeTooManyDecimals        = "TOO_MANY_DECIMALS"
	CodeInvalidStatus          = "INVALID_STATUS"
	CodeInvalidPriceType       = "INVALID_PRICE_TYPE"
)

var (
	periodRe  = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
	decimalRe = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// MaxValue is the upper bound for any price value, in hundredths.
const MaxValue = Decimal2(10_000 * 100)

// Plausibility band: values outside it are accepted with a warning.
const (
	warnLow  = Decimal2(1_000 * 100)
	warnHigh = Decimal2(5_000 * 100)
)

// istanbul resolves once; the period bound is evaluated in local billing time.
var istanbul = mustLoadLocation("Europe/Istanbul")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("TRT", 3*60*60)
	}
	return loc
}

// CurrentPeriod returns the YYYY-MM period for now in Europe/Istanbul.
func CurrentPeriod(now time.Time) string {
	return now.In(istanbul).Format("2006-01")
}

// Input is the raw upsert payload before normalization. String values
// are trimmed but never reformatted: "2026-2" is rejected, not promoted.
type Input struct {
	Period    string
	Value     string
	Status    string
	PriceType string
}

// Normalized is the validated record-shaped output.
type Normalized struct {
	Period    string
	Value     Decimal2
	Status    Status
	PriceType string
	Warnings  []string
}

// Validate normalizes and checks an input against the period/value/status
// contracts. The first violated contract is returned; warnings only
// accompany a successful result.
func Validate(in Input, now time.Time) (*Normalized, error) {
	period := strings.TrimSpace(in.Period)
	if !periodRe.MatchString(period) {
		return nil, &faults.ValidationError{Code: CodeInvalidPeriodFormat, Field: "period",
			Message: "period must match YYYY-MM"}
	}
	if period > CurrentPeriod(now) {
		return nil, &faults.ValidationError{Code: CodeFuturePeriod, Field: "period",
			Message: "period is in the future"}
	}

	value, err := parseValue(in.Value)
	if err != nil {
		return nil, err
	}
	if value <= 0 || value > MaxValue {
		return nil, &faults.ValidationError{Code: CodeValueOutOfRange, Field: "value",
			Message: "value must be > 0 and <= 10000"}
	}

	status := Status(strings.TrimSpace(in.Status))
	if status == "" {
		status = StatusProvisional
	}
	if status != StatusProvisional && status != StatusFinal {
		return nil, &faults.ValidationError{Code: CodeInvalidStatus, Field: "status",
			Message: "status must be provisional or final"}
	}

	priceType := strings.TrimSpace(in.PriceType)
	if priceType == "" {
		priceType = PriceTypePTF
	}
	if !allowedPriceTypes[priceType] {
		return nil, &faults.ValidationError{Code: CodeInvalidPriceType, Field: "price_type",
			Message: "unknown price type"}
	}

	n := &Normalized{Period: period, Value: value, Status: status, PriceType: priceType}
	if value < warnLow || value > warnHigh {
		n.Warnings = append(n.Warnings,
			"value "+value.String()+" is outside the plausible band [1000, 5000] TL/MWh")
	}
	return n, nil
}

// parseValue parses an exact two-decimal value. Decimal commas and
// scientific notation are rejected, not repaired.
func parseValue(raw string) (Decimal2, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, &faults.ValidationError{Code: CodeValueRequired, Field: "value",
			Message: "value is required"}
	}
	if strings.Contains(s, ",") {
		return 0, &faults.ValidationError{Code: CodeDecimalCommaNotAllowed, Field: "value",
			Message: "decimal comma is not allowed; use a dot"}
	}
	if !decimalRe.MatchString(s) {
		return 0, &faults.ValidationError{Code: CodeInvalidDecimalFormat, Field: "value",
			Message: "malformed numeric value"}
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, &faults.ValidationError{Code: CodeTooManyDecimals, Field: "value",
			Message: "at most 2 fractional digits"}
	}

	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, &faults.ValidationError{Code: CodeInvalidDecimalFormat, Field: "value",
			Message: "malformed numeric value"}
	}
	for len(frac) < 2 {
		frac += "0"
	}
	hundredths, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, &faults.ValidationError{Code: CodeInvalidDecimalFormat, Field: "value",
			Message: "malformed numeric value"}
	}

	v := Decimal2(units*100 + hundredths)
	if neg {
		v = -v
	}
	return v, nil
}
