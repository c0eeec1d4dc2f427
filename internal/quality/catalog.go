// Package quality folds multi-source defect signals into a deterministic
// per-invoice quality scorecard. Every flag code used anywhere in the
// engine appears in the catalog; the priority rank is a total order, and
// primary-flag selection is a pure function of the flag set.
package quality

import "sort"

// Severity buckets. S1 and S2 materialize incidents; S3 and S4 only
// deduct from the score.
type Severity string

const (
	S1 Severity = "S1"
	S2 Severity = "S2"
	S3 Severity = "S3"
	S4 Severity = "S4"
)

// Flag is a stable defect code.
type Flag string

const (
	FlagCalcBug              Flag = "CALC_BUG"
	FlagMarketPriceMissing   Flag = "MARKET_PRICE_MISSING"
	FlagConsumptionMissing   Flag = "CONSUMPTION_MISSING"
	FlagTariffMetaMissing    Flag = "TARIFF_META_MISSING"
	FlagTariffLookupFailed   Flag = "TARIFF_LOOKUP_FAILED"
	FlagDistributionMissing  Flag = "DISTRIBUTION_MISSING"
	FlagInvoiceTotalMismatch Flag = "INVOICE_TOTAL_MISMATCH"
	FlagDistributionMismatch Flag = "DISTRIBUTION_MISMATCH"
	FlagMissingFields        Flag = "MISSING_FIELDS"
	FlagJSONRepairApplied    Flag = "JSON_REPAIR_APPLIED"
	FlagLowConfidence        Flag = "LOW_CONFIDENCE"
)

// CatalogEntry describes one flag: default severity, operator-facing
// message, score deduction, and priority rank. Lower rank wins primary
// selection.
type CatalogEntry struct {
	Severity  Severity
	Message   string
	Deduction int
	Priority  int
}

// Catalog is the static flag registry.
var Catalog = map[Flag]CatalogEntry{
	FlagCalcBug:              {S1, "calculator produced a zero line despite a successful lookup", 50, 10},
	FlagMarketPriceMissing:   {S1, "no market price available for the billing period", 40, 20},
	FlagConsumptionMissing:   {S1, "consumption could not be extracted from the invoice", 40, 30},
	FlagTariffMetaMissing:    {S1, "distribution tariff metadata missing for the supplier", 35, 40},
	FlagTariffLookupFailed:   {S1, "distribution tariff lookup failed", 35, 50},
	FlagDistributionMissing:  {S1, "distribution price not found for the billing period", 35, 60},
	FlagInvoiceTotalMismatch: {S2, "computed total does not match the invoice total", 25, 70},
	FlagDistributionMismatch: {S2, "invoice distribution line differs from the tariff table", 15, 80},
	FlagMissingFields:        {S2, "one or more invoice fields could not be extracted", 15, 90},
	FlagJSONRepairApplied:    {S3, "extraction output needed JSON repair", 5, 100},
	FlagLowConfidence:        {S3, "extraction confidence below threshold", 5, 110},
}

func priorityOf(f Flag) int {
	if e, ok := Catalog[f]; ok {
		return e.Priority
	}
	// Unknown codes sort last so a catalog gap cannot steal primary.
	return 1 << 20
}

// SeverityOf returns the catalog severity for a flag.
func SeverityOf(f Flag) Severity {
	if e, ok := Catalog[f]; ok {
		return e.Severity
	}
	return S4
}

// NormalizeFlags dedupes and sorts ascending by priority rank.
// Idempotent: normalize(normalize(f)) == normalize(f).
func NormalizeFlags(flags []Flag) []Flag {
	seen := make(map[Flag]bool, len(flags))
	out := make([]Flag, 0, len(flags))
	for _, f := range flags {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := priorityOf(out[i]), priorityOf(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i] < out[j]
	})
	return out
}

// PrimaryFlag selects the single highest-priority code. Deterministic
// for any permutation of the input set. Empty input returns "".
func PrimaryFlag(flags []Flag) Flag {
	n := NormalizeFlags(flags)
	if len(n) == 0 {
		return ""
	}
	return n[0]
}
