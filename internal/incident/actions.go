package incident

import "github.com/faturaops/backend/internal/quality"

// ActionType is the recommended handling class for an incident.
type ActionType string

const (
	ActionUserFix     ActionType = "USER_FIX"
	ActionRetryLookup ActionType = "RETRY_LOOKUP"
	ActionFallbackOK  ActionType = "FALLBACK_OK"
	ActionBugReport   ActionType = "BUG_REPORT"
)

// Action is the static recommendation attached to an incident.
type Action struct {
	Type  ActionType `json:"type"`
	Owner string     `json:"owner"`
	Code  string     `json:"code"`
	Hint  string     `json:"hint"`
}

// ActionMap routes every incident-grade flag to its recommendation.
// RETRY_LOOKUP entries enter the automatic retry pipeline; FALLBACK_OK
// entries auto-resolve at creation.
var ActionMap = map[quality.Flag]Action{
	quality.FlagCalcBug: {
		Type: ActionBugReport, Owner: "engineering", Code: "CALC_ZERO_LINE",
		Hint: "zero distribution line with a successful lookup; file a calculator bug",
	},
	quality.FlagMarketPriceMissing: {
		Type: ActionRetryLookup, Owner: "ops", Code: "PTF_LOOKUP",
		Hint: "market price absent for the period; retry once the monthly PTF lands",
	},
	quality.FlagConsumptionMissing: {
		Type: ActionUserFix, Owner: "support", Code: "REUPLOAD_INVOICE",
		Hint: "consumption unreadable; ask the customer for a clearer upload",
	},
	quality.FlagTariffMetaMissing: {
		Type: ActionUserFix, Owner: "data", Code: "SUPPLIER_META",
		Hint: "supplier tariff metadata missing; backfill the supplier record",
	},
	quality.FlagTariffLookupFailed: {
		Type: ActionRetryLookup, Owner: "ops", Code: "TARIFF_LOOKUP",
		Hint: "tariff service lookup failed; retries with backoff",
	},
	quality.FlagDistributionMissing: {
		Type: ActionRetryLookup, Owner: "ops", Code: "DIST_LOOKUP",
		Hint: "distribution price not found for the period",
	},
	quality.FlagInvoiceTotalMismatch: {
		Type: ActionUserFix, Owner: "support", Code: "TOTAL_MISMATCH",
		Hint: "walk the line items against the computed breakdown",
	},
	quality.FlagDistributionMismatch: {
		Type: ActionFallbackOK, Owner: "ops", Code: "DIST_LINE_DIFF",
		Hint: "invoice distribution line differs; tariff-table value used for the offer",
	},
	quality.FlagMissingFields: {
		Type: ActionUserFix, Owner: "support", Code: "FIELDS_MISSING",
		Hint: "re-extract or request invoice fields from the customer",
	},
	quality.FlagJSONRepairApplied: {
		Type: ActionFallbackOK, Owner: "engineering", Code: "JSON_REPAIR",
		Hint: "extraction output repaired; spot-check the parsed fields",
	},
	quality.FlagLowConfidence: {
		Type: ActionUserFix, Owner: "support", Code: "LOW_CONFIDENCE",
		Hint: "verify low-confidence fields against the original document",
	},
}

// FlagToCategory groups flags into incident categories for dedup and
// reporting.
func FlagToCategory(f quality.Flag) string {
	switch f {
	case quality.FlagMarketPriceMissing:
		return "market_price"
	case quality.FlagTariffMetaMissing, quality.FlagTariffLookupFailed,
		quality.FlagDistributionMissing, quality.FlagDistributionMismatch:
		return "distribution"
	case quality.FlagConsumptionMissing, quality.FlagMissingFields,
		quality.FlagLowConfidence, quality.FlagJSONRepairApplied:
		return "extraction"
	case quality.FlagInvoiceTotalMismatch:
		return "total_mismatch"
	case quality.FlagCalcBug:
		return "calculator"
	default:
		return "other"
	}
}

// MismatchChecklist is the operator hint attached to total-mismatch
// incidents.
const MismatchChecklist = "1) compare consumption and unit price against the PDF " +
	"2) check the distribution line against the tariff table " +
	"3) check BTV and VAT lines 4) look for an OCR decimal shift"
