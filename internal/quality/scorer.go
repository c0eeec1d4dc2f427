package quality

import (
	"strings"

	"github.com/faturaops/backend/internal/config"
)

// Extraction is the (externally produced) field extraction result.
type Extraction struct {
	Supplier        string             `json:"supplier"`
	InvoiceNo       string             `json:"invoice_no"`
	Period          string             `json:"period"`
	ConsumptionKWh  float64            `json:"consumption_kwh"`
	UnitPrice       float64            `json:"unit_price"`
	InvoiceTotal    float64            `json:"invoice_total"`
	FieldConfidence map[string]float64 `json:"field_confidence,omitempty"`
}

// Validation carries the validation-stage defect signals.
type Validation struct {
	MissingFields                  []string `json:"missing_fields,omitempty"`
	DistributionTariffMetaMissing  bool     `json:"distribution_tariff_meta_missing,omitempty"`
	DistributionTariffLookupFailed bool     `json:"distribution_tariff_lookup_failed,omitempty"`
	DistributionLineMismatch       bool     `json:"distribution_line_mismatch,omitempty"`
}

// Pricing source meta values emitted by the calculator.
const (
	SourceDB       = "db"
	SourceNotFound = "not_found"
	SourceDefault  = "default"
)

// Calculation is the calculator's output plus its meta block.
type Calculation struct {
	EnergyTotal            float64       `json:"energy_total"`
	DistributionTotal      float64       `json:"distribution_total"`
	ComputedTotal          float64       `json:"computed_total"`
	MetaPricingSource      string        `json:"meta_pricing_source"`
	MetaDistributionSource string        `json:"meta_distribution_source"`
	MetaTotalMismatch      bool          `json:"meta_total_mismatch"`
	MismatchInfo           *MismatchInfo `json:"meta_total_mismatch_info,omitempty"`
}

// DebugMeta carries extraction-pipeline diagnostics.
type DebugMeta struct {
	JSONRepairApplied bool `json:"json_repair_applied,omitempty"`
}

// ScoreInput bundles everything the scorer folds.
type ScoreInput struct {
	Extraction       Extraction  `json:"extraction"`
	Validation       Validation  `json:"validation"`
	Calculation      Calculation `json:"calculation"`
	CalculationError string      `json:"calculation_error,omitempty"`
	DebugMeta        DebugMeta   `json:"debug_meta,omitempty"`
}

// Grade buckets over the 0-100 score.
type Grade string

const (
	GradeOK    Grade = "OK"    // >= 80
	GradeCheck Grade = "CHECK" // 50-79
	GradeBad   Grade = "BAD"   // < 50
)

// FlagDetail is the structured evidence for one emitted flag.
type FlagDetail struct {
	Severity      Severity `json:"severity"`
	Message       string   `json:"message"`
	Field         string   `json:"field,omitempty"`
	Delta         float64  `json:"delta,omitempty"`
	Ratio         float64  `json:"ratio,omitempty"`
	SuspectReason string   `json:"suspect_reason,omitempty"`
	ActionClass   string   `json:"action_class,omitempty"`
}

// QualityScore is the per-invoice outcome. Flags are order-normalized.
type QualityScore struct {
	Score       int                 `json:"score"`
	Grade       Grade               `json:"grade"`
	Flags       []Flag              `json:"flags"`
	FlagDetails map[Flag]FlagDetail `json:"flag_details"`
}

// Scorer derives flag sets from defect signals.
type Scorer struct {
	mismatch      config.MismatchConfig
	lowConfidence float64
}

func NewScorer(cfg *config.Config) *Scorer {
	return &Scorer{
		mismatch:      cfg.Mismatch,
		lowConfidence: cfg.Validation.LowConfidence,
	}
}

// Score maps the input signals to the deterministically-ordered flag set
// and the 0-100 score. The flag derivation is a closed contract: every
// rule lands on a catalog code.
func (s *Scorer) Score(in ScoreInput) QualityScore {
	var flags []Flag
	details := make(map[Flag]FlagDetail)
	add := func(f Flag, d FlagDetail) {
		if d.Severity == "" {
			d.Severity = SeverityOf(f)
		}
		if d.Message == "" {
			d.Message = Catalog[f].Message
		}
		flags = append(flags, f)
		if _, exists := details[f]; !exists {
			details[f] = d
		}
	}

	if mentionsMarketPrice(in.CalculationError) {
		add(FlagMarketPriceMissing, FlagDetail{})
	}

	if containsField(in.Validation.MissingFields, "consumption_kwh") {
		add(FlagConsumptionMissing, FlagDetail{Field: "consumption_kwh"})
	} else if len(in.Validation.MissingFields) > 0 {
		add(FlagMissingFields, FlagDetail{Field: strings.Join(in.Validation.MissingFields, ",")})
	}

	if in.Validation.DistributionTariffMetaMissing {
		add(FlagTariffMetaMissing, FlagDetail{})
	} else if in.Validation.DistributionTariffLookupFailed {
		add(FlagTariffLookupFailed, FlagDetail{})
	}
	if in.Validation.DistributionLineMismatch {
		add(FlagDistributionMismatch, FlagDetail{})
	}

	if in.Calculation.MetaPricingSource == SourceNotFound || in.Calculation.MetaPricingSource == SourceDefault {
		add(FlagMarketPriceMissing, FlagDetail{})
	}
	if in.Calculation.MetaDistributionSource == SourceNotFound {
		add(FlagDistributionMissing, FlagDetail{})
	}
	if in.Calculation.DistributionTotal == 0 &&
		in.Calculation.MetaDistributionSource == SourceDB &&
		in.Extraction.ConsumptionKWh > 0 {
		add(FlagCalcBug, FlagDetail{})
	}

	if in.Calculation.MetaTotalMismatch {
		info := in.Calculation.MismatchInfo
		if info == nil {
			info = ClassifyMismatch(
				in.Extraction.InvoiceTotal, in.Calculation.ComputedTotal,
				minAmountConfidence(in.Extraction), s.mismatch, s.lowConfidence)
		}
		if info != nil {
			add(FlagInvoiceTotalMismatch, FlagDetail{
				Severity:      info.Severity,
				Delta:         info.Delta,
				Ratio:         info.Ratio,
				SuspectReason: info.SuspectReason,
				ActionClass:   info.ActionClass,
			})
		}
	}

	if in.DebugMeta.JSONRepairApplied {
		add(FlagJSONRepairApplied, FlagDetail{})
	}
	for field, conf := range in.Extraction.FieldConfidence {
		if conf < s.lowConfidence {
			add(FlagLowConfidence, FlagDetail{Field: field})
			break
		}
	}

	normalized := NormalizeFlags(flags)
	score := 100
	for _, f := range normalized {
		score -= Catalog[f].Deduction
	}
	if score < 0 {
		score = 0
	}

	return QualityScore{
		Score:       score,
		Grade:       gradeFor(score),
		Flags:       normalized,
		FlagDetails: details,
	}
}

func gradeFor(score int) Grade {
	switch {
	case score >= 80:
		return GradeOK
	case score >= 50:
		return GradeCheck
	default:
		return GradeBad
	}
}

func mentionsMarketPrice(calcErr string) bool {
	if calcErr == "" {
		return false
	}
	lower := strings.ToLower(calcErr)
	return strings.Contains(lower, "market price") || strings.Contains(lower, "ptf")
}

func containsField(fields []string, want string) bool {
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}

// minAmountConfidence returns the lowest confidence among the amount
// fields, or 0 when no confidence was reported.
func minAmountConfidence(e Extraction) float64 {
	min := 0.0
	for _, field := range []string{"consumption_kwh", "unit_price", "invoice_total"} {
		if c, ok := e.FieldConfidence[field]; ok {
			if min == 0 || c < min {
				min = c
			}
		}
	}
	return min
}
