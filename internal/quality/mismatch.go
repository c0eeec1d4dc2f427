package quality

import (
	"math"

	"github.com/faturaops/backend/internal/config"
)

// Action classes recommended for a total mismatch.
const (
	ActionVerifyOCR               = "VERIFY_OCR"
	ActionVerifyInvoiceLogic      = "VERIFY_INVOICE_LOGIC"
	ActionAcceptRoundingTolerance = "ACCEPT_ROUNDING_TOLERANCE"
)

// SuspectOCRLocale marks a mismatch that looks like an OCR locale
// artifact (decimal separator swallowed) rather than billing logic.
const SuspectOCRLocale = "OCR_LOCALE_SUSPECT"

// MismatchInfo is the classification of one invoice-total mismatch.
type MismatchInfo struct {
	Delta         float64  `json:"delta"`
	Ratio         float64  `json:"ratio"`
	Severity      Severity `json:"severity"`
	SuspectReason string   `json:"suspect_reason,omitempty"`
	ActionClass   string   `json:"action_class"`
}

// ClassifyMismatch compares invoice total against computed total.
// Returns nil inside the rounding tolerance (no flag is emitted).
//
// Escalation to S1: (ratio >= severe_ratio AND delta >= absolute) OR
// delta >= severe_absolute. Plain S2: ratio >= ratio OR delta >= absolute.
// minConfidence is the lowest extraction confidence among the amount
// fields; combined with an extreme ratio it flips the action class to
// VERIFY_OCR.
func ClassifyMismatch(invoiceTotal, computedTotal, minConfidence float64, cfg config.MismatchConfig, lowConfidence float64) *MismatchInfo {
	delta := math.Abs(invoiceTotal - computedTotal)
	base := math.Abs(computedTotal)
	if base == 0 {
		base = math.Abs(invoiceTotal)
	}
	var ratio float64
	if base > 0 {
		ratio = delta / base
	}

	if delta < cfg.RoundingDelta && ratio < cfg.RoundingRatio {
		return nil
	}
	if ratio < cfg.Ratio && delta < cfg.Absolute {
		// Above rounding tolerance but below the flag thresholds.
		return nil
	}

	info := &MismatchInfo{Delta: delta, Ratio: ratio, Severity: S2, ActionClass: ActionVerifyInvoiceLogic}
	if (ratio >= cfg.SevereRatio && delta >= cfg.Absolute) || delta >= cfg.SevereAbsolute {
		info.Severity = S1
	}
	if minConfidence > 0 && minConfidence < lowConfidence && ratio >= cfg.OCRSuspectRatio {
		info.SuspectReason = SuspectOCRLocale
		info.ActionClass = ActionVerifyOCR
	}
	return info
}
