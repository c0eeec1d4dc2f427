// Package health computes the drift/health metric surface: triple-guard
// drift detection between reporting windows, mismatch histograms, top
// offenders, feedback calibration, the retry funnel, MTTR, and the
// readiness probe.
package health

import (
	"github.com/faturaops/backend/internal/config"
	"github.com/faturaops/backend/internal/metrics"
)

// Drift alert types.
const (
	AlertS1RateDrift       = "S1_RATE_DRIFT"
	AlertOCRSuspectDrift   = "OCR_SUSPECT_DRIFT"
	AlertMismatchRateDrift = "MISMATCH_RATE_DRIFT"
)

// DriftWindow is one reporting window's numerator/denominator pair.
type DriftWindow struct {
	Count int `json:"count"`
	Total int `json:"total"`
}

// Rate is null-safe: empty windows rate as zero.
func (w DriftWindow) Rate() float64 {
	if w.Total == 0 {
		return 0
	}
	return float64(w.Count) / float64(w.Total)
}

// DriftAlert is one fired drift signal.
type DriftAlert struct {
	Type    string  `json:"type"`
	OldRate float64 `json:"old_rate"`
	NewRate float64 `json:"new_rate"`
	Delta   int     `json:"delta"`
	Sample  int     `json:"sample"`
}

// Detector applies the triple guard.
type Detector struct {
	cfg     config.DriftConfig
	metrics *metrics.Metrics
}

func NewDetector(cfg config.DriftConfig, m *metrics.Metrics) *Detector {
	return &Detector{cfg: cfg, metrics: m}
}

// Evaluate fires an alert only when all three guards hold:
//
//  1. sample size:     new total >= min_sample
//  2. absolute delta:  |new count - old count| >= min_absolute_delta
//  3. rate doubling:   old_rate > 0 and new_rate >= multiplier*old_rate,
//     or old_rate == 0 and new count >= min_absolute_delta
//
// Any single guard failing suppresses the alert regardless of how loud
// the others are.
func (d *Detector) Evaluate(alertType string, old, new_ DriftWindow) *DriftAlert {
	if new_.Total < d.cfg.MinSample {
		return nil
	}
	delta := new_.Count - old.Count
	if delta < 0 {
		delta = -delta
	}
	if delta < d.cfg.MinAbsoluteDelta {
		return nil
	}

	oldRate, newRate := old.Rate(), new_.Rate()
	doubling := (oldRate > 0 && newRate >= d.cfg.RateMultiplier*oldRate) ||
		(oldRate == 0 && new_.Count >= d.cfg.MinAbsoluteDelta)
	if !doubling {
		return nil
	}

	if d.metrics != nil {
		d.metrics.DriftAlerts.WithLabelValues(alertType).Inc()
	}
	return &DriftAlert{
		Type:    alertType,
		OldRate: oldRate,
		NewRate: newRate,
		Delta:   delta,
		Sample:  new_.Total,
	}
}
