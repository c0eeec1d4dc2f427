package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is bumped whenever the shape of the threshold tree changes.
const SchemaVersion = 3

// Validate runs the startup invariant gate. Every broken invariant is
// collected; the returned error enumerates all of them so operators can
// fix a bad deployment in one pass. Boot must abort on a non-nil result.
func (c *Config) Validate() error {
	var violations []string

	if c.Mismatch.SevereRatio < c.Mismatch.Ratio {
		violations = append(violations, fmt.Sprintf(
			"mismatch.severe_ratio (%v) must be >= mismatch.ratio (%v)",
			c.Mismatch.SevereRatio, c.Mismatch.Ratio))
	}
	if c.Mismatch.SevereAbsolute < c.Mismatch.Absolute {
		violations = append(violations, fmt.Sprintf(
			"mismatch.severe_absolute (%v) must be >= mismatch.absolute (%v)",
			c.Mismatch.SevereAbsolute, c.Mismatch.Absolute))
	}
	if c.Mismatch.RoundingRatio >= c.Mismatch.Ratio {
		violations = append(violations, fmt.Sprintf(
			"mismatch.rounding_ratio (%v) must be strictly < mismatch.ratio (%v)",
			c.Mismatch.RoundingRatio, c.Mismatch.Ratio))
	}
	if c.Validation.MinUnitPrice >= c.Validation.MaxUnitPrice {
		violations = append(violations, fmt.Sprintf(
			"validation.min_unit_price (%v) must be < validation.max_unit_price (%v)",
			c.Validation.MinUnitPrice, c.Validation.MaxUnitPrice))
	}
	if c.Validation.MinDistPrice >= c.Validation.MaxDistPrice {
		violations = append(violations, fmt.Sprintf(
			"validation.min_dist_price (%v) must be < validation.max_dist_price (%v)",
			c.Validation.MinDistPrice, c.Validation.MaxDistPrice))
	}
	if c.Validation.HardStopDelta < c.Mismatch.SevereRatio*100 {
		violations = append(violations, fmt.Sprintf(
			"validation.hard_stop_delta (%v) must be >= mismatch.severe_ratio*100 (%v)",
			c.Validation.HardStopDelta, c.Mismatch.SevereRatio*100))
	}
	for name, v := range c.numericThresholds() {
		if v <= 0 {
			violations = append(violations, fmt.Sprintf("%s (%v) must be > 0", name, v))
		}
	}
	if c.Validation.LowConfidence <= 0 || c.Validation.LowConfidence >= 1 {
		violations = append(violations, fmt.Sprintf(
			"validation.low_confidence (%v) must be in (0, 1)", c.Validation.LowConfidence))
	}

	if len(violations) == 0 {
		return nil
	}
	return errors.New("config invariant violations:\n  - " + strings.Join(violations, "\n  - "))
}

// numericThresholds enumerates every configured numeric threshold for the
// "all thresholds positive" invariant.
func (c *Config) numericThresholds() map[string]float64 {
	m := map[string]float64{
		"mismatch.ratio":                 c.Mismatch.Ratio,
		"mismatch.severe_ratio":          c.Mismatch.SevereRatio,
		"mismatch.absolute":              c.Mismatch.Absolute,
		"mismatch.severe_absolute":       c.Mismatch.SevereAbsolute,
		"mismatch.rounding_ratio":        c.Mismatch.RoundingRatio,
		"mismatch.rounding_delta":        c.Mismatch.RoundingDelta,
		"mismatch.ocr_suspect_ratio":     c.Mismatch.OCRSuspectRatio,
		"drift.min_sample":               float64(c.Drift.MinSample),
		"drift.min_absolute_delta":       float64(c.Drift.MinAbsoluteDelta),
		"drift.rate_multiplier":          c.Drift.RateMultiplier,
		"alert.offender_min_volume":      float64(c.Alert.OffenderMinVolume),
		"recovery.max_retry_attempts":    float64(c.Recovery.MaxRetryAttempts),
		"recovery.retry_lock_duration":   float64(c.Recovery.RetryLockDuration),
		"recovery.max_recompute_count":   float64(c.Recovery.MaxRecomputeCount),
		"recovery.stuck_after":           float64(c.Recovery.StuckAfter),
		"validation.min_unit_price":      c.Validation.MinUnitPrice,
		"validation.max_unit_price":      c.Validation.MaxUnitPrice,
		"validation.min_dist_price":      c.Validation.MinDistPrice,
		"validation.max_dist_price":      c.Validation.MaxDistPrice,
		"validation.hard_stop_delta":     c.Validation.HardStopDelta,
		"feedback.min_sample_size":       float64(c.Feedback.MinSampleSize),
		"dependencies.failure_threshold": float64(c.Dependencies.FailureThreshold),
		"dependencies.open_duration_ms":  float64(c.Dependencies.OpenDurationMS),
		"dependencies.backoff_base_ms":   float64(c.Dependencies.BackoffBaseMS),
		"dependencies.backoff_cap_ms":    float64(c.Dependencies.BackoffCapMS),
		"dependencies.jitter_pct":        c.Dependencies.JitterPct,
	}
	return m
}

// Hash returns the first 16 hex characters of the SHA-256 of the
// serialized threshold summary. Two processes answering the readiness
// probe with different hashes are running drifted configuration.
func (c *Config) Hash() string {
	summary := fmt.Sprintf(
		"v%d|mismatch=%v,%v,%v,%v,%v,%v,%v|drift=%d,%d,%v|alert=%d|recovery=%d,%v,%d,%v|validation=%v,%v,%v,%v,%v,%v|feedback=%d|deps=%d,%d,%d,%d,%v",
		SchemaVersion,
		c.Mismatch.Ratio, c.Mismatch.SevereRatio, c.Mismatch.Absolute, c.Mismatch.SevereAbsolute,
		c.Mismatch.RoundingRatio, c.Mismatch.RoundingDelta, c.Mismatch.OCRSuspectRatio,
		c.Drift.MinSample, c.Drift.MinAbsoluteDelta, c.Drift.RateMultiplier,
		c.Alert.OffenderMinVolume,
		c.Recovery.MaxRetryAttempts, c.Recovery.RetryLockDuration, c.Recovery.MaxRecomputeCount, c.Recovery.StuckAfter,
		c.Validation.MinUnitPrice, c.Validation.MaxUnitPrice, c.Validation.MinDistPrice,
		c.Validation.MaxDistPrice, c.Validation.HardStopDelta, c.Validation.LowConfidence,
		c.Feedback.MinSampleSize,
		c.Dependencies.FailureThreshold, c.Dependencies.OpenDurationMS,
		c.Dependencies.BackoffBaseMS, c.Dependencies.BackoffCapMS, c.Dependencies.JitterPct,
	)
	sum := sha256.Sum256([]byte(summary))
	return hex.EncodeToString(sum[:])[:16]
}
