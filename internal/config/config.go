// Package config is the single source of threshold truth for the invoice
// QA engine. The tree is loaded once at boot, validated by the invariant
// gate, and treated as frozen afterwards.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Mismatch     MismatchConfig     `yaml:"mismatch"`
	Drift        DriftConfig        `yaml:"drift"`
	Alert        AlertConfig        `yaml:"alert"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Validation   ValidationConfig   `yaml:"validation"`
	Feedback     FeedbackConfig     `yaml:"feedback"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
}

// MismatchConfig controls invoice-total mismatch classification.
// Ratios are fractions (0.02 = 2%), absolute values are TL.
type MismatchConfig struct {
	Ratio          float64 `yaml:"ratio"`
	SevereRatio    float64 `yaml:"severe_ratio"`
	Absolute       float64 `yaml:"absolute"`
	SevereAbsolute float64 `yaml:"severe_absolute"`
	RoundingRatio  float64 `yaml:"rounding_ratio"`
	RoundingDelta  float64 `yaml:"rounding_delta"`
	// OCRSuspectRatio is the ratio above which a mismatch on a
	// low-confidence extraction is treated as an OCR locale artifact
	// rather than a billing-logic defect.
	OCRSuspectRatio float64 `yaml:"ocr_suspect_ratio"`
}

type DriftConfig struct {
	MinSample        int     `yaml:"min_sample"`
	MinAbsoluteDelta int     `yaml:"min_absolute_delta"`
	RateMultiplier   float64 `yaml:"rate_multiplier"`
}

type AlertConfig struct {
	OffenderMinVolume int `yaml:"offender_min_volume"`
}

type RecoveryConfig struct {
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	RetryLockDuration time.Duration `yaml:"retry_lock_duration"`
	MaxRecomputeCount int           `yaml:"max_recompute_count"`
	StuckAfter        time.Duration `yaml:"stuck_after"`
}

type ValidationConfig struct {
	MinUnitPrice  float64 `yaml:"min_unit_price"`
	MaxUnitPrice  float64 `yaml:"max_unit_price"`
	MinDistPrice  float64 `yaml:"min_dist_price"`
	MaxDistPrice  float64 `yaml:"max_dist_price"`
	HardStopDelta float64 `yaml:"hard_stop_delta"`
	LowConfidence float64 `yaml:"low_confidence"`
}

type FeedbackConfig struct {
	MinSampleSize int `yaml:"min_sample_size"`
}

// DependenciesConfig drives the outbound-call guard stack: per-dependency
// timeouts and read-path retry budgets, breaker thresholds, and the
// exponential backoff envelope.
type DependenciesConfig struct {
	TimeoutMS        map[string]int `yaml:"timeout_ms"`
	Retries          map[string]int `yaml:"retries"`
	FailureThreshold int            `yaml:"failure_threshold"`
	OpenDurationMS   int            `yaml:"open_duration_ms"`
	BackoffBaseMS    int            `yaml:"backoff_base_ms"`
	BackoffCapMS     int            `yaml:"backoff_cap_ms"`
	JitterPct        float64        `yaml:"jitter_pct"`
}

// Default returns the production threshold tree.
func Default() *Config {
	return &Config{
		Mismatch: MismatchConfig{
			Ratio:           0.005,
			SevereRatio:     0.02,
			Absolute:        100,
			SevereAbsolute:  1000,
			RoundingRatio:   0.001,
			RoundingDelta:   1,
			OCRSuspectRatio: 0.50,
		},
		Drift: DriftConfig{
			MinSample:        20,
			MinAbsoluteDelta: 5,
			RateMultiplier:   2.0,
		},
		Alert: AlertConfig{
			OffenderMinVolume: 20,
		},
		Recovery: RecoveryConfig{
			MaxRetryAttempts:  4,
			RetryLockDuration: 5 * time.Minute,
			MaxRecomputeCount: 5,
			StuckAfter:        10 * time.Minute,
		},
		Validation: ValidationConfig{
			MinUnitPrice:  0.1,
			MaxUnitPrice:  50,
			MinDistPrice:  0.01,
			MaxDistPrice:  10,
			HardStopDelta: 200,
			LowConfidence: 0.70,
		},
		Feedback: FeedbackConfig{
			MinSampleSize: 10,
		},
		Dependencies: DependenciesConfig{
			TimeoutMS: map[string]int{
				"postgres":     2000,
				"redis":        500,
				"tariff_api":   5000,
				"epias_api":    5000,
				"extraction":   30000,
				"file_storage": 10000,
			},
			Retries: map[string]int{
				"postgres":     2,
				"redis":        2,
				"tariff_api":   3,
				"epias_api":    3,
				"extraction":   1,
				"file_storage": 2,
			},
			FailureThreshold: 5,
			OpenDurationMS:   30000,
			BackoffBaseMS:    200,
			BackoffCapMS:     5000,
			JitterPct:        0.2,
		},
	}
}

// Load reads a YAML threshold file over the defaults. A missing file is
// not an error: the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (d DependenciesConfig) Timeout(dep string) time.Duration {
	if ms, ok := d.TimeoutMS[dep]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 5 * time.Second
}

func (d DependenciesConfig) MaxRetries(dep string) int {
	if n, ok := d.Retries[dep]; ok {
		return n
	}
	return 0
}

func (d DependenciesConfig) OpenDuration() time.Duration {
	return time.Duration(d.OpenDurationMS) * time.Millisecond
}
