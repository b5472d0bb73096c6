package detector

import (
	"flag"
	"time"
)

// Config for the hybrid anomaly detector.
type Config struct {
	// Error-rate model
	BucketDuration      time.Duration `yaml:"bucket_duration"`
	BaselineBuckets     int           `yaml:"baseline_buckets"`
	RecentBuckets       int           `yaml:"recent_buckets"`
	MinBaselineFill     int           `yaml:"min_baseline_fill"`
	SigmaMin            float64       `yaml:"sigma_min"`
	ZScoreThreshold     float64       `yaml:"z_score_threshold"`
	DeltaMin            float64       `yaml:"delta_min"`
	MinTotal            int64         `yaml:"min_total"`
	MinErrorCount       int64         `yaml:"min_error_count"`
	MinErrorRate        float64       `yaml:"min_error_rate"`
	RateChangeThreshold float64       `yaml:"rate_change_threshold"`
	Cooldown            time.Duration `yaml:"cooldown"`

	// Metric and liveness rules
	LatencyThresholdMs float64       `yaml:"latency_threshold_ms"`
	DowntimeThreshold  time.Duration `yaml:"downtime_threshold"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.BucketDuration = 60 * time.Second
	f.IntVar(&cfg.BaselineBuckets, prefix+".baseline-buckets", 60, "Closed buckets kept in the error-rate baseline.")
	cfg.RecentBuckets = 5
	cfg.MinBaselineFill = 5
	cfg.SigmaMin = 0.01
	f.Float64Var(&cfg.ZScoreThreshold, prefix+".z-score-threshold", 3.0, "Z-score above which the error-rate signal fires.")
	cfg.DeltaMin = 0.02
	cfg.MinTotal = 20
	cfg.MinErrorCount = 5
	cfg.MinErrorRate = 0.02
	f.Float64Var(&cfg.RateChangeThreshold, prefix+".rate-change-threshold", 0.5, "Relative lift over the recent average above which the rate-of-change signal fires.")
	f.DurationVar(&cfg.Cooldown, prefix+".cooldown", 2*time.Minute, "Minimum interval between repeated signals for the same reason.")

	f.Float64Var(&cfg.LatencyThresholdMs, prefix+".latency-threshold-ms", 1000, "P95 latency in milliseconds above which HIGH_LATENCY alerts fire.")
	f.DurationVar(&cfg.DowntimeThreshold, prefix+".downtime-threshold", 5*time.Minute, "Silence after which a service is considered down.")
}
