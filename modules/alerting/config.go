package alerting

import (
	"flag"
	"time"

	"github.com/lumenobs/lumen/pkg/model"
)

// SMTPConfig is the shared email transport used by email channels and the
// owner-email fallback.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

func (c SMTPConfig) Configured() bool { return c.Host != "" && c.From != "" }

// Config for deduplication and dispatch.
type Config struct {
	DedupeWindow      time.Duration `yaml:"dedupe_window"`
	DedupeSkewBuckets int           `yaml:"dedupe_skew_buckets"`
	RetryLimit        int           `yaml:"retry_limit"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`

	CooldownLow      time.Duration `yaml:"cooldown_low"`
	CooldownMedium   time.Duration `yaml:"cooldown_medium"`
	CooldownHigh     time.Duration `yaml:"cooldown_high"`
	CooldownCritical time.Duration `yaml:"cooldown_critical"`

	BatchWindow time.Duration `yaml:"batch_window"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`

	SMTP SMTPConfig `yaml:"smtp"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.DedupeWindow = 5 * time.Second
	f.IntVar(&cfg.DedupeSkewBuckets, prefix+".dedupe-skew-buckets", 1, "Extra dedupe buckets searched on either side to tolerate clock skew.")
	cfg.RetryLimit = 3
	cfg.RetryBaseDelay = 50 * time.Millisecond

	cfg.CooldownLow = 15 * time.Minute
	cfg.CooldownMedium = 10 * time.Minute
	f.DurationVar(&cfg.CooldownHigh, prefix+".cooldown-high", 5*time.Minute, "Minimum interval between deliveries of HIGH alerts for the same service and type.")
	f.DurationVar(&cfg.CooldownCritical, prefix+".cooldown-critical", time.Minute, "Minimum interval between deliveries of CRITICAL alerts for the same service and type.")

	cfg.BatchWindow = 5 * time.Minute
	cfg.SinkTimeout = 10 * time.Second

	f.StringVar(&cfg.SMTP.Host, prefix+".smtp-host", "", "SMTP host for email delivery. Empty disables the email sink.")
	cfg.SMTP.Port = 587
	f.StringVar(&cfg.SMTP.From, prefix+".smtp-from", "", "From address for alert emails.")
}

// Cooldown returns the delivery cooldown for a severity.
func (cfg Config) Cooldown(s model.Severity) time.Duration {
	switch s {
	case model.SeverityCritical:
		return cfg.CooldownCritical
	case model.SeverityHigh:
		return cfg.CooldownHigh
	case model.SeverityMedium:
		return cfg.CooldownMedium
	default:
		return cfg.CooldownLow
	}
}
