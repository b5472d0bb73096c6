package processor

import (
	"flag"
	"time"
)

// Config for the pipeline orchestrator's periodic work.
type Config struct {
	FinalizeInterval  time.Duration `yaml:"finalize_interval"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	ShutdownDrain     time.Duration `yaml:"shutdown_drain"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.FinalizeInterval, prefix+".finalize-interval", 5*time.Second, "How often completed metric windows are finalized.")
	f.DurationVar(&cfg.WatchdogInterval, prefix+".watchdog-interval", time.Minute, "How often service liveness is checked.")
	cfg.RetentionInterval = time.Hour
	cfg.ShutdownDrain = 10 * time.Second
}
