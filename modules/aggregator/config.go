package aggregator

import (
	"flag"
	"time"
)

// Config for the windowed metric aggregator.
type Config struct {
	WindowDuration time.Duration `yaml:"window_duration"`
	Grace          time.Duration `yaml:"grace"`
	MaxLatencies   int           `yaml:"max_latencies_per_window"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.WindowDuration, prefix+".window-duration", 60*time.Second, "Tumbling window size for derived service metrics.")
	cfg.Grace = time.Second
	cfg.MaxLatencies = 10_000
}
