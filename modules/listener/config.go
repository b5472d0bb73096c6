package listener

import (
	"flag"
	"time"
)

// Config for the change listener.
type Config struct {
	Channel        string        `yaml:"channel"`
	CatchUpLimit   int           `yaml:"catch_up_limit"`
	ProcessedLimit int           `yaml:"processed_limit"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	MinReconnect   time.Duration `yaml:"min_reconnect"`
	MaxReconnect   time.Duration `yaml:"max_reconnect"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Channel = "log_inserted"
	f.IntVar(&cfg.CatchUpLimit, prefix+".catch-up-limit", 500, "Recent records replayed after connect to recover missed notifications.")
	cfg.ProcessedLimit = 10000
	cfg.WaitTimeout = 5 * time.Second
	cfg.MinReconnect = 100 * time.Millisecond
	cfg.MaxReconnect = 5 * time.Second
}
