package storage

import (
	"flag"
	"time"
)

// Config for the Postgres-backed store.
type Config struct {
	DatabaseURL     string        `yaml:"database_url"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
	RetryLimit      int           `yaml:"retry_limit"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.DatabaseURL, prefix+".database-url", "", "Postgres connection string. Falls back to the DATABASE_URL environment variable.")
	cfg.MaxConns = 16
	cfg.ConnectTimeout = 10 * time.Second
	cfg.RetentionPeriod = 90 * 24 * time.Hour
	cfg.RetryLimit = 3
}
