package api

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
)

// Config for the HTTP surface.
type Config struct {
	ListenAddr        string              `yaml:"listen_addr"`
	MaxBodyBytes      int64               `yaml:"max_body_bytes"`
	RequestTimeout    time.Duration       `yaml:"request_timeout"`
	RateLimit         int                 `yaml:"rate_limit"`
	RateWindow        time.Duration       `yaml:"rate_window"`
	HeartbeatInterval time.Duration       `yaml:"heartbeat_interval"`
	CORSOrigins       flagext.StringSlice `yaml:"cors_origins"`
	ServiceMapWindow  time.Duration       `yaml:"service_map_window"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddr, prefix+".listen-addr", ":8080", "Address the HTTP server binds to.")
	cfg.MaxBodyBytes = 10 << 20
	cfg.RequestTimeout = 30 * time.Second
	f.IntVar(&cfg.RateLimit, prefix+".rate-limit", 100, "Requests allowed per key or client IP per rate window.")
	cfg.RateWindow = 15 * time.Minute
	cfg.HeartbeatInterval = 30 * time.Second
	f.Var(&cfg.CORSOrigins, prefix+".cors-origins", "Origins allowed by CORS. Empty allows any origin.")
	cfg.ServiceMapWindow = time.Hour
}
