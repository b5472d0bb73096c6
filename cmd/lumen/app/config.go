package app

import (
	"flag"

	dslog "github.com/grafana/dskit/log"

	"github.com/lumenobs/lumen/modules/aggregator"
	"github.com/lumenobs/lumen/modules/alerting"
	"github.com/lumenobs/lumen/modules/api"
	"github.com/lumenobs/lumen/modules/detector"
	"github.com/lumenobs/lumen/modules/ingester"
	"github.com/lumenobs/lumen/modules/listener"
	"github.com/lumenobs/lumen/modules/processor"
	"github.com/lumenobs/lumen/modules/storage"
)

// Config is the root configuration, one section per module.
type Config struct {
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	Storage    storage.Config    `yaml:"storage"`
	Ingester   ingester.Config   `yaml:"ingester"`
	Aggregator aggregator.Config `yaml:"aggregator"`
	Detector   detector.Config   `yaml:"detector"`
	Alerting   alerting.Config   `yaml:"alerting"`
	Listener   listener.Config   `yaml:"listener"`
	Processor  processor.Config  `yaml:"processor"`
	API        api.Config        `yaml:"api"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	_ = c.LogLevel.Set("info")
	f.Var(&c.LogLevel, "log.level", "Log level: debug, info, warn, error.")
	c.LogFormat = "logfmt"
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")

	c.Storage.RegisterFlagsAndApplyDefaults("storage", f)
	c.Ingester.RegisterFlagsAndApplyDefaults("ingester", f)
	c.Aggregator.RegisterFlagsAndApplyDefaults("aggregator", f)
	c.Detector.RegisterFlagsAndApplyDefaults("detector", f)
	c.Alerting.RegisterFlagsAndApplyDefaults("alerting", f)
	c.Listener.RegisterFlagsAndApplyDefaults("listener", f)
	c.Processor.RegisterFlagsAndApplyDefaults("processor", f)
	c.API.RegisterFlagsAndApplyDefaults("api", f)
}

// ConfigWarning bundles a message with an optional remedy.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig surfaces suspect configurations without failing startup.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Storage.DatabaseURL == "" {
		warnings = append(warnings, ConfigWarning{
			Message: "storage.database-url is not set",
			Explain: "set the flag or the DATABASE_URL environment variable",
		})
	}
	if !c.Alerting.SMTP.Configured() {
		warnings = append(warnings, ConfigWarning{
			Message: "smtp is not configured",
			Explain: "email channels and the owner-email fallback will be disabled",
		})
	}
	if c.Alerting.BatchWindow < c.Alerting.DedupeWindow {
		warnings = append(warnings, ConfigWarning{
			Message: "alerting batch window is shorter than the dedupe window",
			Explain: "batched summaries will never contain more than one alert",
		})
	}
	if c.Detector.DowntimeThreshold <= c.Processor.WatchdogInterval {
		warnings = append(warnings, ConfigWarning{
			Message: "downtime threshold is not larger than the watchdog interval",
			Explain: "services may be flagged down after a single quiet check",
		})
	}
	return warnings
}
