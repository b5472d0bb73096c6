package ingester

import "flag"

// Config bounds ingest batches.
type Config struct {
	MaxBatchSize int `yaml:"max_batch_size"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxBatchSize, prefix+".max-batch-size", 1000, "Maximum records accepted in one ingest batch.")
}
