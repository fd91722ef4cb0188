package batcher

import (
	"flag"
	"time"
)

type Config struct {
	// Capacity bounds the ring buffer; pushes beyond it are rejected.
	Capacity  int `yaml:"capacity"`
	BatchSize int `yaml:"batch_size"`

	// PoolThreshold holds dispatch while the worker pool has this many
	// pending tasks.
	PoolThreshold int           `yaml:"pool_threshold"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Capacity = 10000
	cfg.BatchSize = 100
	cfg.PoolThreshold = 50
	cfg.PollInterval = 200 * time.Millisecond
}
