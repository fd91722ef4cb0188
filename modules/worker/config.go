package worker

import (
	"flag"
	"runtime"
)

type Config struct {
	// Workers is the number of pool goroutines. 0 means cores - 1.
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Workers = 0
	cfg.QueueDepth = 10000
}

func (cfg *Config) workerCount() int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}
