package main

import (
	"flag"

	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"

	"github.com/logsentinel/logsentinel/modules/analyzer"
	"github.com/logsentinel/logsentinel/modules/batcher"
	"github.com/logsentinel/logsentinel/modules/worker"
)

// Config is the root configuration: flags for the common knobs, YAML for the
// rest via -config.file.
type Config struct {
	HTTPListenAddress string `yaml:"http_listen_address"`
	HTTPListenPort    int    `yaml:"http_listen_port"`
	DBPath            string `yaml:"db_path"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	Worker   worker.Config   `yaml:"worker"`
	Batcher  batcher.Config  `yaml:"batcher"`
	Analyzer analyzer.Config `yaml:"analyzer"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets default values.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", "0.0.0.0", "HTTP server listen address")
	f.IntVar(&cfg.HTTPListenPort, "port", 8080, "HTTP server listen port")
	f.StringVar(&cfg.DBPath, "db", "LogSentinel.db", "Path to the SQLite database file")

	cfg.LogLevel.RegisterFlags(f)
	cfg.LogFormat = "logfmt"

	cfg.Worker.RegisterFlagsAndApplyDefaults("worker", f)
	cfg.Batcher.RegisterFlagsAndApplyDefaults("batcher", f)
	cfg.Analyzer.RegisterFlagsAndApplyDefaults("analyzer", f)
}

// Validate validates the configuration.
func (cfg *Config) Validate() error {
	if cfg.DBPath == "" {
		return errors.New("db path is required")
	}
	if cfg.HTTPListenPort <= 0 || cfg.HTTPListenPort > 65535 {
		return errors.Errorf("invalid http port %d", cfg.HTTPListenPort)
	}
	if cfg.Batcher.Capacity <= 0 {
		return errors.New("batcher capacity must be positive")
	}
	if cfg.Batcher.BatchSize <= 0 || cfg.Batcher.BatchSize > cfg.Batcher.Capacity {
		return errors.New("batch size must be positive and no larger than the capacity")
	}
	if cfg.Batcher.PollInterval <= 0 {
		return errors.New("batcher poll interval must be positive")
	}
	if cfg.Worker.QueueDepth <= 0 {
		return errors.New("worker queue depth must be positive")
	}
	if cfg.Analyzer.Endpoint == "" {
		return errors.New("analyzer endpoint is required")
	}
	return nil
}
