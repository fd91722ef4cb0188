// Package analyzer talks to the external LLM proxy. The Map call classifies
// each log of a batch, the Reduce call produces a cross-batch narrative.
package analyzer

import (
	"context"
	"flag"
	"time"

	"github.com/logsentinel/logsentinel/pkg/model"
)

// CallOptions carry the per-call parameters resolved from the config
// snapshot the batch was enqueued under.
type CallOptions struct {
	Provider string
	APIKey   string
	Model    string
	Prompt   string
}

// Provider is the capability set of an analyzer backend.
type Provider interface {
	// AnalyzeBatch classifies each log and returns results keyed by trace id.
	AnalyzeBatch(ctx context.Context, logs []model.RawLog, opts CallOptions) (map[string]model.LogAnalysisResult, error)

	// Summarize produces the batch narrative as a JSON-encoded string.
	Summarize(ctx context.Context, results []model.LogAnalysisResult, opts CallOptions) (string, error)
}

type Config struct {
	Endpoint         string        `yaml:"endpoint"`
	AnalyzeTimeout   time.Duration `yaml:"analyze_timeout"`
	SummarizeTimeout time.Duration `yaml:"summarize_timeout"`

	// breaker settings, populated from the runtime config at wiring time
	CircuitBreaker   bool          `yaml:"circuit_breaker"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Endpoint = "http://localhost:8000"
	cfg.AnalyzeTimeout = 30 * time.Second
	cfg.SummarizeTimeout = 10 * time.Second
	cfg.CircuitBreaker = true
	cfg.FailureThreshold = 5
	cfg.Cooldown = 60 * time.Second
}
