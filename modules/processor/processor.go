// Package processor orchestrates one dispatched batch: persist raw logs,
// Map-classify each one, Reduce to a batch narrative, persist results and
// fold them into the dashboard snapshot.
package processor

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/logsentinel/logsentinel/modules/analyzer"
	"github.com/logsentinel/logsentinel/modules/batcher"
	"github.com/logsentinel/logsentinel/modules/configstore"
	"github.com/logsentinel/logsentinel/modules/logstore"
	"github.com/logsentinel/logsentinel/pkg/model"
)

var (
	metricBatchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "processor_batches_total",
		Help:      "Batches processed.",
	})
	metricBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "logsentinel",
		Name:      "processor_batch_duration_seconds",
		Help:      "End-to-end batch processing time.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	metricTasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "processor_tasks_failed_total",
		Help:      "Tasks that ended in FAILURE status.",
	})
)

// LogStore is the persistence surface the processor writes through.
type LogStore interface {
	SaveRawLogBatch(logs []model.RawLog) error
	SaveBatchSummary(sum logstore.BatchSummary) (int64, error)
	SaveAnalysisResultBatch(items []model.AnalysisResultItem, batchID int64) error
}

// Notifier forwards the finished batch to the configured alert channels. It
// must never return; failures are its own problem.
type Notifier interface {
	NotifyBatch(sum logstore.BatchSummary, items []model.AnalysisResultItem, channels []configstore.AlertChannel)
}

// ProviderResolver picks the analyzer backend for a provider name.
type ProviderResolver func(name string) analyzer.Provider

type Processor struct {
	store    LogStore
	resolve  ProviderResolver
	notifier Notifier
	logger   log.Logger
}

func New(store LogStore, resolve ProviderResolver, notifier Notifier, logger log.Logger) *Processor {
	return &Processor{
		store:    store,
		resolve:  resolve,
		notifier: notifier,
		logger:   log.With(logger, "component", "processor"),
	}
}

// Process runs one batch under the given config snapshot. It matches
// batcher.ProcessFunc. Analyzer failures degrade to per-task FAILURE items;
// persistence failures abandon the batch with a log line.
func (p *Processor) Process(batch []batcher.Task, snap *configstore.SystemConfig) {
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	defer func() {
		metricBatchesProcessed.Inc()
		metricBatchDuration.Observe(time.Since(start).Seconds())
	}()

	ctx := context.Background()

	// drop tasks without a trace id, nothing downstream can key them
	logs := make([]model.RawLog, 0, len(batch))
	tasks := make([]batcher.Task, 0, len(batch))
	for _, t := range batch {
		if t.TraceID == "" {
			level.Warn(p.logger).Log("msg", "skipping task with empty trace id")
			continue
		}
		logs = append(logs, model.RawLog{TraceID: t.TraceID, Content: t.Content})
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return
	}

	if err := p.store.SaveRawLogBatch(logs); err != nil {
		level.Error(p.logger).Log("msg", "failed to persist raw logs, abandoning batch", "err", err, "batch_size", len(tasks))
		return
	}

	opts := analyzer.CallOptions{
		Provider: snap.App.Provider,
		APIKey:   snap.App.APIKey,
		Model:    snap.App.Model,
		Prompt:   snap.ActiveMapPrompt,
	}

	provider := p.resolve(snap.App.Provider)
	results, err := provider.AnalyzeBatch(ctx, logs, opts)
	if err != nil {
		level.Error(p.logger).Log("msg", "analyzer batch call failed, marking batch as failed", "err", err, "batch_size", len(tasks))
		results = nil
	}

	items := make([]model.AnalysisResultItem, 0, len(tasks))
	var successes []model.LogAnalysisResult
	oldest := tasks[0].Start
	now := time.Now()
	for _, t := range tasks {
		if t.Start.Before(oldest) {
			oldest = t.Start
		}
		item := model.AnalysisResultItem{
			TraceID:            t.TraceID,
			ResponseTimeMicros: now.Sub(t.Start).Microseconds(),
		}
		if res, ok := results[t.TraceID]; ok {
			item.Status = model.StatusSuccess
			item.Result = res
			successes = append(successes, res)
		} else {
			item.Status = model.StatusFailure
			item.Result = model.LogAnalysisResult{
				Summary:   "AI analysis missing",
				RiskLevel: model.RiskUnknown,
			}
			metricTasksFailed.Inc()
		}
		items = append(items, item)
	}

	sum := p.reduce(ctx, snap, opts, successes)
	for _, it := range items {
		sum.Counts.Add(it.Result.RiskLevel)
	}
	sum.TotalLogs = len(items)
	sum.ProcessingTimeMS = time.Since(oldest).Milliseconds()

	batchID, err := p.store.SaveBatchSummary(sum)
	if err != nil {
		level.Error(p.logger).Log("msg", "failed to persist batch summary, abandoning batch", "err", err)
		return
	}

	if err := p.store.SaveAnalysisResultBatch(items, batchID); err != nil {
		level.Error(p.logger).Log("msg", "failed to persist analysis results", "err", err, "batch_id", batchID)
		return
	}

	if p.notifier != nil {
		if channels := snap.ActiveChannels(); len(channels) > 0 {
			p.notifier.NotifyBatch(sum, items, channels)
		}
	}
}

// reducePayload is the object the Reduce call encodes into its summary
// string. The analyzer sometimes returns a plain sentence instead; both are
// handled.
type reducePayload struct {
	GlobalSummary   string              `json:"global_summary"`
	GlobalRiskLevel string              `json:"global_risk_level"`
	KeyPatterns     jsoniter.RawMessage `json:"key_patterns"`
}

func (p *Processor) reduce(ctx context.Context, snap *configstore.SystemConfig, opts analyzer.CallOptions, successes []model.LogAnalysisResult) logstore.BatchSummary {
	sum := logstore.BatchSummary{
		GlobalSummary:   "Batch summary unavailable.",
		GlobalRiskLevel: model.RiskUnknown,
		KeyPatterns:     "[]",
	}
	if len(successes) == 0 {
		return sum
	}

	opts.Prompt = snap.ActiveReducePrompt
	provider := p.resolve(snap.App.Provider)

	raw, err := provider.Summarize(ctx, successes, opts)
	if err != nil {
		level.Error(p.logger).Log("msg", "analyzer summarize call failed", "err", err)
		return sum
	}

	var payload reducePayload
	if err := jsoniter.UnmarshalFromString(raw, &payload); err != nil || payload.GlobalSummary == "" {
		// a plain sentence instead of the encoded object, use it verbatim
		sum.GlobalSummary = raw
		return sum
	}

	sum.GlobalSummary = payload.GlobalSummary
	sum.GlobalRiskLevel = model.ParseRiskLevel(payload.GlobalRiskLevel)
	if len(payload.KeyPatterns) > 0 {
		var patterns []string
		if err := jsoniter.Unmarshal(payload.KeyPatterns, &patterns); err == nil {
			sum.KeyPatterns = string(payload.KeyPatterns)
		}
	}
	return sum
}
