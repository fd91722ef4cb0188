package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/logsentinel/logsentinel/modules/analyzer"
	"github.com/logsentinel/logsentinel/modules/batcher"
	"github.com/logsentinel/logsentinel/modules/configstore"
	"github.com/logsentinel/logsentinel/modules/frontend"
	"github.com/logsentinel/logsentinel/modules/logstore"
	"github.com/logsentinel/logsentinel/modules/processor"
	"github.com/logsentinel/logsentinel/modules/worker"
	"github.com/logsentinel/logsentinel/pkg/model"
)

// capturingProvider classifies everything as safe and records the map prompt
// of every call.
type capturingProvider struct {
	mtx        sync.Mutex
	mapPrompts []string
	analyzeErr error
}

func (p *capturingProvider) AnalyzeBatch(_ context.Context, logs []model.RawLog, opts analyzer.CallOptions) (map[string]model.LogAnalysisResult, error) {
	p.mtx.Lock()
	p.mapPrompts = append(p.mapPrompts, opts.Prompt)
	p.mtx.Unlock()

	if p.analyzeErr != nil {
		return nil, p.analyzeErr
	}
	out := make(map[string]model.LogAnalysisResult)
	for _, l := range logs {
		risk := model.RiskSafe
		if strings.Contains(l.Content, "critical") {
			risk = model.RiskCritical
		}
		out[l.TraceID] = model.LogAnalysisResult{Summary: "analyzed: " + l.Content, RiskLevel: risk}
	}
	return out, nil
}

func (p *capturingProvider) Summarize(context.Context, []model.LogAnalysisResult, analyzer.CallOptions) (string, error) {
	return `{"global_summary":"batch done","global_risk_level":"safe","key_patterns":[]}`, nil
}

func (p *capturingProvider) prompts() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]string(nil), p.mapPrompts...)
}

type pipeline struct {
	configs  *configstore.Store
	logs     *logstore.Store
	provider *capturingProvider
	server   *httptest.Server
}

func startPipeline(t *testing.T, batcherCfg batcher.Config, provider *capturingProvider) *pipeline {
	t.Helper()

	logger := log.NewNopLogger()
	db, err := logstore.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	configs, err := configstore.New(db, logger)
	require.NoError(t, err)
	logs, err := logstore.New(db, logger)
	require.NoError(t, err)

	pool := worker.New(worker.Config{Workers: 2, QueueDepth: 100}, logger)
	proc := processor.New(logs, func(string) analyzer.Provider { return provider }, nil, logger)
	batch := batcher.New(batcherCfg, pool, logs, proc.Process, logger)
	fe := frontend.New(batch, pool, logs, configs, logger)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, pool))
	require.NoError(t, services.StartAndAwaitRunning(ctx, batch))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(ctx, batch)
		_ = services.StopAndAwaitTerminated(ctx, pool)
	})

	srv := httptest.NewServer(fe.Handler())
	t.Cleanup(srv.Close)

	return &pipeline{configs: configs, logs: logs, provider: provider, server: srv}
}

func (p *pipeline) ingest(t *testing.T, content string) (string, int) {
	t.Helper()

	resp, err := http.Post(p.server.URL+"/logs", "text/plain", strings.NewReader(content))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&body))
	return body["trace_id"], resp.StatusCode
}

func (p *pipeline) awaitResult(t *testing.T, traceID string) *model.LogAnalysisResult {
	t.Helper()

	var res *model.LogAnalysisResult
	require.Eventually(t, func() bool {
		var err error
		res, err = p.logs.ResultByTraceID(traceID)
		return err == nil && res != nil
	}, 10*time.Second, 10*time.Millisecond)
	return res
}

func defaultBatcherConfig() batcher.Config {
	cfg := batcher.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", nil)
	return cfg
}

func TestPipelineFlushOnSize(t *testing.T) {
	cfg := defaultBatcherConfig()
	cfg.BatchSize = 3
	cfg.PollInterval = time.Hour // size trigger only
	p := startPipeline(t, cfg, &capturingProvider{})

	ids := make([]string, 0, 3)
	for _, content := range []string{"request ok", "critical: disk failure", "request ok"} {
		id, code := p.ingest(t, content)
		require.Equal(t, http.StatusAccepted, code)
		ids = append(ids, id)
	}

	for _, id := range ids {
		res := p.awaitResult(t, id)
		require.NotEmpty(t, res.Summary)
	}
	require.Equal(t, model.RiskCritical, p.awaitResult(t, ids[1]).RiskLevel)

	stats := p.logs.DashboardStats()
	require.Equal(t, 3, stats.TotalLogs)
	require.Equal(t, 1, stats.Risk.Critical)
	require.Equal(t, 2, stats.Risk.Safe)
	require.Len(t, stats.RecentAlerts, 1)
	require.Equal(t, ids[1], stats.RecentAlerts[0].TraceID)
}

func TestPipelineFlushOnTimeout(t *testing.T) {
	cfg := defaultBatcherConfig()
	cfg.BatchSize = 100
	cfg.PollInterval = 20 * time.Millisecond
	p := startPipeline(t, cfg, &capturingProvider{})

	id, code := p.ingest(t, "lonely log line")
	require.Equal(t, http.StatusAccepted, code)

	res := p.awaitResult(t, id)
	require.Equal(t, model.RiskSafe, res.RiskLevel)
}

func TestPipelineOverflowReturns503(t *testing.T) {
	cfg := defaultBatcherConfig()
	cfg.Capacity = 2
	cfg.BatchSize = 100
	cfg.PollInterval = time.Hour
	cfg.PoolThreshold = 0 // dispatch gate never opens
	p := startPipeline(t, cfg, &capturingProvider{})

	_, code := p.ingest(t, "one")
	require.Equal(t, http.StatusAccepted, code)
	_, code = p.ingest(t, "two")
	require.Equal(t, http.StatusAccepted, code)

	_, code = p.ingest(t, "three")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestPipelineConfigSnapshotIsolation(t *testing.T) {
	cfg := defaultBatcherConfig()
	cfg.BatchSize = 2
	cfg.PollInterval = time.Hour
	provider := &capturingProvider{}
	p := startPipeline(t, cfg, provider)

	require.NoError(t, p.configs.UpdatePrompts([]configstore.PromptConfig{
		{Name: "v1", Content: "P1", IsActive: true, Type: "map"},
	}))

	// frozen under P1 at push time
	id1, _ := p.ingest(t, "first")

	require.NoError(t, p.configs.UpdatePrompts([]configstore.PromptConfig{
		{Name: "v2", Content: "P2", IsActive: true, Type: "map"},
	}))

	// second push triggers the flush; the batch still runs under the
	// oldest task's snapshot
	id2, _ := p.ingest(t, "second")

	p.awaitResult(t, id1)
	p.awaitResult(t, id2)
	require.Equal(t, []string{"P1"}, provider.prompts())
}

func TestPipelineMapFailureIsolation(t *testing.T) {
	cfg := defaultBatcherConfig()
	cfg.BatchSize = 2
	cfg.PollInterval = time.Hour
	provider := &capturingProvider{analyzeErr: context.DeadlineExceeded}
	p := startPipeline(t, cfg, provider)

	id1, _ := p.ingest(t, "one")
	id2, _ := p.ingest(t, "two")

	// both tasks complete with failure placeholders, the pipeline keeps going
	require.Equal(t, model.RiskUnknown, p.awaitResult(t, id1).RiskLevel)
	require.Equal(t, model.RiskUnknown, p.awaitResult(t, id2).RiskLevel)

	stats := p.logs.DashboardStats()
	require.Equal(t, 2, stats.TotalLogs)
	require.Equal(t, 2, stats.Risk.Unknown)
}

func TestPipelineHistoryFilter(t *testing.T) {
	cfg := defaultBatcherConfig()
	cfg.BatchSize = 3
	cfg.PollInterval = time.Hour
	p := startPipeline(t, cfg, &capturingProvider{})

	ids := make([]string, 0, 3)
	for _, content := range []string{"critical: oom", "fine", "fine too"} {
		id, _ := p.ingest(t, content)
		ids = append(ids, id)
	}
	for _, id := range ids {
		p.awaitResult(t, id)
	}

	resp, err := http.Get(p.server.URL + "/history?level=critical")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page logstore.HistoryPage
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&page))
	require.Equal(t, 1, page.TotalCount)
	require.Len(t, page.Logs, 1)
	require.Equal(t, ids[0], page.Logs[0].TraceID)
}
