package frontend

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/logsentinel/logsentinel/modules/batcher"
	"github.com/logsentinel/logsentinel/modules/configstore"
	"github.com/logsentinel/logsentinel/modules/logstore"
	"github.com/logsentinel/logsentinel/pkg/model"
)

type fakePusher struct {
	accept bool
	tasks  []batcher.Task
}

func (f *fakePusher) Push(task batcher.Task) bool {
	if !f.accept {
		return false
	}
	f.tasks = append(f.tasks, task)
	return true
}

// inlinePool runs submitted closures synchronously.
type inlinePool struct {
	accept bool
}

func (p *inlinePool) Submit(fn func()) bool {
	if !p.accept {
		return false
	}
	fn()
	return true
}

type fakeLogReader struct {
	stats   logstore.DashboardStats
	history logstore.HistoryPage
	histReq []interface{}
	results map[string]*model.LogAnalysisResult
}

func (f *fakeLogReader) DashboardStats() logstore.DashboardStats { return f.stats }

func (f *fakeLogReader) HistoricalLogs(page, pageSize int, level, keyword string) (logstore.HistoryPage, error) {
	f.histReq = []interface{}{page, pageSize, level, keyword}
	return f.history, nil
}

func (f *fakeLogReader) ResultByTraceID(traceID string) (*model.LogAnalysisResult, error) {
	return f.results[traceID], nil
}

type fakeConfigStore struct {
	snap       *configstore.SystemConfig
	settings   configstore.AllSettings
	gotConfig  map[string]string
	gotPrompts []configstore.PromptConfig
	gotChans   []configstore.AlertChannel
}

func (f *fakeConfigStore) Snapshot() *configstore.SystemConfig        { return f.snap }
func (f *fakeConfigStore) AllSettings() configstore.AllSettings       { return f.settings }
func (f *fakeConfigStore) UpdateAppConfig(items map[string]string) error {
	f.gotConfig = items
	return nil
}
func (f *fakeConfigStore) UpdatePrompts(prompts []configstore.PromptConfig) error {
	f.gotPrompts = prompts
	return nil
}
func (f *fakeConfigStore) UpdateChannels(channels []configstore.AlertChannel) error {
	f.gotChans = channels
	return nil
}

type env struct {
	pusher  *fakePusher
	pool    *inlinePool
	logs    *fakeLogReader
	configs *fakeConfigStore
	handler http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		pusher: &fakePusher{accept: true},
		pool:   &inlinePool{accept: true},
		logs: &fakeLogReader{
			results: map[string]*model.LogAnalysisResult{},
		},
		configs: &fakeConfigStore{snap: &configstore.SystemConfig{ActiveMapPrompt: "P1"}},
	}
	e.handler = New(e.pusher, e.pool, e.logs, e.configs, log.NewNopLogger()).Handler()
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestIngest(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/logs", "some raw log line")
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["trace_id"])

	require.Len(t, e.pusher.tasks, 1)
	task := e.pusher.tasks[0]
	require.Equal(t, resp["trace_id"], task.TraceID)
	require.Equal(t, "some raw log line", task.Content)
	require.False(t, task.Start.IsZero())

	// the config snapshot is frozen at push time
	require.Same(t, e.configs.snap, task.Snapshot)
}

func TestIngestOverload(t *testing.T) {
	e := newEnv(t)
	e.pusher.accept = false

	w := e.do(t, http.MethodPost, "/logs", "log")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "Server is overloaded")
}

func TestResultLookup(t *testing.T) {
	e := newEnv(t)
	e.logs.results["t1"] = &model.LogAnalysisResult{Summary: "found", RiskLevel: model.RiskSafe}

	w := e.do(t, http.MethodGet, "/results/t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"trace_id":"t1"`)
	require.Contains(t, w.Body.String(), "found")

	w = e.do(t, http.MethodGet, "/results/unknown-id", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestResultLookupPoolRefuses(t *testing.T) {
	e := newEnv(t)
	e.pool.accept = false

	w := e.do(t, http.MethodGet, "/results/t1", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDashboard(t *testing.T) {
	e := newEnv(t)
	e.logs.stats = logstore.DashboardStats{
		TotalLogs: 42,
		Risk:      model.RiskCounts{Critical: 2},
		QPS:       1.5,
	}

	w := e.do(t, http.MethodGet, "/dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats logstore.DashboardStats
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, 42, stats.TotalLogs)
	require.Equal(t, 2, stats.Risk.Critical)
	require.Equal(t, 1.5, stats.QPS)
}

func TestHistoryParams(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/history?page=2&pageSize=20&level=critical&keyword=disk", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []interface{}{2, 20, "critical", "disk"}, e.logs.histReq)

	// defaults when absent
	w = e.do(t, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []interface{}{1, 10, "", ""}, e.logs.histReq)
}

func TestHistoryInvalidParams(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/history?page=abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/history?pageSize=xyz", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsRead(t *testing.T) {
	e := newEnv(t)
	e.configs.settings = configstore.AllSettings{
		Config:  configstore.AppConfig{Provider: "openai"},
		Prompts: []configstore.PromptConfig{{ID: 1, Name: "p"}},
	}

	w := e.do(t, http.MethodGet, "/settings/all", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"ai_provider":"openai"`)
	require.Contains(t, w.Body.String(), `"prompts"`)
	require.Contains(t, w.Body.String(), `"channels"`)
}

func TestSettingsUpdateConfig(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/settings/config", `{"items":[{"key":"ai_model","value":"gpt-4o"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"success"`)
	require.Equal(t, map[string]string{"ai_model": "gpt-4o"}, e.configs.gotConfig)

	w = e.do(t, http.MethodPost, "/settings/config", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsUpdatePrompts(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/settings/prompts", `[{"id":0,"name":"p1","content":"c","is_active":true,"type":"map"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, e.configs.gotPrompts, 1)
	require.Equal(t, "p1", e.configs.gotPrompts[0].Name)

	w = e.do(t, http.MethodPost, "/settings/prompts", `{`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsUpdateChannels(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/settings/channels", `[{"id":0,"name":"ops","provider":"Slack","webhook_url":"http://x","alert_threshold":"critical","is_active":true}]`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, e.configs.gotChans, 1)
	require.Equal(t, "ops", e.configs.gotChans[0].Name)
}

func TestCORSHeadersOnEveryResponse(t *testing.T) {
	e := newEnv(t)

	for _, path := range []string{"/dashboard", "/no/such/path"} {
		w := e.do(t, http.MethodGet, path, "")
		require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), path)
		require.Equal(t, "POST, GET, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"), path)
		require.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"), path)
		require.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"), path)
	}
}

func TestOptionsShortCircuit(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodOptions, "/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, e.pusher.tasks)
}

func TestNotFoundEchoesPath(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]string
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "404 Not Found", resp["error"])
	require.Equal(t, "/nope", resp["path"])
}
