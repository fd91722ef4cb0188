// Package frontend exposes the HTTP surface: log ingest, result lookup,
// dashboard, history and the settings API. The ingest path is synchronous
// and touches no SQL; every query runs on the worker pool so the request
// goroutine never blocks on the database.
package frontend

import (
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/logsentinel/logsentinel/modules/batcher"
	"github.com/logsentinel/logsentinel/modules/configstore"
	"github.com/logsentinel/logsentinel/modules/logstore"
	"github.com/logsentinel/logsentinel/pkg/model"
	"github.com/logsentinel/logsentinel/pkg/traceid"
)

var metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "logsentinel",
	Name:      "http_requests_total",
	Help:      "HTTP requests by route and status code.",
}, []string{"route", "status"})

// Pusher is the ingest target.
type Pusher interface {
	Push(task batcher.Task) bool
}

// Submitter schedules query work off the request goroutine.
type Submitter interface {
	Submit(fn func()) bool
}

// LogReader serves the query endpoints.
type LogReader interface {
	DashboardStats() logstore.DashboardStats
	HistoricalLogs(page, pageSize int, level, keyword string) (logstore.HistoryPage, error)
	ResultByTraceID(traceID string) (*model.LogAnalysisResult, error)
}

// ConfigStore serves the settings endpoints.
type ConfigStore interface {
	Snapshot() *configstore.SystemConfig
	AllSettings() configstore.AllSettings
	UpdateAppConfig(items map[string]string) error
	UpdatePrompts(prompts []configstore.PromptConfig) error
	UpdateChannels(channels []configstore.AlertChannel) error
}

type Frontend struct {
	logger  log.Logger
	pusher  Pusher
	pool    Submitter
	logs    LogReader
	configs ConfigStore
}

func New(pusher Pusher, pool Submitter, logs LogReader, configs ConfigStore, logger log.Logger) *Frontend {
	return &Frontend{
		logger:  log.With(logger, "component", "frontend"),
		pusher:  pusher,
		pool:    pool,
		logs:    logs,
		configs: configs,
	}
}

// Handler builds the router. CORS wraps everything, including 404s and the
// OPTIONS short-circuit.
func (f *Frontend) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/logs", f.IngestHandler).Methods(http.MethodPost)
	r.HandleFunc("/results/{traceID}", f.ResultHandler).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", f.DashboardHandler).Methods(http.MethodGet)
	r.HandleFunc("/history", f.HistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/settings/all", f.SettingsHandler).Methods(http.MethodGet)
	r.HandleFunc("/settings/config", f.UpdateConfigHandler).Methods(http.MethodPost)
	r.HandleFunc("/settings/prompts", f.UpdatePromptsHandler).Methods(http.MethodPost)
	r.HandleFunc("/settings/channels", f.UpdateChannelsHandler).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	return corsMiddleware(r)
}

// IngestHandler is the hot path: assign a trace id, freeze the current
// config snapshot onto the task and push. No SQL, no waiting.
func (f *Frontend) IngestHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "/logs", http.StatusBadRequest, "failed to read request body")
		return
	}

	task := batcher.Task{
		TraceID:  traceid.New(),
		Content:  string(body),
		Start:    time.Now(),
		Snapshot: f.configs.Snapshot(),
	}

	if !f.pusher.Push(task) {
		writeError(w, "/logs", http.StatusServiceUnavailable, "Server is overloaded")
		return
	}

	writeJSON(w, "/logs", http.StatusAccepted, map[string]string{"trace_id": task.TraceID})
}

// runQuery executes fn on the worker pool and waits for it. False means the
// pool refused, the caller replies 503.
func (f *Frontend) runQuery(fn func()) bool {
	done := make(chan struct{})
	ok := f.pool.Submit(func() {
		defer close(done)
		fn()
	})
	if !ok {
		return false
	}
	<-done
	return true
}

func (f *Frontend) ResultHandler(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["traceID"]

	var (
		res *model.LogAnalysisResult
		err error
	)
	if !f.runQuery(func() { res, err = f.logs.ResultByTraceID(traceID) }) {
		writeError(w, "/results", http.StatusServiceUnavailable, "Server is overloaded")
		return
	}
	if err != nil {
		writeError(w, "/results", http.StatusInternalServerError, err.Error())
		return
	}
	if res == nil {
		writeError(w, "/results", http.StatusNotFound, "trace id not found")
		return
	}

	writeJSON(w, "/results", http.StatusOK, map[string]interface{}{
		"trace_id": traceID,
		"result":   res,
	})
}

func (f *Frontend) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	var stats logstore.DashboardStats
	if !f.runQuery(func() { stats = f.logs.DashboardStats() }) {
		writeError(w, "/dashboard", http.StatusServiceUnavailable, "Server is overloaded")
		return
	}
	writeJSON(w, "/dashboard", http.StatusOK, stats)
}

func (f *Frontend) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, ok := intParam(q.Get("page"), 1)
	if !ok {
		writeError(w, "/history", http.StatusBadRequest, "invalid page parameter")
		return
	}
	pageSize, ok := intParam(q.Get("pageSize"), 10)
	if !ok {
		writeError(w, "/history", http.StatusBadRequest, "invalid pageSize parameter")
		return
	}

	var (
		result logstore.HistoryPage
		err    error
	)
	if !f.runQuery(func() {
		result, err = f.logs.HistoricalLogs(page, pageSize, q.Get("level"), q.Get("keyword"))
	}) {
		writeError(w, "/history", http.StatusServiceUnavailable, "Server is overloaded")
		return
	}
	if err != nil {
		writeError(w, "/history", http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, "/history", http.StatusOK, result)
}
