// Package app wires the modules together and runs them under one service
// manager.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/logsentinel/logsentinel/modules/analyzer"
	"github.com/logsentinel/logsentinel/modules/batcher"
	"github.com/logsentinel/logsentinel/modules/configstore"
	"github.com/logsentinel/logsentinel/modules/frontend"
	"github.com/logsentinel/logsentinel/modules/logstore"
	"github.com/logsentinel/logsentinel/modules/notifier"
	"github.com/logsentinel/logsentinel/modules/processor"
	"github.com/logsentinel/logsentinel/modules/worker"
)

type Config struct {
	HTTPListenAddress string
	HTTPListenPort    int
	DBPath            string

	Worker   worker.Config
	Batcher  batcher.Config
	Analyzer analyzer.Config
}

// App owns the wired components and their lifecycle.
type App struct {
	cfg    Config
	logger log.Logger

	manager  *services.Manager
	frontend *frontend.Frontend
}

// New opens the database, builds every module and applies the persisted
// runtime configuration (worker threads, batch size, poll interval, breaker
// settings) on top of the static defaults.
func New(cfg Config, logger log.Logger) (*App, error) {
	db, err := logstore.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	configs, err := configstore.New(db, logger)
	if err != nil {
		return nil, err
	}

	logs, err := logstore.New(db, logger)
	if err != nil {
		return nil, err
	}

	// fold the persisted kernel settings into the static config
	app := configs.AppConfig()
	if cfg.Worker.Workers == 0 && app.WorkerThreads > 0 {
		cfg.Worker.Workers = app.WorkerThreads
	}
	if app.MaxBatch > 0 {
		cfg.Batcher.BatchSize = app.MaxBatch
	}
	if app.AdaptiveMode && app.RefreshIntervalMS > 0 {
		cfg.Batcher.PollInterval = time.Duration(app.RefreshIntervalMS) * time.Millisecond
	}
	cfg.Analyzer.CircuitBreaker = app.CircuitBreaker
	cfg.Analyzer.FailureThreshold = app.FailureThreshold
	cfg.Analyzer.Cooldown = time.Duration(app.CooldownSeconds) * time.Second

	pool := worker.New(cfg.Worker, logger)

	client := analyzer.NewClient(cfg.Analyzer, logger)
	mock := analyzer.NewMock()
	resolve := func(name string) analyzer.Provider {
		if name == "mock" || name == "local-mock" {
			return mock
		}
		return client
	}

	notify := notifier.NewWebhook(logger)
	proc := processor.New(logs, resolve, notify, logger)
	batch := batcher.New(cfg.Batcher, pool, logs, proc.Process, logger)
	fe := frontend.New(batch, pool, logs, configs, logger)

	manager, err := services.NewManager(pool, batch)
	if err != nil {
		return nil, errors.Wrap(err, "creating service manager")
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		manager:  manager,
		frontend: fe,
	}, nil
}

// Run starts the services and serves HTTP until SIGINT/SIGTERM. Shutdown
// drains the batcher's workers before returning.
func (a *App) Run() error {
	ctx := context.Background()

	if err := services.StartManagerAndAwaitHealthy(ctx, a.manager); err != nil {
		return errors.Wrap(err, "starting services")
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.PathPrefix("/").Handler(a.frontend.Handler())

	addr := fmt.Sprintf("%s:%d", a.cfg.HTTPListenAddress, a.cfg.HTTPListenPort)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		level.Info(a.logger).Log("msg", "server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		level.Info(a.logger).Log("msg", "shutting down", "signal", sig.String())
	case err := <-errCh:
		_ = services.StopManagerAndAwaitStopped(ctx, a.manager)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		level.Error(a.logger).Log("msg", "error during http shutdown", "err", err)
	}

	// stop the batcher tick first, then drain the pool
	if err := services.StopManagerAndAwaitStopped(ctx, a.manager); err != nil {
		return errors.Wrap(err, "stopping services")
	}
	return nil
}
