// Package worker provides the shared bounded worker pool. Queries, batch
// processing and outbound analyzer calls all run here so the request path
// never blocks on SQL or external HTTP.
package worker

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricPendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "logsentinel",
		Name:      "worker_pending_tasks",
		Help:      "Tasks queued or running on the worker pool.",
	})
	metricTasksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "worker_tasks_total",
		Help:      "Total tasks executed by the worker pool.",
	})
	metricTasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "worker_tasks_rejected_total",
		Help:      "Tasks rejected because the queue was full.",
	})
	metricTaskPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "worker_task_panics_total",
		Help:      "Tasks that panicked and were recovered.",
	})
)

// Pool is a fixed set of workers over a bounded FIFO queue.
type Pool struct {
	services.Service

	cfg    Config
	logger log.Logger

	queue   chan func()
	pending atomic.Int64
	wg      sync.WaitGroup

	// guards stopped against a concurrent close of the queue
	mtx     sync.Mutex
	stopped bool
}

func New(cfg Config, logger log.Logger) *Pool {
	p := &Pool{
		cfg:    cfg,
		logger: log.With(logger, "component", "worker"),
		queue:  make(chan func(), cfg.QueueDepth),
	}
	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p
}

func (p *Pool) starting(_ context.Context) error {
	n := p.cfg.workerCount()
	level.Info(p.logger).Log("msg", "starting worker pool", "workers", n, "queue_depth", p.cfg.QueueDepth)
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return nil
}

func (p *Pool) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// stopping stops accepting tasks, drains the queue and joins the workers.
func (p *Pool) stopping(_ error) error {
	p.mtx.Lock()
	p.stopped = true
	close(p.queue)
	p.mtx.Unlock()

	p.wg.Wait()
	return nil
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or the pool is shutting down.
func (p *Pool) Submit(fn func()) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.stopped {
		return false
	}
	select {
	case p.queue <- fn:
		p.pending.Inc()
		metricPendingTasks.Inc()
		return true
	default:
		metricTasksRejected.Inc()
		return false
	}
}

// Pending reports tasks queued or running, the back-pressure signal consumed
// by the batcher's dispatch gate.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

func (p *Pool) run() {
	defer p.wg.Done()
	for fn := range p.queue {
		p.execute(fn)
		p.pending.Dec()
		metricPendingTasks.Dec()
		metricTasksTotal.Inc()
	}
}

// execute runs one task; a panicking task is logged and never kills the
// worker.
func (p *Pool) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metricTaskPanics.Inc()
			level.Error(p.logger).Log("msg", "recovered panic in worker task", "panic", r)
		}
	}()
	fn()
}
