// Package batcher accumulates analysis tasks in a bounded ring buffer and
// dispatches them in batches to the worker pool. Dispatch fires on size or on
// the periodic tick, and is gated on the pool's pending count so a slow
// analyzer backs pressure up into the ring instead of the pool queue.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/logsentinel/logsentinel/modules/configstore"
)

var (
	metricRingLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "logsentinel",
		Name:      "batcher_ring_length",
		Help:      "Tasks currently queued in the ring buffer.",
	})
	metricDispatchedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "batcher_dispatched_batches_total",
		Help:      "Batches handed to the worker pool.",
	})
	metricDispatchedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "batcher_dispatched_tasks_total",
		Help:      "Tasks handed to the worker pool.",
	})
	metricOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "batcher_overflow_total",
		Help:      "Pushes rejected because the ring was full.",
	})
	metricGateHeld = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "batcher_gate_held_total",
		Help:      "Dispatch attempts held back by the worker pool watermark.",
	})
)

// Task is one in-flight log. It carries the config snapshot captured when
// the log was accepted; that snapshot governs its whole analysis, regardless
// of later settings changes.
type Task struct {
	TraceID  string
	Content  string
	Start    time.Time
	Snapshot *configstore.SystemConfig
}

// ProcessFunc runs one dispatched batch under the given snapshot.
type ProcessFunc func(batch []Task, snap *configstore.SystemConfig)

// WorkerPool is the dispatch target.
type WorkerPool interface {
	Submit(fn func()) bool
	Pending() int
}

// GaugeSink receives the live QPS and back-pressure gauges.
type GaugeSink interface {
	UpdateRealtimeMetrics(qps, backpressure float64)
}

// Batcher is a bounded FIFO ring of tasks under a single mutex.
type Batcher struct {
	services.Service

	cfg     Config
	logger  log.Logger
	pool    WorkerPool
	sink    GaugeSink
	process ProcessFunc

	mtx   sync.Mutex
	buf   []Task
	head  int
	tail  int
	count int

	// monotonic count of accepted pushes, sampled for the QPS gauge
	totalAccepted uint64
	lastSample    time.Time
	lastAccepted  uint64
}

func New(cfg Config, pool WorkerPool, sink GaugeSink, process ProcessFunc, logger log.Logger) *Batcher {
	b := &Batcher{
		cfg:        cfg,
		logger:     log.With(logger, "component", "batcher"),
		pool:       pool,
		sink:       sink,
		process:    process,
		buf:        make([]Task, cfg.Capacity),
		lastSample: time.Now(),
	}
	b.Service = services.NewTimerService(cfg.PollInterval, b.start, b.iteration, nil)
	return b
}

func (b *Batcher) start(_ context.Context) error {
	level.Info(b.logger).Log("msg", "starting batcher",
		"capacity", b.cfg.Capacity, "batch_size", b.cfg.BatchSize,
		"pool_threshold", b.cfg.PoolThreshold, "poll_interval", b.cfg.PollInterval)
	return nil
}

// Push enqueues one task. It returns false only when the ring is full. When
// the ring reaches the batch size a dispatch is attempted inline.
func (b *Batcher) Push(task Task) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.count == b.cfg.Capacity {
		metricOverflow.Inc()
		return false
	}

	b.buf[b.tail] = task
	b.tail = (b.tail + 1) % b.cfg.Capacity
	b.count++
	b.totalAccepted++
	metricRingLength.Set(float64(b.count))

	if b.count >= b.cfg.BatchSize {
		b.tryDispatchLocked(b.cfg.BatchSize)
	}
	return true
}

// Len returns the number of queued tasks.
func (b *Batcher) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.count
}

// iteration is the periodic tick: flush whatever is queued and refresh the
// live gauges about once a second.
func (b *Batcher) iteration(_ context.Context) error {
	b.mtx.Lock()
	if b.count > 0 {
		limit := b.count
		if limit > b.cfg.BatchSize {
			limit = b.cfg.BatchSize
		}
		b.tryDispatchLocked(limit)
	}

	count := b.count
	accepted := b.totalAccepted
	elapsed := time.Since(b.lastSample)
	sample := elapsed >= time.Second
	var qps float64
	if sample {
		qps = float64(accepted-b.lastAccepted) / elapsed.Seconds()
		b.lastSample = time.Now()
		b.lastAccepted = accepted
	}
	b.mtx.Unlock()

	if sample && b.sink != nil {
		b.sink.UpdateRealtimeMetrics(qps, float64(count)/float64(b.cfg.Capacity))
	}
	return nil
}

// tryDispatchLocked moves up to limit tasks off the head and submits them to
// the pool. Caller must hold the mutex. If the pool refuses the closure the
// tasks are reinstated, nothing is lost.
func (b *Batcher) tryDispatchLocked(limit int) {
	if limit <= 0 || b.count == 0 {
		return
	}
	if b.pool.Pending() >= b.cfg.PoolThreshold {
		metricGateHeld.Inc()
		return
	}
	if limit > b.count {
		limit = b.count
	}

	batch := make([]Task, limit)
	oldHead := b.head
	for i := 0; i < limit; i++ {
		batch[i] = b.buf[b.head]
		b.buf[b.head] = Task{}
		b.head = (b.head + 1) % b.cfg.Capacity
	}
	b.count -= limit

	// the batch runs under the snapshot of its oldest task
	snap := batch[0].Snapshot
	process := b.process

	ok := b.pool.Submit(func() {
		process(batch, snap)
	})
	if !ok {
		// rewind: put the tasks back at the head in their original order
		b.head = oldHead
		pos := b.head
		for i := 0; i < limit; i++ {
			b.buf[pos] = batch[i]
			pos = (pos + 1) % b.cfg.Capacity
		}
		b.count += limit
		level.Warn(b.logger).Log("msg", "worker pool refused batch, tasks reinstated", "batch_size", limit)
		return
	}

	metricDispatchedBatches.Inc()
	metricDispatchedTasks.Add(float64(limit))
	metricRingLength.Set(float64(b.count))
}
