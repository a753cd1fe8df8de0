package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mesgateway/metric"
)

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)

type phase int

const (
	idle phase = iota
	running
	stopped
)

// Pool runs handle for each submitted item on a fixed number of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	handle    func(context.Context, T) error

	mu    sync.Mutex
	phase phase
	queue chan T
	wg    sync.WaitGroup

	counts  counters
	metrics *poolMetrics

	registrar metric.MetricsRegistrar
	name      string
}

type counters struct {
	submitted, processed, failed, dropped atomic.Int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics exports pool metrics with name as the subsystem, for example
// mesgateway_<name>_items_total.
func WithMetrics[T any](registrar metric.MetricsRegistrar, name string) Option[T] {
	return func(p *Pool[T]) {
		p.registrar, p.name = registrar, name
	}
}

// NewPool creates a stopped pool. Non-positive workers and queueSize become 4
// and 256. A nil handle panics.
func NewPool[T any](workers, queueSize int, handle func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if handle == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		handle:    handle,
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registrar != nil && p.name != "" {
		p.metrics = newPoolMetrics(p.registrar, p.name)
	}
	return p
}

// Start launches the workers. They run until Stop has drained the queue or
// ctx ends.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.phase {
	case running:
		return ErrPoolAlreadyStarted
	case stopped:
		return ErrPoolStopped
	}
	p.phase = running
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.run(ctx)
	}
	return nil
}

// Submit enqueues item without blocking; a full queue drops it with
// ErrQueueFull.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.phase {
	case idle:
		return ErrPoolNotStarted
	case stopped:
		return ErrPoolStopped
	}
	select {
	case p.queue <- item:
		p.counts.submitted.Add(1)
		p.metrics.record("submitted", len(p.queue))
		return nil
	default:
		p.counts.dropped.Add(1)
		p.metrics.record("dropped", len(p.queue))
		return ErrQueueFull
	}
}

// Stop refuses new work and waits up to timeout for the queue to drain.
// Stopping an idle or stopped pool does nothing.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.phase != running {
		p.mu.Unlock()
		return nil
	}
	p.phase = stopped
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			start := time.Now()
			err := p.handle(ctx, item)
			p.counts.processed.Add(1)
			if err != nil {
				p.counts.failed.Add(1)
			}
			p.metrics.done(err, time.Since(start), len(p.queue))
		}
	}
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.counts.submitted.Load(),
		Processed:  p.counts.processed.Load(),
		Failed:     p.counts.failed.Load(),
		Dropped:    p.counts.dropped.Load(),
	}
}

type poolMetrics struct {
	items    *prometheus.CounterVec
	depth    prometheus.Gauge
	duration *prometheus.HistogramVec
}

// newPoolMetrics returns nil when name is already registered; that pool runs
// without metrics.
func newPoolMetrics(registrar metric.MetricsRegistrar, name string) *poolMetrics {
	m := &poolMetrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: name,
			Name:      "items_total",
			Help:      "Queued items by outcome",
		}, []string{"outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: name,
			Name:      "queue_depth",
			Help:      "Items waiting in the queue",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: name,
			Name:      "processing_duration_seconds",
			Help:      "Time spent handling one item",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"status"}),
	}
	if err := registrar.RegisterCounterVec("worker_pool", name+"_items_total", m.items); err != nil {
		return nil
	}
	_ = registrar.RegisterGauge("worker_pool", name+"_queue_depth", m.depth)
	_ = registrar.RegisterHistogramVec("worker_pool", name+"_processing_duration_seconds", m.duration)
	return m
}

func (m *poolMetrics) record(outcome string, depth int) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(outcome).Inc()
	m.depth.Set(float64(depth))
}

func (m *poolMetrics) done(err error, took time.Duration, depth int) {
	if m == nil {
		return
	}
	status := "success"
	m.items.WithLabelValues("processed").Inc()
	if err != nil {
		status = "error"
		m.items.WithLabelValues("failed").Inc()
	}
	m.duration.WithLabelValues(status).Observe(took.Seconds())
	m.depth.Set(float64(depth))
}
