// Package events forwards gateway transport events to external brokers.
//
// A Forwarder subscribes to the gateway.EventBus and hands each event to a
// worker pool that publishes it to every configured Sink. A slow or
// unreachable broker fills the pool queue and further events are dropped;
// request handling is never delayed.
package events

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/health"
	"github.com/c360/mesgateway/metric"
	"github.com/c360/mesgateway/pkg/retry"
	"github.com/c360/mesgateway/pkg/worker"
)

// Sink publishes events to one external system.
type Sink interface {
	Name() string
	Connect(ctx context.Context) error
	Connected() bool
	Publish(ctx context.Context, ev gateway.Event) error
	Close(ctx context.Context) error
}

// Forwarder moves events from the bus to the sinks.
type Forwarder struct {
	bus     *gateway.EventBus
	sinks   []Sink
	cfg     Config
	retry   retry.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	core    *metric.Metrics

	mu   sync.Mutex
	pool *worker.Pool[gateway.Event]
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics registers pool metrics and records sink state.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(f *Forwarder) {
		f.metrics = registry
		if registry != nil {
			f.core = registry.CoreMetrics()
		}
	}
}

// WithConnectRetry overrides the retry policy used for initial connects.
func WithConnectRetry(cfg retry.Config) Option {
	return func(f *Forwarder) { f.retry = cfg }
}

// NewForwarder creates a forwarder for the given sinks.
func NewForwarder(bus *gateway.EventBus, cfg Config, sinks []Sink, opts ...Option) (*Forwarder, error) {
	if bus == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Forwarder", "NewForwarder", "event bus")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	f := &Forwarder{
		bus:    bus,
		sinks:  sinks,
		cfg:    cfg,
		retry:  retry.Persistent(),
		logger: slog.Default().With("component", "event-forwarder"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// FromConfig builds the sinks enabled in cfg. The returned forwarder has no
// sinks when none are enabled.
func FromConfig(bus *gateway.EventBus, cfg Config, opts ...Option) (*Forwarder, error) {
	f, err := NewForwarder(bus, cfg, nil, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.NATS.Enabled {
		sink, err := NewNATSSink(cfg.NATS, f.logger.With("sink", "nats"), f.healthCallback("nats"))
		if err != nil {
			return nil, err
		}
		f.sinks = append(f.sinks, sink)
	}
	if cfg.MQTT.Enabled {
		f.sinks = append(f.sinks, NewMQTTSink(cfg.MQTT, cfg.PublishTimeout, f.logger.With("sink", "mqtt"),
			f.healthCallback("mqtt")))
	}
	return f, nil
}

func (f *Forwarder) healthCallback(name string) func(bool) {
	return func(connected bool) {
		if f.core == nil {
			return
		}
		f.core.RecordSinkStatus(name, connected)
		if connected {
			f.core.RecordSinkReconnect(name)
		}
	}
}

// Sinks returns the configured sinks.
func (f *Forwarder) Sinks() []Sink { return f.sinks }

// Run connects the sinks, forwards events until ctx is done, then drains
// the queue and closes the sinks. A sink that never connects is logged and
// skipped; Run only fails when the pool cannot start.
func (f *Forwarder) Run(ctx context.Context) error {
	if len(f.sinks) == 0 {
		<-ctx.Done()
		return nil
	}

	events, cancel := f.bus.Subscribe(f.cfg.QueueSize)
	defer cancel()

	f.connectAll(ctx)

	var opts []worker.Option[gateway.Event]
	if f.metrics != nil {
		opts = append(opts, worker.WithMetrics[gateway.Event](f.metrics, "event_sink"))
	}
	pool := worker.NewPool(f.cfg.Workers, f.cfg.QueueSize, f.publish, opts...)

	// the pool outlives ctx long enough to drain
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()
	if err := pool.Start(poolCtx); err != nil {
		return errors.WrapFatal(err, "Forwarder", "Run", "start worker pool")
	}
	f.mu.Lock()
	f.pool = pool
	f.mu.Unlock()

	f.logger.Info("event forwarding started", "sinks", len(f.sinks))
	for {
		select {
		case <-ctx.Done():
			return f.shutdown(pool)
		case ev, ok := <-events:
			if !ok {
				return f.shutdown(pool)
			}
			if err := pool.Submit(ev); err != nil {
				f.logger.Debug("event dropped", "type", ev.Type, "error", err)
			}
		}
	}
}

func (f *Forwarder) connectAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			cfg := f.retry
			if cfg.Retryable == nil {
				cfg.Retryable = errors.Retryable
			}
			cfg.OnRetry = func(attempt int, err error, next time.Duration) {
				f.logger.Warn("event sink connect failed", "sink", s.Name(), "attempt", attempt,
					"retry_in", next, "error", err)
			}
			err := retry.Do(gctx, cfg, func() error { return s.Connect(gctx) })
			if err != nil {
				f.logger.Error("event sink unavailable", "sink", s.Name(), "error", err)
			}
			if f.core != nil {
				f.core.RecordSinkStatus(s.Name(), s.Connected())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// publish sends one event to every sink, continuing past failures.
func (f *Forwarder) publish(ctx context.Context, ev gateway.Event) error {
	var errs []error
	for _, s := range f.sinks {
		pctx, cancel := context.WithTimeout(ctx, f.cfg.PublishTimeout)
		err := s.Publish(pctx, ev)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			if f.core != nil {
				f.core.RecordError("event_sink", s.Name())
			}
		}
	}
	return stderrors.Join(errs...)
}

func (f *Forwarder) shutdown(pool *worker.Pool[gateway.Event]) error {
	timeout := f.cfg.PublishTimeout + time.Second
	if err := pool.Stop(timeout); err != nil {
		f.logger.Warn("event queue not drained", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	f.logger.Info("event forwarding stopped", "stats", pool.Stats())
	return stderrors.Join(errs...)
}

// Stats returns the pool statistics, zero before Run.
func (f *Forwarder) Stats() worker.PoolStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pool == nil {
		return worker.PoolStats{}
	}
	return f.pool.Stats()
}

// CheckHealth reports degraded when any sink is disconnected. It never
// reports unhealthy; the gateway serves requests without its sinks.
func (f *Forwarder) CheckHealth(context.Context) health.Status {
	if len(f.sinks) == 0 {
		return health.NewHealthy("events", "no sinks configured")
	}
	var down []string
	for _, s := range f.sinks {
		if !s.Connected() {
			down = append(down, s.Name())
		}
	}
	if len(down) > 0 {
		return health.NewDegraded("events", fmt.Sprintf("disconnected sinks: %v", down))
	}
	return health.NewHealthy("events", fmt.Sprintf("%d sinks connected", len(f.sinks)))
}
