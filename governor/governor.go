// Package governor limits inbound load: payload size, a per-client sliding
// window rate limit and a bounded number of concurrently dispatched
// requests.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/metric"
)

// Result is the outcome of a governor check. Release is set only when a
// dispatch slot was acquired.
type Result struct {
	Allowed           bool
	Code              string
	Message           string
	RetryAfterSeconds int
	Release           *Token
}

// Err converts a denial into an *errors.CodeError carrying the retry hint.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	ce := errors.NewCodeError(r.Code, r.Message)
	ce.RetryAfter = r.RetryAfterSeconds
	return ce
}

func deny(code, message string, retryAfter int) Result {
	return Result{Code: code, Message: message, RetryAfterSeconds: retryAfter}
}

// Token returns one dispatch slot. Release may be called any number of
// times from any goroutine; only the first call frees the slot.
type Token struct {
	once    sync.Once
	release func()
}

// Release frees the slot. Safe on a nil token.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(t.release)
}

type rateTracker struct {
	mu    sync.Mutex
	times []time.Time
	// dead marks a tracker removed by the sweep; callers holding it retry.
	dead bool
}

// prune drops entries older than cutoff. Caller holds mu.
func (t *rateTracker) prune(cutoff time.Time) {
	i := 0
	for i < len(t.times) && !t.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.times = append(t.times[:0], t.times[i:]...)
	}
}

// Stats is a point-in-time view of governor state.
type Stats struct {
	TrackedClients int   `json:"tracked_clients"`
	SlotsInUse     int64 `json:"slots_in_use"`
	SlotCapacity   int   `json:"slot_capacity"`
}

// Governor enforces Config. It is safe for concurrent use.
type Governor struct {
	cfg      Config
	trackers sync.Map // client id -> *rateTracker
	sem      *semaphore.Weighted
	inUse    atomic.Int64

	now     func() time.Time
	logger  *slog.Logger
	metrics *governorMetrics
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock replaces the time source for the rate window.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics registers governor metrics with registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(g *Governor) {
		if registrar == nil {
			return
		}
		m, err := newGovernorMetrics(registrar)
		if err != nil {
			g.logger.Warn("governor metrics disabled", "error", err)
			return
		}
		g.metrics = m
	}
}

// New creates a governor from a validated config.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Governor{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections)),
		now:    time.Now,
		logger: slog.Default().With("component", "governor"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the limits in force.
func (g *Governor) Config() Config { return g.cfg }

// CheckRate records one request for clientID if it is within the window
// allowance.
func (g *Governor) CheckRate(clientID string) Result {
	if clientID == "" {
		return g.record(deny(errors.CodeRateNoClient, "client identifier required", 0))
	}

	for {
		v, _ := g.trackers.LoadOrStore(clientID, &rateTracker{})
		t := v.(*rateTracker)

		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		now := g.now()
		t.prune(now.Add(-g.cfg.Window))
		if len(t.times) >= g.cfg.MaxRequestsPerMinute {
			t.mu.Unlock()
			retry := int(g.cfg.Window / time.Second)
			return g.record(deny(errors.CodeRateExceeded,
				fmt.Sprintf("rate limit of %d requests per %s exceeded", g.cfg.MaxRequestsPerMinute, g.cfg.Window), retry))
		}
		t.times = append(t.times, now)
		t.mu.Unlock()
		return Result{Allowed: true}
	}
}

// AcquireSlot waits up to timeout for a dispatch slot. A non-positive
// timeout uses Config.SlotTimeout. The returned token must be released.
func (g *Governor) AcquireSlot(ctx context.Context, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = g.cfg.SlotTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return g.record(deny(errors.CodeConcurrencyAbort, "request cancelled while waiting for a slot", 1))
		}
		return g.record(deny(errors.CodeConcurrencyBusy,
			fmt.Sprintf("server busy: %d concurrent requests in progress", g.cfg.MaxConcurrentConnections),
			max(1, int(timeout/time.Second))))
	}

	g.setSlots(g.inUse.Add(1))
	tok := &Token{release: func() {
		g.sem.Release(1)
		g.setSlots(g.inUse.Add(-1))
	}}
	return Result{Allowed: true, Release: tok}
}

// sizeRetryAfter is the hint sent with SIZE_001. Resending the same body
// cannot succeed; the hint paces a client that splits it.
const sizeRetryAfter = 1

// CheckPayloadSize rejects bodies larger than MaxDataSizeMB.
func (g *Governor) CheckPayloadSize(body []byte) Result {
	if int64(len(body)) > g.cfg.MaxBytes() {
		return g.record(deny(errors.CodePayloadTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds %d MB", len(body), g.cfg.MaxDataSizeMB), sizeRetryAfter))
	}
	return Result{Allowed: true}
}

// Validate runs size, rate and concurrency checks in that order. On success
// the result carries the slot token.
func (g *Governor) Validate(ctx context.Context, clientID string, body []byte) Result {
	if r := g.CheckPayloadSize(body); !r.Allowed {
		return r
	}
	if r := g.CheckRate(clientID); !r.Allowed {
		return r
	}
	r := g.AcquireSlot(ctx, g.cfg.SlotTimeout)
	if r.Allowed {
		g.record(r)
	}
	return r
}

// Sweep prunes every tracker and removes the empty ones. It returns the
// number of trackers removed.
func (g *Governor) Sweep() int {
	cutoff := g.now().Add(-g.cfg.Window)
	removed := 0
	g.trackers.Range(func(key, v any) bool {
		t := v.(*rateTracker)
		t.mu.Lock()
		t.prune(cutoff)
		if len(t.times) == 0 {
			t.dead = true
			g.trackers.Delete(key)
			removed++
		}
		t.mu.Unlock()
		return true
	})
	if g.metrics != nil {
		g.metrics.trackedClients.Set(float64(g.trackedClients()))
	}
	return removed
}

// Run sweeps every SweepInterval until ctx is done.
func (g *Governor) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Debug("rate trackers swept", "removed", n)
			}
		}
	}
}

// Stats returns current tracker and slot counts.
func (g *Governor) Stats() Stats {
	return Stats{
		TrackedClients: g.trackedClients(),
		SlotsInUse:     g.inUse.Load(),
		SlotCapacity:   g.cfg.MaxConcurrentConnections,
	}
}

func (g *Governor) trackedClients() int {
	n := 0
	g.trackers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (g *Governor) record(r Result) Result {
	if g.metrics != nil {
		code := r.Code
		if r.Allowed {
			code = "allowed"
		}
		g.metrics.decisions.WithLabelValues(code).Inc()
	}
	if !r.Allowed {
		g.logger.Debug("request throttled", "code", r.Code, "reason", r.Message)
	}
	return r
}

func (g *Governor) setSlots(n int64) {
	if g.metrics != nil {
		g.metrics.slotsInUse.Set(float64(n))
	}
}
