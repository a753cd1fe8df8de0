package governor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/metric"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGovernor(t *testing.T, mutate func(*Config), opts ...Option) (*Governor, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxRequestsPerMinute = 3
	cfg.MaxConcurrentConnections = 2
	cfg.MaxDataSizeMB = 1
	cfg.SlotTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	g, err := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return g, clock
}

func TestCheckRate_WindowAllowance(t *testing.T) {
	g, clock := newTestGovernor(t, nil)

	for i := 0; i < 3; i++ {
		r := g.CheckRate("10.0.0.5")
		require.True(t, r.Allowed, "request %d", i+1)
		clock.Advance(time.Second)
	}

	r := g.CheckRate("10.0.0.5")
	assert.False(t, r.Allowed)
	assert.Equal(t, errors.CodeRateExceeded, r.Code)
	assert.Equal(t, 60, r.RetryAfterSeconds)

	// other clients are unaffected
	assert.True(t, g.CheckRate("10.0.0.6").Allowed)

	// first entry leaves the window after 60s from its timestamp
	clock.Advance(57 * time.Second)
	assert.True(t, g.CheckRate("10.0.0.5").Allowed)
	assert.False(t, g.CheckRate("10.0.0.5").Allowed)
}

func TestCheckRate_EmptyClient(t *testing.T) {
	g, _ := newTestGovernor(t, nil)
	r := g.CheckRate("")
	assert.False(t, r.Allowed)
	assert.Equal(t, errors.CodeRateNoClient, r.Code)
}

func TestCheckRate_Concurrent(t *testing.T) {
	g, _ := newTestGovernor(t, func(c *Config) { c.MaxRequestsPerMinute = 50 })

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.CheckRate("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestAcquireSlot_ExcessDenied(t *testing.T) {
	g, _ := newTestGovernor(t, nil)
	ctx := context.Background()

	r1 := g.AcquireSlot(ctx, 0)
	r2 := g.AcquireSlot(ctx, 0)
	require.True(t, r1.Allowed)
	require.True(t, r2.Allowed)
	assert.Equal(t, int64(2), g.Stats().SlotsInUse)

	r3 := g.AcquireSlot(ctx, 20*time.Millisecond)
	assert.False(t, r3.Allowed)
	assert.Equal(t, errors.CodeConcurrencyBusy, r3.Code)
	assert.Equal(t, 1, r3.RetryAfterSeconds, "sub-second waits still hint one second")
	assert.Nil(t, r3.Release)

	r1.Release.Release()
	r4 := g.AcquireSlot(ctx, 0)
	assert.True(t, r4.Allowed)

	r2.Release.Release()
	r4.Release.Release()
	assert.Equal(t, int64(0), g.Stats().SlotsInUse)
}

func TestToken_ReleaseExactlyOnce(t *testing.T) {
	g, _ := newTestGovernor(t, func(c *Config) { c.MaxConcurrentConnections = 1 })
	ctx := context.Background()

	r := g.AcquireSlot(ctx, 0)
	require.True(t, r.Allowed)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Release.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), g.Stats().SlotsInUse)

	// capacity is exactly one again, not more
	a := g.AcquireSlot(ctx, 0)
	require.True(t, a.Allowed)
	b := g.AcquireSlot(ctx, 10*time.Millisecond)
	assert.False(t, b.Allowed)
	a.Release.Release()

	var nilToken *Token
	nilToken.Release()
}

func TestAcquireSlot_Cancelled(t *testing.T) {
	g, _ := newTestGovernor(t, func(c *Config) { c.MaxConcurrentConnections = 1 })
	held := g.AcquireSlot(context.Background(), 0)
	require.True(t, held.Allowed)
	defer held.Release.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := g.AcquireSlot(ctx, time.Second)
	assert.False(t, r.Allowed)
	assert.Equal(t, errors.CodeConcurrencyAbort, r.Code)
}

func TestCheckPayloadSize(t *testing.T) {
	g, _ := newTestGovernor(t, nil)

	assert.True(t, g.CheckPayloadSize(make([]byte, 1<<20)).Allowed)

	r := g.CheckPayloadSize(make([]byte, 1<<20+1))
	assert.False(t, r.Allowed)
	assert.Equal(t, errors.CodePayloadTooLarge, r.Code)
	assert.Equal(t, 1, r.RetryAfterSeconds)

	ce, ok := errors.AsCodeError(r.Err())
	require.True(t, ok)
	assert.Equal(t, 429, ce.HTTPStatus)
	assert.Equal(t, 1, ce.RetryAfter)

	// multi-byte characters count as bytes
	big := strings.Repeat("針", (1<<20)/3+1)
	assert.False(t, g.CheckPayloadSize([]byte(big)).Allowed)
}

func TestValidate_Order(t *testing.T) {
	g, _ := newTestGovernor(t, func(c *Config) { c.MaxRequestsPerMinute = 1 })
	ctx := context.Background()

	// size is checked before rate, so an oversized body does not consume allowance
	r := g.Validate(ctx, "c1", make([]byte, 2<<20))
	assert.Equal(t, errors.CodePayloadTooLarge, r.Code)

	r = g.Validate(ctx, "c1", []byte(`{}`))
	require.True(t, r.Allowed)
	require.NotNil(t, r.Release)
	r.Release.Release()

	r = g.Validate(ctx, "c1", []byte(`{}`))
	assert.Equal(t, errors.CodeRateExceeded, r.Code)
	assert.Nil(t, r.Release)

	ce, ok := errors.AsCodeError(r.Err())
	require.True(t, ok)
	assert.Equal(t, 429, ce.HTTPStatus)
	assert.Equal(t, 60, ce.RetryAfter)
}

func TestSweep(t *testing.T) {
	g, clock := newTestGovernor(t, nil)

	g.CheckRate("a")
	clock.Advance(30 * time.Second)
	g.CheckRate("b")
	assert.Equal(t, 2, g.Stats().TrackedClients)

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, g.Sweep())
	assert.Equal(t, 1, g.Stats().TrackedClients)

	// a swept client starts fresh
	assert.True(t, g.CheckRate("a").Allowed)
}

func TestRun_StopsOnCancel(t *testing.T) {
	g, _ := newTestGovernor(t, func(c *Config) { c.SweepInterval = 5 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	g, _ := newTestGovernor(t, func(c *Config) { c.MaxRequestsPerMinute = 1 }, WithMetrics(reg))

	r := g.Validate(context.Background(), "c1", nil)
	require.True(t, r.Allowed)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.slotsInUse))
	r.Release.Release()
	assert.Equal(t, 0.0, testutil.ToFloat64(g.metrics.slotsInUse))

	g.Validate(context.Background(), "c1", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.decisions.WithLabelValues("allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.decisions.WithLabelValues(errors.CodeRateExceeded)))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxConcurrentConnections = 0
	assert.Error(t, cfg.Validate())

	_, err := New(cfg)
	assert.Error(t, err)

	assert.Equal(t, int64(10<<20), DefaultConfig().MaxBytes())
}
