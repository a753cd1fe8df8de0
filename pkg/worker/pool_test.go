package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mesgateway/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func noop(context.Context, testWork) error { return nil }

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(0, 0, noop)
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 256, pool.queueSize)

	assert.PanicsWithValue(t, ErrNilProcessor, func() { NewPool[testWork](1, 1, nil) })
}

func TestPool_Lifecycle(t *testing.T) {
	var processed int64
	pool := NewPool(2, 10, func(_ context.Context, _ testWork) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(5), atomic.LoadInt64(&processed), "stop drains queued work")
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStopped, "a stopped pool stays stopped")
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 2, func(_ context.Context, _ testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	var dropped int
	for i := 0; i < 6; i++ {
		if err := pool.Submit(testWork{id: i}); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			dropped++
		}
	}
	close(release)
	require.NoError(t, pool.Stop(5*time.Second))

	// one in flight at most, two queued
	assert.GreaterOrEqual(t, dropped, 3)
	assert.Equal(t, int64(dropped), pool.Stats().Dropped)
}

func TestPool_ProcessingErrors(t *testing.T) {
	pool := NewPool(2, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("sink unavailable")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestPool_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1, 10, func(ctx context.Context, w testWork) error {
		select {
		case <-time.After(w.delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(testWork{delay: time.Hour}))

	cancel()
	assert.NoError(t, pool.Stop(2*time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool := NewPool(1, 1, func(_ context.Context, _ testWork) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))

	assert.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrStopTimeout)
}

func TestPool_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	pool := NewPool(1, 4, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("boom")
		}
		return nil
	}, WithMetrics[testWork](reg, "event_sink"))
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Submit(testWork{fail: true}))
	require.NoError(t, pool.Stop(5*time.Second))

	expected := `
# HELP mesgateway_event_sink_items_total Queued items by outcome
# TYPE mesgateway_event_sink_items_total counter
mesgateway_event_sink_items_total{outcome="failed"} 1
mesgateway_event_sink_items_total{outcome="processed"} 2
mesgateway_event_sink_items_total{outcome="submitted"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg.PrometheusRegistry(), strings.NewReader(expected),
		"mesgateway_event_sink_items_total"))

	// duplicate names register nothing rather than fail
	dup := NewPool(1, 1, noop, WithMetrics[testWork](reg, "event_sink"))
	assert.Nil(t, dup.metrics)
}
