package gateway

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(file, []byte("<html></html>"), 0o600))

	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{"defaults", func(*Config) {}, false},
		{"static root dir", func(c *Config) { c.StaticRoot = dir }, false},
		{"empty address", func(c *Config) { c.Address = "" }, true},
		{"static root missing", func(c *Config) { c.StaticRoot = filepath.Join(dir, "nope") }, true},
		{"static root is file", func(c *Config) { c.StaticRoot = file }, true},
		{"negative timeout", func(c *Config) { c.ReadTimeout = -time.Second }, true},
		{"negative buffer", func(c *Config) { c.ReadBufferSize = -1 }, true},
		{"negative rate", func(c *Config) { c.MessagesPerSecond = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Address: ":9000", MessagesPerSecond: 10}.WithDefaults()
	assert.Equal(t, ":9000", cfg.Address)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
	assert.Equal(t, 11, cfg.MessageBurst)
}

func TestConnectionRegistry_Lifecycle(t *testing.T) {
	bus := NewEventBus()
	events, cancel := bus.Subscribe(10)
	defer cancel()

	reg := NewConnectionRegistry(bus)
	id := reg.Add("10.0.0.7", "HTTP")
	require.NotEmpty(t, id)
	assert.Equal(t, 1, reg.Count())

	ev := <-events
	assert.Equal(t, EventConnectionOpened, ev.Type)
	assert.Equal(t, id, ev.ConnectionID)

	assert.True(t, reg.Touch(id, "SEND_MESSAGE_COMMAND"))
	c, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, "SEND_MESSAGE_COMMAND", c.RequestType)
	assert.Equal(t, "10.0.0.7", c.IPAddress)

	assert.True(t, reg.Touch(id, ""))
	c, _ = reg.Get(id)
	assert.Equal(t, "SEND_MESSAGE_COMMAND", c.RequestType)

	reg.Remove(id)
	reg.Remove(id)
	assert.Equal(t, 0, reg.Count())
	assert.False(t, reg.Touch(id, "x"))

	ev = <-events
	assert.Equal(t, EventConnectionClosed, ev.Type)
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestConnectionRegistry_SweepIdle(t *testing.T) {
	reg := NewConnectionRegistry(nil)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	stale := reg.Add("10.0.0.1", RequestTypeWebSocket)
	fresh := reg.Add("10.0.0.2", RequestTypeWebSocket)

	now = now.Add(4 * time.Minute)
	reg.Touch(fresh, "")
	now = now.Add(2 * time.Minute)

	evicted := reg.SweepIdle(5 * time.Minute)
	assert.Equal(t, []string{stale}, evicted)
	_, ok := reg.Get(fresh)
	assert.True(t, ok)
	assert.Equal(t, 1, reg.Count())
}

func TestConnectionRegistry_ListOrdered(t *testing.T) {
	reg := NewConnectionRegistry(nil)
	now := time.Now()
	reg.now = func() time.Time { return now }
	first := reg.Add("a", "HTTP")
	now = now.Add(time.Second)
	second := reg.Add("b", "HTTP")

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
}

func TestConnectionRegistry_Concurrent(t *testing.T) {
	reg := NewConnectionRegistry(NewEventBus())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := reg.Add("10.0.0.1", "HTTP")
			reg.Touch(id, "X")
			_ = reg.List()
			reg.Remove(id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Count())
}

func TestConnectionRegistry_RunStops(t *testing.T) {
	reg := NewConnectionRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx, 10*time.Millisecond, time.Minute) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEventBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewEventBus()
	slow, cancelSlow := bus.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe(10)
	defer cancelFast()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventMessageReceived})
	}

	assert.Len(t, fast, 5)
	assert.Len(t, slow, 1)
	assert.Equal(t, uint64(4), bus.Dropped())

	ev := <-fast
	assert.False(t, ev.Time.IsZero())
}

func TestEventBus_CancelAndClose(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	other, _ := bus.Subscribe(1)
	bus.Close()
	_, open = <-other
	assert.False(t, open)

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)

	bus.Publish(Event{Type: EventStatusChanged})

	var nilBus *EventBus
	nilBus.Publish(Event{Type: EventStatusChanged})
}

func TestStatistics(t *testing.T) {
	s := NewStatistics()
	s.RecordRequest(200, 100, 50)
	s.RecordRequest(400, 10, 20)
	s.RecordRequest(429, 10, 20)
	s.RecordRequest(401, 10, 20)
	s.RecordWebSocket(false, 5)
	s.RecordWebSocket(true, 7)

	snap := s.Snapshot(3)
	assert.Equal(t, uint64(4), snap.RequestsTotal)
	assert.Equal(t, uint64(1), snap.RequestsSuccess)
	assert.Equal(t, uint64(1), snap.RequestsFailed)
	assert.Equal(t, uint64(2), snap.RequestsRejected)
	assert.Equal(t, uint64(142), snap.BytesReceived)
	assert.Equal(t, uint64(110), snap.BytesSent)
	assert.Equal(t, uint64(1), snap.WebSocketText)
	assert.Equal(t, uint64(1), snap.WebSocketBinary)
	assert.Equal(t, 3, snap.ActiveConnections)
	assert.InDelta(t, 0.25, snap.ErrorRate, 1e-9)
	assert.False(t, snap.LastActivity.IsZero())

	s.Reset()
	snap = s.Snapshot(0)
	assert.Zero(t, snap.RequestsTotal)
	assert.True(t, snap.LastActivity.IsZero())
}
