package health

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRecorder struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (r *recordingRecorder) RecordHealthStatus(component string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	r.seen[component] = healthy
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		subs  []Status
		state string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate("gateway", tt.subs)
			assert.Equal(t, tt.state, s.Status)
			assert.Equal(t, tt.state == StateHealthy, s.Healthy)
			assert.Len(t, s.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromError_Sanitizes(t *testing.T) {
	assert.True(t, FromError("nats", nil).IsHealthy())

	s := FromError("reporter", errors.New("post http://10.1.2.3:8080/api/mes failed, secret=abc, peer 192.168.0.9:1883"))
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "10.1.2.3")
	assert.NotContains(t, s.Message, "192.168.0.9")
	assert.NotContains(t, s.Message, "abc")
	assert.Contains(t, s.Message, "[URL]")
}

func TestMonitor_Report(t *testing.T) {
	rec := &recordingRecorder{}
	m := NewMonitor(rec)

	m.Update("http", NewHealthy("ignored", "listening"))
	m.Register("nats", func(context.Context) Status { return NewDegraded("", "reconnecting") })

	s := m.Report(context.Background(), "mesgateway")
	assert.Equal(t, StateDegraded, s.Status)
	require.Len(t, s.SubStatuses, 2)
	assert.Equal(t, "http", s.SubStatuses[0].Component)
	assert.Equal(t, "nats", s.SubStatuses[1].Component)
	assert.Equal(t, map[string]bool{"http": true, "nats": false}, rec.seen)

	got, ok := m.Get("http")
	require.True(t, ok)
	assert.Equal(t, "http", got.Component)

	m.Remove("nats")
	assert.True(t, m.Report(context.Background(), "mesgateway").IsHealthy())
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Update("a", NewHealthy("a", ""))
		}()
		go func() {
			defer wg.Done()
			_ = m.Report(context.Background(), "sys")
		}()
	}
	wg.Wait()
	assert.True(t, m.Report(context.Background(), "sys").IsHealthy())
}
