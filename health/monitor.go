package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CheckFunc reports the live status of one component.
type CheckFunc func(ctx context.Context) Status

// Recorder receives every evaluated component status, typically the
// Prometheus health gauge.
type Recorder interface {
	RecordHealthStatus(component string, healthy bool)
}

// Monitor tracks component health. Components either push a status with
// Update or register a CheckFunc that is evaluated on every Report.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]CheckFunc
	recorder Recorder
}

// NewMonitor creates a monitor. recorder may be nil.
func NewMonitor(recorder Recorder) *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]CheckFunc),
		recorder: recorder,
	}
}

// Update stores a pushed status for name.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Register adds a live check for name, replacing any previous one.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Remove drops both the pushed status and the check for name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// Get returns the last pushed status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Report evaluates all checks, merges pushed statuses and aggregates them
// under systemName. Sub-statuses are sorted by component name.
func (m *Monitor) Report(ctx context.Context, systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses)+len(m.checks))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	for name, check := range checks {
		s := check(ctx)
		s.Component = name
		subs = append(subs, s)
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })

	if m.recorder != nil {
		for _, s := range subs {
			m.recorder.RecordHealthStatus(s.Component, s.IsHealthy())
		}
	}
	return Aggregate(systemName, subs)
}
