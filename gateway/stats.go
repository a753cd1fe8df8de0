package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics counts traffic since the last start or reset.
type Statistics struct {
	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsFailed  atomic.Uint64
	requestsBlocked atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	wsText          atomic.Uint64
	wsBinary        atomic.Uint64

	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time
}

// StatsSnapshot is the JSON form served on /api/server/statistics.
type StatsSnapshot struct {
	StartTime          time.Time `json:"startTime"`
	UptimeSeconds      float64   `json:"uptimeSeconds"`
	LastActivity       time.Time `json:"lastActivity,omitempty"`
	RequestsTotal      uint64    `json:"requestsTotal"`
	RequestsSuccess    uint64    `json:"requestsSuccess"`
	RequestsFailed     uint64    `json:"requestsFailed"`
	RequestsRejected   uint64    `json:"requestsRejected"`
	BytesReceived      uint64    `json:"bytesReceived"`
	BytesSent          uint64    `json:"bytesSent"`
	WebSocketText      uint64    `json:"webSocketTextMessages"`
	WebSocketBinary    uint64    `json:"webSocketBinaryMessages"`
	ActiveConnections  int       `json:"activeConnections"`
	RequestsPerSecond  float64   `json:"requestsPerSecond"`
	ErrorRate          float64   `json:"errorRate"`
}

// NewStatistics starts counting now.
func NewStatistics() *Statistics {
	s := &Statistics{}
	s.Reset()
	return s
}

// Reset zeroes every counter and restarts the clock.
func (s *Statistics) Reset() {
	s.requestsTotal.Store(0)
	s.requestsSuccess.Store(0)
	s.requestsFailed.Store(0)
	s.requestsBlocked.Store(0)
	s.bytesReceived.Store(0)
	s.bytesSent.Store(0)
	s.wsText.Store(0)
	s.wsBinary.Store(0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.lastActivity = time.Time{}
	s.mu.Unlock()
}

// RecordRequest counts one finished request by its response status.
func (s *Statistics) RecordRequest(status int, in, out int) {
	s.requestsTotal.Add(1)
	switch {
	case status >= 200 && status < 300:
		s.requestsSuccess.Add(1)
	case status == 401 || status == 403 || status == 413 || status == 429:
		s.requestsBlocked.Add(1)
	default:
		s.requestsFailed.Add(1)
	}
	s.bytesReceived.Add(uint64(max(in, 0)))
	s.bytesSent.Add(uint64(max(out, 0)))
	s.touch()
}

// RecordWebSocket counts one inbound frame.
func (s *Statistics) RecordWebSocket(binary bool, size int) {
	if binary {
		s.wsBinary.Add(1)
	} else {
		s.wsText.Add(1)
	}
	s.bytesReceived.Add(uint64(max(size, 0)))
	s.touch()
}

func (s *Statistics) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Snapshot returns the current counters. active is the live connection count.
func (s *Statistics) Snapshot(active int) StatsSnapshot {
	s.mu.RLock()
	start, last := s.startTime, s.lastActivity
	s.mu.RUnlock()

	snap := StatsSnapshot{
		StartTime:         start,
		LastActivity:      last,
		RequestsTotal:     s.requestsTotal.Load(),
		RequestsSuccess:   s.requestsSuccess.Load(),
		RequestsFailed:    s.requestsFailed.Load(),
		RequestsRejected:  s.requestsBlocked.Load(),
		BytesReceived:     s.bytesReceived.Load(),
		BytesSent:         s.bytesSent.Load(),
		WebSocketText:     s.wsText.Load(),
		WebSocketBinary:   s.wsBinary.Load(),
		ActiveConnections: active,
	}
	uptime := time.Since(start).Seconds()
	snap.UptimeSeconds = uptime
	if uptime > 0 {
		snap.RequestsPerSecond = float64(snap.RequestsTotal) / uptime
	}
	if snap.RequestsTotal > 0 {
		snap.ErrorRate = float64(snap.RequestsFailed) / float64(snap.RequestsTotal)
	}
	return snap
}
