package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestTypeWebSocket marks a connection that is an open WebSocket.
const RequestTypeWebSocket = "WebSocket"

// ClientConnection is a snapshot of one live connection.
type ClientConnection struct {
	ID               string    `json:"id"`
	IPAddress        string    `json:"ipAddress"`
	ConnectTime      time.Time `json:"connectTime"`
	LastActivityTime time.Time `json:"lastActivityTime"`
	RequestType      string    `json:"requestType"`
}

// ConnectionRegistry tracks live HTTP requests and WebSocket connections.
// Only the transport mutates it; everything else reads snapshots.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*ClientConnection
	now   func() time.Time
	bus   *EventBus
}

// NewConnectionRegistry creates an empty registry. bus may be nil.
func NewConnectionRegistry(bus *EventBus) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*ClientConnection),
		now:   time.Now,
		bus:   bus,
	}
}

// Add records a new connection and returns its id.
func (r *ConnectionRegistry) Add(ip, requestType string) string {
	now := r.now()
	c := &ClientConnection{
		ID:               uuid.NewString(),
		IPAddress:        ip,
		ConnectTime:      now,
		LastActivityTime: now,
		RequestType:      requestType,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	r.bus.Publish(Event{Type: EventConnectionOpened, ConnectionID: c.ID, ClientIP: ip, ServiceName: requestType})
	return c.ID
}

// Touch updates the activity time and, when non-empty, the request type.
func (r *ConnectionRegistry) Touch(id, requestType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.LastActivityTime = r.now()
	if requestType != "" {
		c.RequestType = requestType
	}
	return true
}

// Remove drops a connection. Removing an unknown id is a no-op.
func (r *ConnectionRegistry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if ok {
		r.bus.Publish(Event{Type: EventConnectionClosed, ConnectionID: id, ClientIP: c.IPAddress})
	}
}

// Get returns a copy of the connection.
func (r *ConnectionRegistry) Get(id string) (ClientConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return ClientConnection{}, false
	}
	return *c, true
}

// List returns copies of all connections ordered by connect time.
func (r *ConnectionRegistry) List() []ClientConnection {
	r.mu.RLock()
	out := make([]ClientConnection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectTime.Equal(out[j].ConnectTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectTime.Before(out[j].ConnectTime)
	})
	return out
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SweepIdle removes connections idle for longer than maxIdle and returns
// their ids.
func (r *ConnectionRegistry) SweepIdle(maxIdle time.Duration) []string {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var evicted []*ClientConnection
	for id, c := range r.conns {
		if c.LastActivityTime.Before(cutoff) {
			evicted = append(evicted, c)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, c := range evicted {
		ids = append(ids, c.ID)
		r.bus.Publish(Event{Type: EventConnectionClosed, ConnectionID: c.ID, ClientIP: c.IPAddress, Message: "idle timeout"})
	}
	return ids
}

// Run sweeps idle connections every interval until ctx is done.
func (r *ConnectionRegistry) Run(ctx context.Context, interval, maxIdle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.SweepIdle(maxIdle)
		}
	}
}
