package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a transport notification.
type EventType string

// Transport notifications.
const (
	EventConnectionOpened EventType = "connection.opened"
	EventConnectionClosed EventType = "connection.closed"
	EventMessageReceived  EventType = "message.received"
	EventStatusChanged    EventType = "status.changed"
	EventRequestRejected  EventType = "request.rejected"
)

// Event is published by the transport for observers such as logging or an
// operator console. Fields not relevant to the type are empty.
type Event struct {
	Type         EventType `json:"type"`
	Time         time.Time `json:"time"`
	ConnectionID string    `json:"connectionId,omitempty"`
	ClientIP     string    `json:"clientIp,omitempty"`
	ServiceName  string    `json:"serviceName,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
	StatusCode   int       `json:"statusCode,omitempty"`
	Code         string    `json:"code,omitempty"`
	Message      string    `json:"message,omitempty"`
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// EventBus fans events out to subscribers over buffered channels. A
// subscriber whose buffer is full misses the event; Publish never blocks.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber with the given buffer size. The cancel
// func unsubscribes and closes the channel; it is safe to call twice.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer. A nil
// bus discards events.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *EventBus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, sub := range b.subs {
		n += sub.dropped.Load()
	}
	return n
}

// Close closes every subscriber channel. Later Subscribe calls get a closed
// channel and later Publish calls are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
