package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/mesgateway/errors"
)

// State is the connection state seen by the gateway.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateTripped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTripped:
		return "tripped"
	}
	return "unknown"
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = errors.ErrCircuitOpen
)

// Client is a publish-side NATS connection guarded by a connect breaker.
type Client struct {
	url    string
	set    settings
	logger *slog.Logger
	brk    *breaker

	state  atomic.Int32
	closed atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewClient validates the options; it does not dial.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "nats url")
	}
	set := defaultSettings()
	for _, opt := range opts {
		if err := opt(&set); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	logger := set.logger
	if logger == nil {
		logger = slog.Default().With("component", "natsclient")
	}
	return &Client{
		url:    url,
		set:    set,
		logger: logger,
		brk:    newBreaker(set.tripAfter, set.maxCooldown),
	}, nil
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// State reports the connection state. A disconnected client whose breaker is
// open reports StateTripped.
func (c *Client) State() State {
	s := State(c.state.Load())
	if s == StateDisconnected && c.brk.tripped() {
		return StateTripped
	}
	return s
}

// IsHealthy reports whether the client is connected.
func (c *Client) IsHealthy() bool { return c.State() == StateConnected }

// Failures counts connect failures since the last success.
func (c *Client) Failures() int { return c.brk.failures() }

// Connect dials the server once. It fails fast with ErrCircuitOpen while the
// breaker is tripped.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.brk.allow(); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.WrapFatal(ErrNotConnected, "Client", "Connect", "client closed")
	}

	c.state.Store(int32(StateConnecting))
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	dialed := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.set.natsOptions(c)...)
		dialed <- result{conn, err}
	}()

	var err error
	select {
	case r := <-dialed:
		if r.err == nil {
			c.mu.Lock()
			c.conn = r.conn
			c.mu.Unlock()
		}
		err = r.err
	case <-ctx.Done():
		err = ctx.Err()
		go func() {
			if r := <-dialed; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if tripped, wait := c.brk.failure(); tripped {
			c.logger.Warn("NATS connect breaker tripped", "failures", c.brk.failures(), "cooldown", wait)
		}
		return errors.WrapTransient(err, "Client", "Connect", "dial "+c.url)
	}

	c.brk.success()
	c.state.Store(int32(StateConnected))
	c.logger.Info("Connected to NATS", "url", c.url)
	c.notify(true)
	return nil
}

func (c *Client) current() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil
	}
	return c.conn
}

// Publish sends data on subject without waiting for the server.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Subscribe delivers payloads published on subject until the client closes.
func (c *Client) Subscribe(ctx context.Context, subject string, fn func(context.Context, []byte)) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Subscribe(subject, func(m *nats.Msg) { fn(ctx, m.Data) }); err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	return nil
}

// Flush waits for the server to acknowledge everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn := c.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Close drains the connection within ctx and forgets the credentials. It is
// safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.set.password, c.set.token = "", ""
	c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))

	if conn == nil {
		return nil
	}
	defer conn.Close()

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()
	select {
	case err := <-drained:
		if err != nil {
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-ctx.Done():
		c.logger.Warn("NATS drain interrupted, closing", "error", ctx.Err())
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}
}

func (c *Client) notify(healthy bool) {
	if c.set.onHealth != nil {
		c.set.onHealth(healthy)
	}
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.state.Store(int32(StateReconnecting))
	c.logger.Warn("NATS disconnected", "error", err)
	c.notify(false)
}

func (c *Client) onReconnect(_ *nats.Conn) {
	c.state.Store(int32(StateConnected))
	c.logger.Info("NATS reconnected", "url", c.url)
	c.notify(true)
}

func (c *Client) onAsyncError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS async error", "error", err)
}
