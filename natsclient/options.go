package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// settings collects what the options configure before a Client exists.
type settings struct {
	name          string
	username      string
	password      string
	token         string
	timeout       time.Duration
	maxReconnects int
	reconnectWait time.Duration
	drainTimeout  time.Duration
	tripAfter     int
	maxCooldown   time.Duration
	logger        *slog.Logger
	onHealth      func(bool)
}

func defaultSettings() settings {
	return settings{
		timeout:       5 * time.Second,
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		drainTimeout:  10 * time.Second,
		tripAfter:     5,
		maxCooldown:   time.Minute,
	}
}

// ClientOption configures a Client.
type ClientOption func(*settings) error

// WithName sets the connection name shown by the server.
func WithName(name string) ClientOption {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

// WithCredentials authenticates with a user and password.
func WithCredentials(username, password string) ClientOption {
	return func(s *settings) error {
		if username == "" {
			return fmt.Errorf("username is empty")
		}
		s.username, s.password = username, password
		return nil
	}
}

// WithToken authenticates with a token.
func WithToken(token string) ClientOption {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithTimeout bounds a single dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		s.timeout = d
		return nil
	}
}

// WithMaxReconnects limits reconnects of an established connection; -1
// retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(s *settings) error {
		s.maxReconnects = n
		return nil
	}
}

// WithBreaker trips the connect breaker after tripAfter consecutive failures
// and caps its cooldown at maxCooldown.
func WithBreaker(tripAfter int, maxCooldown time.Duration) ClientOption {
	return func(s *settings) error {
		if tripAfter < 1 || maxCooldown < initialCooldown {
			return fmt.Errorf("breaker needs tripAfter >= 1 and maxCooldown >= %v", initialCooldown)
		}
		s.tripAfter, s.maxCooldown = tripAfter, maxCooldown
		return nil
	}
}

// WithHealthChangeCallback is called with true on connect and reconnect and
// with false on disconnect.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(s *settings) error {
		s.onHealth = fn
		return nil
	}
}

func (s settings) natsOptions(c *Client) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(s.timeout),
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.DrainTimeout(s.drainTimeout),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ErrorHandler(c.onAsyncError),
	}
	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	if s.username != "" {
		opts = append(opts, nats.UserInfo(s.username, s.password))
	}
	if s.token != "" {
		opts = append(opts, nats.Token(s.token))
	}
	return opts
}
