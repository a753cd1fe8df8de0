package gateway

import (
	"fmt"
	"os"
	"time"

	"github.com/c360/mesgateway/errors"
)

// Config holds configuration for the gateway listener. TLS comes from the
// platform security settings.
type Config struct {
	// Address is the listen address (host:port).
	Address string `json:"address" yaml:"address"`

	// StaticRoot is served for paths no route claims. Empty disables static files.
	StaticRoot string `json:"static_root,omitempty" yaml:"static_root,omitempty"`

	// DirectoryListing renders an index for directories without index.html.
	DirectoryListing bool `json:"directory_listing,omitempty" yaml:"directory_listing,omitempty"`

	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`

	// IdleTimeout evicts connections with no activity.
	IdleTimeout time.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`

	// SweepInterval is how often idle connections are evicted.
	SweepInterval time.Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`

	// WebSocket tuning
	ReadBufferSize  int `json:"ws_read_buffer_size,omitempty" yaml:"ws_read_buffer_size,omitempty"`
	WriteBufferSize int `json:"ws_write_buffer_size,omitempty" yaml:"ws_write_buffer_size,omitempty"`

	// MessagesPerSecond throttles inbound frames per WebSocket connection; zero disables.
	MessagesPerSecond float64 `json:"ws_messages_per_second,omitempty" yaml:"ws_messages_per_second,omitempty"`
	MessageBurst      int     `json:"ws_message_burst,omitempty" yaml:"ws_message_burst,omitempty"`

	// CORSOrigins lists allowed origins. Use ["*"] for development only.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// Validate ensures the gateway configuration is valid
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"address cannot be empty")
	}

	if c.StaticRoot != "" {
		info, err := os.Stat(c.StaticRoot)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "stat static_root")
		}
		if !info.IsDir() {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("static_root %s is not a directory", c.StaticRoot))
		}
	}

	for name, d := range map[string]time.Duration{
		"read_timeout":   c.ReadTimeout,
		"write_timeout":  c.WriteTimeout,
		"idle_timeout":   c.IdleTimeout,
		"sweep_interval": c.SweepInterval,
	} {
		if d < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				name+" cannot be negative")
		}
	}

	if c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"websocket buffer sizes cannot be negative")
	}

	if c.MessagesPerSecond < 0 || c.MessageBurst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"websocket message rate cannot be negative")
	}

	return nil
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = def.WriteBufferSize
	}
	if c.MessagesPerSecond > 0 && c.MessageBurst == 0 {
		c.MessageBurst = int(c.MessagesPerSecond) + 1
	}
	return c
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		Address:         ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     5 * time.Minute,
		SweepInterval:   time.Minute,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}
