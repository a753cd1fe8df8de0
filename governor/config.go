package governor

import (
	"fmt"
	"time"

	"github.com/c360/mesgateway/errors"
)

// Config holds the load limits applied to every inbound request.
type Config struct {
	// MaxRequestsPerMinute is the per-client allowance in the rate window.
	MaxRequestsPerMinute int `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	// MaxConcurrentConnections sizes the dispatch semaphore.
	MaxConcurrentConnections int `json:"max_concurrent_connections" yaml:"max_concurrent_connections"`
	// MaxDataSizeMB caps the request body in MiB.
	MaxDataSizeMB int `json:"max_data_size_mb" yaml:"max_data_size_mb"`
	// SlotTimeout bounds the wait for a dispatch slot.
	SlotTimeout time.Duration `json:"slot_timeout" yaml:"slot_timeout"`
	// Window is the rate limit window.
	Window time.Duration `json:"window" yaml:"window"`
	// SweepInterval is how often idle rate trackers are dropped.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute:     100,
		MaxConcurrentConnections: 100,
		MaxDataSizeMB:            10,
		SlotTimeout:              5 * time.Second,
		Window:                   time.Minute,
		SweepInterval:            5 * time.Minute,
	}
}

// Validate checks that every limit is positive.
func (c Config) Validate() error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"max_requests_per_minute", c.MaxRequestsPerMinute > 0},
		{"max_concurrent_connections", c.MaxConcurrentConnections > 0},
		{"max_data_size_mb", c.MaxDataSizeMB > 0},
		{"slot_timeout", c.SlotTimeout > 0},
		{"window", c.Window > 0},
		{"sweep_interval", c.SweepInterval > 0},
	}
	for _, chk := range checks {
		if !chk.ok {
			return errors.WrapInvalid(fmt.Errorf("%w: %s must be positive", errors.ErrInvalidConfig, chk.name),
				"governor", "Validate", "check limits")
		}
	}
	return nil
}

// MaxBytes returns the payload cap in bytes.
func (c Config) MaxBytes() int64 {
	return int64(c.MaxDataSizeMB) << 20
}
