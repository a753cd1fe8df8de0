package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/gateway/events"
	"github.com/c360/mesgateway/governor"
	"github.com/c360/mesgateway/pkg/security"
	"github.com/c360/mesgateway/reporter"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    gateway.Config           `json:"server" yaml:"server"`
	Remote    reporter.Config          `json:"remote" yaml:"remote"`
	Device    DeviceConfig             `json:"device" yaml:"device"`
	Security  security.Config          `json:"security" yaml:"security"`
	Limits    governor.Config          `json:"limits" yaml:"limits"`
	Events    events.Config            `json:"events" yaml:"events"`
	Heartbeat reporter.HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Logging   LoggingConfig            `json:"logging" yaml:"logging"`
}

// DeviceConfig identifies this machine in every envelope it sends.
type DeviceConfig struct {
	DevCode  string `json:"dev_code" yaml:"dev_code"`
	Operator string `json:"operator" yaml:"operator"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json or text
}

// SlogLevel maps Level onto slog, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns the shipped defaults: listen on :8080, 100
// requests per minute per client, 100 concurrent dispatches, 10 MB bodies,
// all security checks on and no event sinks.
func DefaultConfig() *Config {
	return &Config{
		Server:    gateway.DefaultConfig(),
		Remote:    reporter.DefaultConfig(),
		Device:    DeviceConfig{DevCode: "NEEDLE-01", Operator: "system"},
		Limits:    governor.DefaultConfig(),
		Events:    events.DefaultConfig(),
		Heartbeat: reporter.DefaultHeartbeatConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks every section and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := c.Remote.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}
	if strings.TrimSpace(c.Device.DevCode) == "" {
		errs = append(errs, fmt.Errorf("device: %w", errors.WrapInvalid(errors.ErrMissingConfig,
			"config", "Validate", "dev_code")))
	}
	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("security: %w", err))
	}
	if err := c.Limits.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}
	if err := c.Events.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if err := c.Heartbeat.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("heartbeat: %w", err))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging: %w", errors.WrapInvalid(
			fmt.Errorf("%w: format %q", errors.ErrInvalidConfig, c.Logging.Format),
			"config", "Validate", "check log format")))
	}
	return stderrors.Join(errs...)
}

// ReporterConfig returns the remote section stamped with the device
// identity.
func (c *Config) ReporterConfig() reporter.Config {
	rc := c.Remote
	rc.DevCode = c.Device.DevCode
	rc.Operator = c.Device.Operator
	return rc
}

// String returns the config as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.Security.SecretKey = mask(masked.Security.SecretKey)
	masked.Security.APIKeys = append([]string(nil), masked.Security.APIKeys...)
	for i := range masked.Security.APIKeys {
		masked.Security.APIKeys[i] = mask(masked.Security.APIKeys[i])
	}
	masked.Remote.APIKey = mask(masked.Remote.APIKey)
	masked.Remote.Secret = mask(masked.Remote.Secret)
	masked.Events.NATS.Token = mask(masked.Events.NATS.Token)
	masked.Events.NATS.Password = mask(masked.Events.NATS.Password)
	masked.Events.MQTT.Password = mask(masked.Events.MQTT.Password)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
