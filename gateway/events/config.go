package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/mesgateway/errors"
)

// Config selects the external sinks gateway events are forwarded to.
type Config struct {
	NATS NATSConfig `json:"nats" yaml:"nats"`
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt"`

	Workers        int           `json:"workers" yaml:"workers"`
	QueueSize      int           `json:"queue_size" yaml:"queue_size"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// NATSConfig configures the NATS sink. Events go to
// <subject_prefix>.<event type>, for example mes.gateway.request.rejected.
type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	ClientName    string `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
	Username      string `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
}

// MQTTConfig configures the MQTT sink. Events go to
// <topic_prefix>/<event type with dots as slashes>.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
	Retained    bool   `json:"retained" yaml:"retained"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
}

// DefaultConfig returns both sinks disabled.
func DefaultConfig() Config {
	return Config{
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "mes.gateway",
			ClientName:    "mesgateway",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "mesgateway",
			TopicPrefix: "mes/gateway",
			QoS:         1,
		},
		Workers:        2,
		QueueSize:      256,
		PublishTimeout: 5 * time.Second,
	}
}

// Enabled reports whether any sink is configured.
func (c Config) Enabled() bool {
	return c.NATS.Enabled || c.MQTT.Enabled
}

// Validate checks enabled sinks only.
func (c Config) Validate() error {
	if c.Workers < 0 || c.QueueSize < 0 || c.PublishTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "events", "Validate",
			"workers, queue_size and publish_timeout must not be negative")
	}
	if c.NATS.Enabled {
		if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
			return errors.WrapInvalid(fmt.Errorf("%w: nats url %q", errors.ErrInvalidConfig, c.NATS.URL),
				"events", "Validate", "check nats url")
		}
		if strings.TrimSpace(c.NATS.SubjectPrefix) == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "events", "Validate", "nats subject_prefix")
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "events", "Validate", "mqtt broker")
		}
		if c.MQTT.QoS > 2 {
			return errors.WrapInvalid(fmt.Errorf("%w: qos %d", errors.ErrInvalidConfig, c.MQTT.QoS),
				"events", "Validate", "check mqtt qos")
		}
		if strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "events", "Validate", "mqtt topic_prefix")
		}
	}
	return nil
}
