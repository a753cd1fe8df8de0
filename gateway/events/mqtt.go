package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/gateway"
)

// mqttClient is the subset of mqtt.Client used by the sink.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTSink publishes events as JSON to MQTT topics.
type MQTTSink struct {
	client   mqttClient
	prefix   string
	qos      byte
	retained bool
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMQTTSink builds a paho client with auto reconnect. onHealth, when
// set, is called on connect and on connection loss.
func NewMQTTSink(cfg MQTTConfig, timeout time.Duration, logger *slog.Logger, onHealth func(bool)) *MQTTSink {
	if logger == nil {
		logger = slog.Default().With("component", "mqtt-sink")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("connected to mqtt broker", "broker", cfg.Broker)
		if onHealth != nil {
			onHealth(true)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
		if onHealth != nil {
			onHealth(false)
		}
	}

	return newMQTTSink(mqtt.NewClient(opts), cfg, timeout, logger)
}

func newMQTTSink(client mqttClient, cfg MQTTConfig, timeout time.Duration, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default().With("component", "mqtt-sink")
	}
	return &MQTTSink{
		client:   client,
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  timeout,
		logger:   logger,
	}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Connect implements Sink.
func (s *MQTTSink) Connect(ctx context.Context) error {
	return waitToken(ctx, s.client.Connect(), s.timeout, "Connect", "connect to broker")
}

// Connected implements Sink.
func (s *MQTTSink) Connected() bool { return s.client.IsConnected() }

// Topic returns the topic an event type is published on.
func (s *MQTTSink) Topic(t gateway.EventType) string {
	return s.prefix + "/" + strings.ReplaceAll(string(t), ".", "/")
}

// Publish implements Sink.
func (s *MQTTSink) Publish(ctx context.Context, ev gateway.Event) error {
	if !s.client.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "MQTTSink", "Publish", "check connection")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "MQTTSink", "Publish", "encode event")
	}
	return waitToken(ctx, s.client.Publish(s.Topic(ev.Type), s.qos, s.retained, data), s.timeout,
		"Publish", "publish "+string(ev.Type))
}

// Close implements Sink.
func (s *MQTTSink) Close(context.Context) error {
	s.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration, method, action string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.WrapTransient(err, "MQTTSink", method, action)
		}
		return nil
	case <-timer.C:
		return errors.WrapTransient(fmt.Errorf("%w after %v", errors.ErrConnectionTimeout, timeout),
			"MQTTSink", method, action)
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "MQTTSink", method, action)
	}
}
