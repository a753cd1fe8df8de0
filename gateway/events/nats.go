package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/natsclient"
)

// natsPublisher is the part of natsclient.Client the sink uses.
type natsPublisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data []byte) error
	IsHealthy() bool
	Close(ctx context.Context) error
}

// NATSSink publishes events as JSON on core NATS subjects.
type NATSSink struct {
	client natsPublisher
	prefix string
	logger *slog.Logger
}

// NewNATSSink creates the client; it does not connect. onHealth, when set,
// is called on every connection state change.
func NewNATSSink(cfg NATSConfig, logger *slog.Logger, onHealth func(bool)) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default().With("component", "nats-sink")
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.ClientName),
		natsclient.WithLogger(logger),
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if onHealth != nil {
		opts = append(opts, natsclient.WithHealthChangeCallback(onHealth))
	}

	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "NATSSink", "NewNATSSink", "create client")
	}
	return &NATSSink{client: client, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Connect implements Sink.
func (s *NATSSink) Connect(ctx context.Context) error {
	return s.client.Connect(ctx)
}

// Connected implements Sink.
func (s *NATSSink) Connected() bool { return s.client.IsHealthy() }

// Subject returns the subject an event type is published on.
func (s *NATSSink) Subject(t gateway.EventType) string {
	return s.prefix + "." + string(t)
}

// Publish implements Sink.
func (s *NATSSink) Publish(ctx context.Context, ev gateway.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "NATSSink", "Publish", "encode event")
	}
	if err := s.client.Publish(ctx, s.Subject(ev.Type), data); err != nil {
		return errors.WrapTransient(err, "NATSSink", "Publish", "publish "+string(ev.Type))
	}
	return nil
}

// Close implements Sink.
func (s *NATSSink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
