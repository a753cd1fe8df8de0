// Package metric owns the Prometheus registry for the gateway and the
// transport-level metrics every deployment exposes.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every gateway metric.
const Namespace = "mesgateway"

// Metrics contains transport-level gateway metrics. Component metrics
// (governor, dispatcher, reporter, event sinks) are registered separately
// through MetricsRegistrar.
type Metrics struct {
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	Rejections          *prometheus.CounterVec
	WebSocketClients    prometheus.Gauge
	WebSocketMessages   *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	HealthCheckStatus   *prometheus.GaugeVec
	EventSinkConnected  *prometheus.GaugeVec
	EventSinkReconnects *prometheus.CounterVec
}

// NewMetrics creates the transport metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "rejections_total",
				Help:      "Requests rejected before dispatch, by rejection code",
			},
			[]string{"code"},
		),

		WebSocketClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "websocket",
				Name:      "clients",
				Help:      "Currently connected WebSocket clients",
			},
		),

		WebSocketMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "websocket",
				Name:      "messages_total",
				Help:      "WebSocket frames received by kind (text, binary, control)",
			},
			[]string{"kind"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by component and type",
			},
			[]string{"component", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		EventSinkConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "sink_connected",
				Help:      "Event sink connection status (0=disconnected, 1=connected)",
			},
			[]string{"sink"},
		),

		EventSinkReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "sink_reconnects_total",
				Help:      "Event sink reconnections",
			},
			[]string{"sink"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HTTPRequests,
		m.HTTPDuration,
		m.Rejections,
		m.WebSocketClients,
		m.WebSocketMessages,
		m.ErrorsTotal,
		m.HealthCheckStatus,
		m.EventSinkConnected,
		m.EventSinkReconnects,
	}
}

// RecordHTTPRequest records a finished HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(route, statusLabel(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordRejection increments the rejection counter for a wire code.
func (m *Metrics) RecordRejection(code string) {
	m.Rejections.WithLabelValues(code).Inc()
}

// RecordWebSocketMessage increments the frame counter.
func (m *Metrics) RecordWebSocketMessage(kind string) {
	m.WebSocketMessages.WithLabelValues(kind).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHealthStatus updates the health gauge.
func (m *Metrics) RecordHealthStatus(component string, healthy bool) {
	m.HealthCheckStatus.WithLabelValues(component).Set(boolValue(healthy))
}

// RecordSinkStatus updates the event sink connection gauge.
func (m *Metrics) RecordSinkStatus(sink string, connected bool) {
	m.EventSinkConnected.WithLabelValues(sink).Set(boolValue(connected))
}

// RecordSinkReconnect increments the sink reconnect counter.
func (m *Metrics) RecordSinkReconnect(sink string) {
	m.EventSinkReconnects.WithLabelValues(sink).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
