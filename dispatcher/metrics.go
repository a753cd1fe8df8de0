package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mesgateway/metric"
)

type dispatchMetrics struct {
	dispatched *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newDispatchMetrics(registrar metric.MetricsRegistrar) (*dispatchMetrics, error) {
	m := &dispatchMetrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatcher",
			Name:      "commands_total",
			Help:      "Dispatched commands by service name and response status code",
		}, []string{"service", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatcher",
			Name:      "command_duration_seconds",
			Help:      "Command handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
	}
	if err := registrar.RegisterCounterVec("dispatcher", "commands", m.dispatched); err != nil {
		return nil, err
	}
	if err := registrar.RegisterHistogramVec("dispatcher", "command_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}
