package governor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mesgateway/metric"
)

type governorMetrics struct {
	decisions      *prometheus.CounterVec
	slotsInUse     prometheus.Gauge
	trackedClients prometheus.Gauge
}

func newGovernorMetrics(registrar metric.MetricsRegistrar) (*governorMetrics, error) {
	m := &governorMetrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "governor",
			Name:      "decisions_total",
			Help:      "Governor decisions by outcome code",
		}, []string{"code"}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "governor",
			Name:      "slots_in_use",
			Help:      "Dispatch slots currently held",
		}),
		trackedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "governor",
			Name:      "tracked_clients",
			Help:      "Clients with a live rate tracker after the last sweep",
		}),
	}

	if err := registrar.RegisterCounterVec("governor", "decisions", m.decisions); err != nil {
		return nil, err
	}
	if err := registrar.RegisterGauge("governor", "slots_in_use", m.slotsInUse); err != nil {
		return nil, err
	}
	if err := registrar.RegisterGauge("governor", "tracked_clients", m.trackedClients); err != nil {
		return nil, err
	}
	return m, nil
}
