package reporter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mesgateway/metric"
)

type reporterMetrics struct {
	reports  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newReporterMetrics(registrar metric.MetricsRegistrar) (*reporterMetrics, error) {
	m := &reporterMetrics{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "reporter",
			Name:      "reports_total",
			Help:      "Outbound reports by kind and outcome",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "reporter",
			Name:      "report_duration_seconds",
			Help:      "Outbound report round trip in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if err := registrar.RegisterCounterVec("reporter", "reports", m.reports); err != nil {
		return nil, err
	}
	if err := registrar.RegisterHistogramVec("reporter", "report_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *reporterMetrics) record(kind Kind, res Result) {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	m.reports.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(res.Elapsed.Seconds())
}
