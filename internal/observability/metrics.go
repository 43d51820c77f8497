package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "keyvault"

// MetricsCollector owns the process-wide Prometheus registry and the
// metrics recorded at the service edges. Subsystem packages register their
// own collectors on Registry through their NewMetrics constructors.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// HTTP gateway.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	// Provider calls seen through InstrumentedValidator.
	ValidatorRequestsTotal *prometheus.CounterVec
	ValidatorDuration      *prometheus.HistogramVec
	HealthProbesTotal      *prometheus.CounterVec

	AnomaliesTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector on a fresh registry that
// also carries the Go runtime and process collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "HTTP requests currently in flight.",
		}),

		ValidatorRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "validations_total",
			Help:      "Provider validation calls by outcome status.",
		}, []string{"provider", "status"}),

		ValidatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "validation_duration_seconds",
			Help:      "Provider validation latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		HealthProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "health_probes_total",
			Help:      "Provider health probes by resulting status.",
		}, []string{"provider", "status"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "anomalies_total",
			Help:      "Provider failure-rate anomalies detected.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ValidatorRequestsTotal,
		m.ValidatorDuration,
		m.HealthProbesTotal,
		m.AnomaliesTotal,
	)
	return m
}
