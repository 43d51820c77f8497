package vault

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/keyvault/internal/domain"
)

// Metrics holds Prometheus metrics for vault operations.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Validations       *prometheus.CounterVec
	ProviderHealth    *prometheus.GaugeVec
}

// NewMetrics creates and registers vault metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Vault operations by operation and result.",
		}, []string{"operation", "result"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyvault",
			Subsystem: "vault",
			Name:      "operation_duration_seconds",
			Help:      "Vault operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "vault",
			Name:      "validations_total",
			Help:      "Key validation outcomes by provider, status and source (cache or live).",
		}, []string{"provider", "status", "source"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keyvault",
			Subsystem: "vault",
			Name:      "provider_healthy",
			Help:      "1 if the last health probe classified the provider healthy, 0.5 degraded, 0 otherwise.",
		}, []string{"provider"}),
	}

	reg.MustRegister(m.Operations, m.OperationDuration, m.Validations, m.ProviderHealth)
	return m
}

func (m *Metrics) observe(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) validated(res *domain.ValidationResult, source string) {
	if m != nil {
		m.Validations.WithLabelValues(string(res.Provider), string(res.Status), source).Inc()
	}
}

func (m *Metrics) health(res *domain.HealthResult) {
	if m == nil {
		return
	}
	var v float64
	switch res.Status {
	case domain.HealthHealthy:
		v = 1
	case domain.HealthDegraded:
		v = 0.5
	}
	m.ProviderHealth.WithLabelValues(string(res.Provider)).Set(v)
}
