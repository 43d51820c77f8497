package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the validation cache.
type Metrics struct {
	Lookups *prometheus.CounterVec
	Errors  *prometheus.CounterVec
}

// NewMetrics creates and registers cache metrics. Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "validation_cache",
			Name:      "lookups_total",
			Help:      "Validation cache lookups by result.",
		}, []string{"result"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "validation_cache",
			Name:      "errors_total",
			Help:      "Validation cache failures treated as misses, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(m.Lookups, m.Errors)
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.Lookups.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) missed() {
	if m != nil {
		m.Lookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) errored(op string) {
	if m != nil {
		m.Errors.WithLabelValues(op).Inc()
	}
}
