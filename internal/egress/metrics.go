package egress

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for outbound provider calls.
type Metrics struct {
	Requests *prometheus.CounterVec
	Retries  *prometheus.CounterVec
}

// NewMetrics creates and registers egress metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "egress",
			Name:      "requests_total",
			Help:      "Outbound provider requests by host and status code (0 = transport error).",
		}, []string{"host", "status_code"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "egress",
			Name:      "retries_total",
			Help:      "Outbound requests retried after HTTP 429.",
		}, []string{"host"}),
	}

	reg.MustRegister(m.Requests, m.Retries)
	return m
}

func (m *Metrics) observe(host string, code int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(host, strconv.Itoa(code)).Inc()
}

func (m *Metrics) retried(host string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(host).Inc()
}
