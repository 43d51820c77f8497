package background

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the background executor.
type Metrics struct {
	JobsCompleted *prometheus.CounterVec
	JobsDropped   *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	QueueDepth    prometheus.Gauge
}

// NewMetrics creates and registers executor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "background",
			Name:      "jobs_completed_total",
			Help:      "Background jobs run to completion, by job and result.",
		}, []string{"job", "result"}),
		JobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "background",
			Name:      "jobs_dropped_total",
			Help:      "Background jobs rejected because the queue was full or closed.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyvault",
			Subsystem: "background",
			Name:      "job_duration_seconds",
			Help:      "Background job run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyvault",
			Subsystem: "background",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
	}

	reg.MustRegister(m.JobsCompleted, m.JobsDropped, m.JobDuration, m.QueueDepth)
	return m
}

func (m *Metrics) observe(job string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.JobsCompleted.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) dropped(job string) {
	if m != nil {
		m.JobsDropped.WithLabelValues(job).Inc()
	}
}

func (m *Metrics) queued(depth int) {
	if m != nil {
		m.QueueDepth.Set(float64(depth))
	}
}
