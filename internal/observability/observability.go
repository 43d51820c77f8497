// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// readiness checks and provider anomaly detection for keyvault.
// All components are optional and nil-safe. When a feature is disabled its
// field stays nil and callers skip recording with a single nil check.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/keyvault/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field except Health may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// A nil config yields a facade with only the health checker set.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger).WithMetrics(obs.Metrics)
	}
	return obs, nil
}

// Registry returns the shared Prometheus registry, or nil when metrics are
// disabled. Package-level NewMetrics constructors accept nil.
func (o *Observability) Registry() *prometheus.Registry {
	if o == nil || o.Metrics == nil {
		return nil
	}
	return o.Metrics.Registry
}

// OTelTracer returns the service tracer. It is a no-op tracer when tracing is off.
func (o *Observability) OTelTracer() trace.Tracer {
	if o == nil {
		return (*TracerSetup)(nil).Tracer()
	}
	return o.Tracer.Tracer()
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}
