package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/keyvault/internal/domain"
)

// Validator is the provider-validation surface the vault service consumes.
type Validator interface {
	Validate(ctx context.Context, provider domain.Provider, key string) *domain.ValidationResult
	Health(ctx context.Context, provider domain.Provider) *domain.HealthResult
	Providers() []domain.Provider
}

// InstrumentedValidator wraps a Validator with metrics, tracing and
// anomaly detection. Keys never reach span attributes or labels.
type InstrumentedValidator struct {
	inner   Validator
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedValidator wraps inner. Any of metrics, ts and anomaly may be nil.
func NewInstrumentedValidator(inner Validator, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedValidator {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedValidator{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (v *InstrumentedValidator) Providers() []domain.Provider { return v.inner.Providers() }

func (v *InstrumentedValidator) Validate(ctx context.Context, provider domain.Provider, key string) *domain.ValidationResult {
	var span trace.Span
	if v.tracer != nil {
		ctx, span = v.tracer.Start(ctx, "provider.validate",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("provider", provider.String())))
		defer span.End()
	}

	start := time.Now()
	res := v.inner.Validate(ctx, provider, key)
	elapsed := time.Since(start)

	status := string(domain.StatusServiceError)
	if res != nil {
		status = string(res.Status)
	}
	if span != nil {
		span.SetAttributes(attribute.String("validation.status", status))
		if status == string(domain.StatusServiceError) {
			span.SetStatus(codes.Error, "provider validation failed")
		}
	}
	if v.metrics != nil {
		v.metrics.ValidatorRequestsTotal.WithLabelValues(provider.String(), status).Inc()
		v.metrics.ValidatorDuration.WithLabelValues(provider.String()).Observe(elapsed.Seconds())
	}

	switch domain.ValidationStatus(status) {
	case domain.StatusFormatError:
		// Rejected locally; the provider was never contacted.
	case domain.StatusServiceError, domain.StatusRateLimited:
		v.anomaly.RecordFailure(provider.String())
	default:
		v.anomaly.RecordSuccess(provider.String())
	}
	return res
}

func (v *InstrumentedValidator) Health(ctx context.Context, provider domain.Provider) *domain.HealthResult {
	var span trace.Span
	if v.tracer != nil {
		ctx, span = v.tracer.Start(ctx, "provider.health",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("provider", provider.String())))
		defer span.End()
	}

	res := v.inner.Health(ctx, provider)
	status := domain.HealthUnknown
	if res != nil {
		status = res.Status
	}
	if span != nil {
		span.SetAttributes(attribute.String("health.status", string(status)))
		if status == domain.HealthUnhealthy {
			span.SetStatus(codes.Error, "provider unhealthy")
		}
	}
	if v.metrics != nil {
		v.metrics.HealthProbesTotal.WithLabelValues(provider.String(), string(status)).Inc()
	}
	return res
}
