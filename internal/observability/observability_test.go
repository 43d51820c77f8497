package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/keyvault/internal/config"
	"github.com/jkaninda/keyvault/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Health == nil {
		t.Fatal("health checker should always be created")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("optional components should be nil without config")
	}
	if obs.Registry() != nil {
		t.Error("Registry() should be nil when metrics are disabled")
	}
	if obs.OTelTracer() == nil {
		t.Error("OTelTracer() should fall back to a no-op tracer")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil || obs.Registry() == nil {
		t.Fatal("metrics should be enabled")
	}
	if obs.Anomaly == nil || obs.Anomaly.metrics != obs.Metrics {
		t.Fatal("anomaly detector should share the metrics collector")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.Registry() != nil {
		t.Error("nil facade should have no registry")
	}
}

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{})
	if err != nil || ts != nil {
		t.Fatalf("NewTracerSetup(disabled) = %v, %v; want nil, nil", ts, err)
	}
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should return a no-op tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}
}

func TestNewTracerSetup_UnknownProtocol(t *testing.T) {
	_, err := NewTracerSetup(&config.TracingConfig{Enabled: true, Protocol: "udp"})
	if err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	m.ValidatorRequestsTotal.WithLabelValues("openai", "valid").Inc()
	m.AnomaliesTotal.WithLabelValues("openai").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"keyvault_http_requests_total",
		"keyvault_provider_validations_total",
		"keyvault_provider_anomalies_total",
		"keyvault_active_requests",
		"go_goroutines",
	} {
		if !names[want] {
			t.Errorf("metric %q not found in registry", want)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if s := h.CheckReady(context.Background()); !s.Ready() {
		t.Errorf("status = %q, want ok", s.Status)
	}
	if s := h.CheckHealth(); s.Status != "ok" {
		t.Errorf("liveness = %q, want ok", s.Status)
	}
}

func TestHealthChecker_Degraded(t *testing.T) {
	h := NewHealthChecker(discardLogger())
	h.AddCheck("database", func(context.Context) error { return nil })
	h.AddCheck("cache", func(context.Context) error { return errors.New("connection refused") })

	s := h.CheckReady(context.Background())
	if s.Ready() {
		t.Fatal("expected degraded status")
	}
	if s.Checks["database"].Status != "ok" {
		t.Errorf("database = %+v", s.Checks["database"])
	}
	if got := s.Checks["cache"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("cache = %+v", got)
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if s := h.CheckReady(ctx); s.Ready() {
		t.Fatal("expected slow check to fail on deadline")
	}
}

// --- AnomalyDetector ---

func newTestDetector(threshold float64) (*AnomalyDetector, *MetricsCollector, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMetricsCollector()
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: threshold,
		WindowSeconds:      60,
	}, discardLogger()).WithMetrics(m).WithClock(func() time.Time { return now })
	return a, m, &now
}

func TestAnomaly_BelowMinimumSamples(t *testing.T) {
	a, _, _ := newTestDetector(0.5)
	for range minAnomalySamples - 1 {
		if a.RecordFailure("openai") {
			t.Fatal("anomaly raised before minimum samples")
		}
	}
}

func TestAnomaly_RaisedOncePerWindow(t *testing.T) {
	a, m, now := newTestDetector(0.5)
	a.RecordSuccess("openai")

	raised := 0
	for range 10 {
		if a.RecordFailure("openai") {
			raised++
		}
	}
	if raised != 1 {
		t.Fatalf("raised = %d, want 1", raised)
	}
	if got := counterValue(t, m.Registry, "keyvault_provider_anomalies_total", prometheus.Labels{"provider": "openai"}); got != 1 {
		t.Errorf("anomalies counter = %v, want 1", got)
	}

	*now = now.Add(61 * time.Second)
	for range minAnomalySamples {
		a.RecordFailure("openai")
	}
	if got := counterValue(t, m.Registry, "keyvault_provider_anomalies_total", prometheus.Labels{"provider": "openai"}); got != 2 {
		t.Errorf("anomalies counter after window = %v, want 2", got)
	}
}

func TestAnomaly_HealthyRate(t *testing.T) {
	a, _, _ := newTestDetector(0.5)
	for range 8 {
		a.RecordSuccess("github")
	}
	for range 2 {
		if a.RecordFailure("github") {
			t.Fatal("20% failure rate should not trip a 50% threshold")
		}
	}
	if got := a.FailureRate("github"); got != 0.2 {
		t.Errorf("FailureRate = %v, want 0.2", got)
	}
}

func TestAnomaly_WindowExpiry(t *testing.T) {
	a, _, now := newTestDetector(0.5)
	for range 4 {
		a.RecordFailure("gemini")
	}
	*now = now.Add(2 * time.Minute)
	if got := a.FailureRate("gemini"); got != 0 {
		t.Errorf("FailureRate after expiry = %v, want 0", got)
	}
}

func TestAnomaly_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordSuccess("openai")
	if a.RecordFailure("openai") {
		t.Error("nil detector should never raise")
	}
}

// --- HTTP middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	handler := HTTPMetricsMiddleware(metrics, tp.Tracer("test"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "keyvault_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/readyz", "status_code": "503"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "http.request" {
		t.Fatalf("spans = %d, want one http.request span", len(spans))
	}
}

func TestHTTPMetricsMiddleware_ImplicitOK(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	val := counterValue(t, metrics.Registry, "keyvault_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/healthz", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

// --- InstrumentedValidator ---

type fakeValidator struct {
	mu     sync.Mutex
	status domain.ValidationStatus
	health domain.HealthStatus
	keys   []string
}

func (f *fakeValidator) Validate(_ context.Context, p domain.Provider, key string) *domain.ValidationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return domain.NewResult(p, f.status, "")
}

func (f *fakeValidator) Health(_ context.Context, p domain.Provider) *domain.HealthResult {
	return &domain.HealthResult{Provider: p, Status: f.health}
}

func (f *fakeValidator) Providers() []domain.Provider {
	return []domain.Provider{domain.ProviderOpenAI}
}

func TestInstrumentedValidator_Validate(t *testing.T) {
	inner := &fakeValidator{status: domain.StatusValid}
	metrics := NewMetricsCollector()
	v := NewInstrumentedValidator(inner, metrics, nil, nil)

	res := v.Validate(context.Background(), domain.ProviderOpenAI, "sk-test")
	if !res.Valid {
		t.Fatalf("result = %+v, want valid", res)
	}
	if len(inner.keys) != 1 || inner.keys[0] != "sk-test" {
		t.Errorf("inner saw keys %v", inner.keys)
	}
	val := counterValue(t, metrics.Registry, "keyvault_provider_validations_total",
		prometheus.Labels{"provider": "openai", "status": "valid"})
	if val != 1 {
		t.Errorf("validations = %v, want 1", val)
	}
	if got := v.Providers(); len(got) != 1 {
		t.Errorf("Providers() = %v", got)
	}
}

func TestInstrumentedValidator_FeedsAnomaly(t *testing.T) {
	inner := &fakeValidator{status: domain.StatusServiceError}
	anomaly, metrics, _ := newTestDetector(0.5)
	v := NewInstrumentedValidator(inner, metrics, nil, anomaly)

	for range minAnomalySamples {
		v.Validate(context.Background(), domain.ProviderOpenAI, "sk-x")
	}
	if got := counterValue(t, metrics.Registry, "keyvault_provider_anomalies_total", prometheus.Labels{"provider": "openai"}); got != 1 {
		t.Errorf("anomalies = %v, want 1", got)
	}

	inner.status = domain.StatusFormatError
	v.Validate(context.Background(), domain.ProviderOpenAI, "bad")
	if got := anomaly.FailureRate("openai"); got != 1 {
		t.Errorf("format errors should not count toward the failure rate, got %v", got)
	}
}

func TestInstrumentedValidator_HealthSpan(t *testing.T) {
	inner := &fakeValidator{health: domain.HealthUnhealthy}
	metrics := NewMetricsCollector()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	v := NewInstrumentedValidator(inner, metrics, &TracerSetup{provider: tp, tracer: tp.Tracer("test")}, nil)

	res := v.Health(context.Background(), domain.ProviderOpenAI)
	if res.Status != domain.HealthUnhealthy {
		t.Fatalf("status = %s", res.Status)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "provider.health" {
		t.Fatalf("spans = %d, want one provider.health span", len(spans))
	}
	val := counterValue(t, metrics.Registry, "keyvault_provider_health_probes_total",
		prometheus.Labels{"provider": "openai", "status": "unhealthy"})
	if val != 1 {
		t.Errorf("health probes = %v, want 1", val)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
