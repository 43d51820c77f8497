// Package httpapi serves keyvault's operational HTTP endpoints: liveness,
// readiness, Prometheus metrics and provider health.
//
// The surface is read-only and carries no credential material. Key
// management stays on the CLI.
package httpapi

import (
	"cmp"
	"context"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/observability"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the operational HTTP server.
type Config struct {
	ListenAddr string // e.g. ":8090"
	EnableDocs bool

	MetricsRegistry *prometheus.Registry            // Registry served on MetricsPath. Nil disables /metrics.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
}

// Prober runs live provider health probes. *vault.Service implements it.
type Prober interface {
	Providers() []domain.Provider
	CheckHealth(ctx context.Context, provider domain.Provider) *domain.HealthResult
	CheckAllHealth(ctx context.Context) []*domain.HealthResult
}

// Snapshotter returns the most recent scheduled health results.
// *vault.HealthMonitor implements it.
type Snapshotter interface {
	Snapshot() ([]domain.HealthResult, time.Time)
}

// Gateway is the operational HTTP server.
type Gateway struct {
	config   Config
	prober   Prober
	snapshot Snapshotter // nil = always probe live.
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	now      func() time.Time
}

// NewGateway creates the operational HTTP server.
func NewGateway(cfg Config, prober Prober, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		prober: prober,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
		now:    time.Now,
	}
}

// WithSnapshot serves provider health from a scheduled monitor instead of
// probing on every request.
func (g *Gateway) WithSnapshot(s Snapshotter) *Gateway {
	g.snapshot = s
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
		Title:   "keyvault",
		Version: "v1",
	})
	return g
}

// routes registers every endpoint on the okapi instance.
func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	v1 := g.okapi.Group("/v1")
	v1.Get("/providers", g.handleProviders,
		okapi.DocSummary("List providers with a dedicated validator"),
		okapi.DocTags("Providers"),
		okapi.DocResponse(ProvidersResponse{}),
	)
	v1.Get("/providers/health", g.handleProvidersHealth,
		okapi.DocSummary("Health of every known provider"),
		okapi.DocTags("Providers"),
		okapi.DocResponse(ProvidersHealthResponse{}),
	)
	v1.Get("/providers/{provider}/health", g.handleProviderHealth,
		okapi.DocSummary("Probe a single provider"),
		okapi.DocTags("Providers"),
		okapi.DocPathParam("provider", "string", "Provider identifier, e.g. openai"),
		okapi.DocResponse(domain.HealthResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second, // live probes of every provider
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http server starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http server stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string `json:"status"`
}

// ProvidersResponse lists provider identifiers.
type ProvidersResponse struct {
	Providers []domain.Provider `json:"providers"`
}

// ProvidersHealthResponse aggregates provider health.
type ProvidersHealthResponse struct {
	Status    domain.HealthStatus   `json:"status"`
	Source    string                `json:"source"` // "snapshot" or "live"
	CheckedAt time.Time             `json:"checked_at"`
	Providers []domain.HealthResult `json:"providers"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	return c.JSON(g.readiness(c.Context()))
}

func (g *Gateway) handleProviders(c *okapi.Context) error {
	return c.OK(ProvidersResponse{Providers: g.prober.Providers()})
}

func (g *Gateway) handleProvidersHealth(c *okapi.Context) error {
	live, _ := strconv.ParseBool(c.Request().URL.Query().Get("refresh"))
	return c.OK(g.providersHealth(c.Context(), live))
}

func (g *Gateway) handleProviderHealth(c *okapi.Context) error {
	provider := domain.ParseProvider(c.Param("provider"))
	if provider == "" {
		return c.AbortBadRequest("provider is required")
	}
	return c.OK(g.prober.CheckHealth(c.Context(), provider))
}

func (g *Gateway) readiness(ctx context.Context) (int, observability.HealthStatus) {
	if g.config.HealthChecker == nil {
		return http.StatusOK, observability.HealthStatus{Status: "ok"}
	}
	status := g.config.HealthChecker.CheckReady(ctx)
	if !status.Ready() {
		return http.StatusServiceUnavailable, status
	}
	return http.StatusOK, status
}

// providersHealth serves the monitor snapshot when one exists, falling back
// to a live probe when the monitor has not completed a run yet.
func (g *Gateway) providersHealth(ctx context.Context, live bool) ProvidersHealthResponse {
	if !live && g.snapshot != nil {
		results, at := g.snapshot.Snapshot()
		if !at.IsZero() {
			return ProvidersHealthResponse{
				Status:    overall(results),
				Source:    "snapshot",
				CheckedAt: at,
				Providers: results,
			}
		}
	}

	probed := g.prober.CheckAllHealth(ctx)
	results := make([]domain.HealthResult, 0, len(probed))
	for _, r := range probed {
		if r != nil {
			results = append(results, *r)
		}
	}
	slices.SortFunc(results, func(a, b domain.HealthResult) int {
		return cmp.Compare(a.Provider, b.Provider)
	})
	return ProvidersHealthResponse{
		Status:    overall(results),
		Source:    "live",
		CheckedAt: g.now().UTC(),
		Providers: results,
	}
}

// overall is healthy only when every provider is, unhealthy when none is
// reachable, and degraded otherwise.
func overall(results []domain.HealthResult) domain.HealthStatus {
	if len(results) == 0 {
		return domain.HealthUnknown
	}
	healthy, unhealthy := 0, 0
	for _, r := range results {
		switch r.Status {
		case domain.HealthHealthy:
			healthy++
		case domain.HealthUnhealthy:
			unhealthy++
		}
	}
	switch {
	case healthy == len(results):
		return domain.HealthHealthy
	case unhealthy == len(results):
		return domain.HealthUnhealthy
	default:
		return domain.HealthDegraded
	}
}
