// Package validator checks user-supplied API keys against their issuing provider.
// Each provider strategy runs a cheap format check, then a side-effect-free
// live probe, and maps the response onto a domain.ValidationResult.
// Outcomes are data: validators never return errors.
package validator

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
)

// Validator validates keys for one provider.
// Implementations must be safe for concurrent use.
type Validator interface {
	Provider() domain.Provider
	Validate(ctx context.Context, key string) *domain.ValidationResult
	Health(ctx context.Context) *domain.HealthResult
}

// Transport is what validators need from the egress layer: the request
// helper for plain probes and a RoundTripper for SDK clients.
type Transport interface {
	egress.Doer
	http.RoundTripper
}

// Registry dispatches to the validator registered for a provider, falling
// back to the generic validator for unknown providers.
type Registry struct {
	validators map[domain.Provider]Validator
	generic    *Generic
	logger     *slog.Logger
}

// NewRegistry builds validators for every known provider over t.
// baseURLs overrides provider endpoints; opts apply to every validator.
func NewRegistry(t Transport, logger *slog.Logger, baseURLs map[domain.Provider]string, opts ...Option) *Registry {
	withURL := func(p domain.Provider) []Option {
		if u := baseURLs[p]; u != "" {
			return append(slices.Clone(opts), WithBaseURL(u))
		}
		return opts
	}

	r := &Registry{
		validators: make(map[domain.Provider]Validator),
		generic:    NewGeneric(),
		logger:     logger,
	}
	r.Register(NewOpenAI(t, withURL(domain.ProviderOpenAI)...))
	r.Register(NewAnthropic(t, withURL(domain.ProviderAnthropic)...))
	r.Register(NewGemini(t, withURL(domain.ProviderGemini)...))
	r.Register(NewGitHub(t, withURL(domain.ProviderGitHub)...))
	r.Register(NewGoogleMaps(t, withURL(domain.ProviderGoogleMaps)...))
	r.Register(NewOpenWeatherMap(t, withURL(domain.ProviderOpenWeatherMap)...))
	r.Register(NewDuffel(t, withURL(domain.ProviderDuffel)...))
	return r
}

// Register adds or replaces the validator for v.Provider().
func (r *Registry) Register(v Validator) {
	r.validators[v.Provider()] = v
}

// Providers returns the providers with a dedicated validator, sorted.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.validators))
	for p := range r.validators {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// For returns the validator for provider.
func (r *Registry) For(provider domain.Provider) Validator {
	if v, ok := r.validators[provider]; ok {
		return v
	}
	return r.generic
}

// Validate runs the provider's validator and stamps latency and time.
func (r *Registry) Validate(ctx context.Context, provider domain.Provider, key string) *domain.ValidationResult {
	start := time.Now()
	res := r.For(provider).Validate(ctx, key)
	res.Provider = provider
	res.Valid = res.Status == domain.StatusValid
	res.LatencyMS = time.Since(start).Milliseconds()
	res.ValidatedAt = time.Now().UTC()

	if r.logger != nil {
		r.logger.DebugContext(ctx, "key validated",
			slog.String("provider", string(provider)),
			slog.String("status", string(res.Status)),
			slog.Int64("latency_ms", res.LatencyMS),
		)
	}
	return res
}

// Health probes provider availability.
func (r *Registry) Health(ctx context.Context, provider domain.Provider) *domain.HealthResult {
	start := time.Now()
	res := r.For(provider).Health(ctx)
	res.Provider = provider
	res.LatencyMS = time.Since(start).Milliseconds()
	res.CheckedAt = time.Now().UTC()
	return res
}
