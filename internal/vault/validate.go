package vault

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/keyvault/internal/domain"
)

// Validate checks key against provider. A cached successful outcome is
// returned without a network call; only successful outcomes are cached.
// The result is never nil.
func (s *Service) Validate(ctx context.Context, provider domain.Provider, key string) *domain.ValidationResult {
	provider = domain.ParseProvider(string(provider))
	ctx, span := s.span(ctx, "Validate", attribute.String("provider", string(provider)))
	defer span.End()

	if res, ok := s.cache.Lookup(ctx, provider, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("status", string(res.Status)))
		s.metrics.validated(res, "cache")
		return res
	}
	res := s.validateLive(ctx, provider, key)
	span.SetAttributes(attribute.Bool("cache.hit", false), attribute.String("status", string(res.Status)))
	return res
}

// validateLive always probes the provider and caches a successful outcome.
func (s *Service) validateLive(ctx context.Context, provider domain.Provider, key string) *domain.ValidationResult {
	res := s.validator.Validate(ctx, provider, key)
	s.metrics.validated(res, "live")
	if res.Valid {
		s.cache.Store(ctx, key, res)
	}
	return res
}
