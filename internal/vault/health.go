package vault

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/keyvault/internal/domain"
)

// CheckHealth probes one provider. It is independent of any stored key and
// is meant for dashboards, not for gating validation.
func (s *Service) CheckHealth(ctx context.Context, provider domain.Provider) *domain.HealthResult {
	provider = domain.ParseProvider(string(provider))
	ctx, span := s.span(ctx, "CheckHealth", attribute.String("provider", string(provider)))
	defer span.End()

	res := s.validator.Health(ctx, provider)
	span.SetAttributes(attribute.String("status", string(res.Status)))
	s.metrics.health(res)
	return res
}

// CheckAllHealth probes every known provider concurrently. Results are in
// provider order.
func (s *Service) CheckAllHealth(ctx context.Context) []*domain.HealthResult {
	return s.checkMany(ctx, s.validator.Providers())
}

func (s *Service) checkMany(ctx context.Context, providers []domain.Provider) []*domain.HealthResult {
	out := make([]*domain.HealthResult, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Go(func() {
			out[i] = s.CheckHealth(ctx, p)
		})
	}
	wg.Wait()
	return out
}
