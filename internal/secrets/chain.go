package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/keyvault/internal/config"
	"github.com/jkaninda/keyvault/internal/egress"
)

// Chain dispatches a reference to the providers registered for its scheme,
// trying them in registration order.
type Chain struct {
	byScheme map[string][]Provider
}

// NewChain creates a chain over providers.
func NewChain(providers ...Provider) *Chain {
	c := &Chain{byScheme: make(map[string][]Provider)}
	for _, p := range providers {
		c.byScheme[p.Scheme()] = append(c.byScheme[p.Scheme()], p)
	}
	return c
}

func (c *Chain) Scheme() string { return "chain" }

func (c *Chain) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme, _, err := SplitRef(ref)
	if err != nil {
		return nil, err
	}
	providers := c.byScheme[scheme]
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no provider configured for %s://", ErrUnsupportedRef, scheme)
	}
	var errs []error
	for _, p := range providers {
		s, err := p.Resolve(ctx, ref)
		if err == nil {
			return s, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// FromConfig builds a chain from the configured providers. The environment
// provider is always available so the default reference keeps working.
func FromConfig(cfg *config.SecretsConfig, doer egress.Doer, logger *slog.Logger) (*Chain, error) {
	providers := []Provider{NewEnvProvider()}
	if cfg == nil {
		return NewChain(providers...), nil
	}
	for i, pc := range cfg.Providers {
		switch pc.Type {
		case "env":
			// Already registered.
		case "file":
			providers = append(providers, NewFileProvider())
		case "vault":
			vp, err := NewVaultProvider(pc.Config, doer)
			if err != nil {
				return nil, fmt.Errorf("secrets.providers[%d]: %w", i, err)
			}
			providers = append(providers, vp)
			logger.Info("vault secret provider enabled", slog.String("address", vp.address))
		default:
			return nil, fmt.Errorf("secrets.providers[%d]: unsupported type %q", i, pc.Type)
		}
	}
	return NewChain(providers...), nil
}
