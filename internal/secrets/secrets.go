// Package secrets resolves secret references such as "env://NAME" or
// "vault://secret/data/keyvault#master" into their values. keyvault uses it to
// load the master secret so the secret itself never has to sit in a config file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/keyvault/internal/config"
)

var (
	// ErrSecretNotFound is returned when a reference points at nothing.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrUnsupportedRef is returned for references no configured provider handles.
	ErrUnsupportedRef = errors.New("unsupported secret reference")
)

// Secret holds resolved secret material. It must never be logged.
type Secret struct {
	Value   string
	Source  string // Provider scheme, e.g. "vault".
	Version string // Backend version when known.
}

// Provider resolves references of a single scheme.
// Implementations must be safe for concurrent use.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (*Secret, error)
}

// SplitRef splits "scheme://rest" into its parts.
func SplitRef(ref string) (scheme, rest string, err error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("%w: %q has no scheme", ErrUnsupportedRef, ref)
	}
	return scheme, rest, nil
}

// MasterSecret returns the application secret used to derive the master key.
// An inline secret wins over the reference.
func MasterSecret(ctx context.Context, cfg config.VaultConfig, p Provider) (string, error) {
	if cfg.MasterSecret != "" {
		return cfg.MasterSecret, nil
	}
	ref := cfg.SecretRef()
	if p == nil {
		return "", fmt.Errorf("resolving master secret %s: no secret provider", ref)
	}
	s, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving master secret: %w", err)
	}
	if strings.TrimSpace(s.Value) == "" {
		return "", fmt.Errorf("resolving master secret: %w: %s resolved to an empty value", ErrSecretNotFound, s.Source)
	}
	return s.Value, nil
}
