package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jkaninda/keyvault/internal/domain"
)

const (
	// ValidationKeyPrefix namespaces validation entries and carries the
	// key-derivation version.
	ValidationKeyPrefix = "keyvault:validation:v1:"

	DefaultValidationTTL = 300 * time.Second
)

// ValidationCache is a read-through cache of successful validation outcomes.
// Every failure of the underlying service is logged and treated as a miss,
// so a nil or broken service only costs an extra provider probe.
type ValidationCache struct {
	svc     Service
	ttl     time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// NewValidationCache wraps svc, which may be nil.
func NewValidationCache(svc Service, ttl time.Duration, logger *slog.Logger, metrics *Metrics) *ValidationCache {
	if ttl <= 0 {
		ttl = DefaultValidationTTL
	}
	return &ValidationCache{svc: svc, ttl: ttl, logger: logger, metrics: metrics}
}

// ValidationKey derives the cache key for provider and key. The raw key is
// only ever present as input to SHA-256.
func ValidationKey(provider domain.Provider, key string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return ValidationKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Lookup returns a cached outcome for provider and key.
func (c *ValidationCache) Lookup(ctx context.Context, provider domain.Provider, key string) (*domain.ValidationResult, bool) {
	if c == nil || c.svc == nil {
		return nil, false
	}
	ck := ValidationKey(provider, key)
	raw, ok, err := c.get(ctx, ck)
	if err != nil {
		c.metrics.errored("get")
		c.warn(ctx, "validation cache read failed", provider, err)
		return nil, false
	}
	if !ok {
		c.metrics.missed()
		return nil, false
	}

	var res domain.ValidationResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		c.metrics.errored("decode")
		c.warn(ctx, "discarding corrupt validation cache entry", provider, err)
		return nil, false
	}
	if !res.Consistent() || !res.Valid || res.Provider != provider {
		c.metrics.errored("decode")
		c.warn(ctx, "discarding inconsistent validation cache entry", provider, nil)
		return nil, false
	}
	c.metrics.hit()
	return &res, true
}

// Store caches res when it is a successful outcome. Other outcomes are ignored.
func (c *ValidationCache) Store(ctx context.Context, key string, res *domain.ValidationResult) {
	if c == nil || c.svc == nil || res == nil || !res.Valid || !res.Consistent() {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		c.metrics.errored("encode")
		c.warn(ctx, "encoding validation result for cache", res.Provider, err)
		return
	}
	if err := c.set(ctx, ValidationKey(res.Provider, key), string(data)); err != nil {
		c.metrics.errored("set")
		c.warn(ctx, "validation cache write failed", res.Provider, err)
	}
}

// get and set turn panics from third-party backends into errors.
func (c *ValidationCache) get(ctx context.Context, key string) (v string, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return c.svc.Get(ctx, key)
}

func (c *ValidationCache) set(ctx context.Context, key, value string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return c.svc.Set(ctx, key, value, c.ttl)
}

func (c *ValidationCache) warn(ctx context.Context, msg string, provider domain.Provider, err error) {
	if c.logger == nil {
		return
	}
	attrs := []any{slog.String("provider", string(provider))}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	c.logger.WarnContext(ctx, msg, attrs...)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "cache backend panicked" }
