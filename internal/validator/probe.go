package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
	"github.com/jkaninda/keyvault/internal/retry"
)

const (
	defaultTransportAttempts = 3
	defaultTransportBackoff  = 500 * time.Millisecond
	maxTransportBackoff      = 4 * time.Second
)

// base holds what every provider validator shares.
type base struct {
	provider domain.Provider
	doer     egress.Doer
	baseURL  string
	attempts int
	backoff  func(attempt int) time.Duration
}

// Option configures a validator.
type Option func(*base)

// WithBaseURL overrides the provider API base URL (useful for testing and proxies).
func WithBaseURL(url string) Option {
	return func(b *base) { b.baseURL = strings.TrimRight(url, "/") }
}

// WithTransportRetries sets how many attempts a probe gets when the request
// fails without a response, and the initial backoff between them.
func WithTransportRetries(attempts int, initial time.Duration) Option {
	return func(b *base) {
		if attempts > 0 {
			b.attempts = attempts
		}
		if initial > 0 {
			b.backoff = retry.Exponential(initial, maxTransportBackoff)
		}
	}
}

func newBase(provider domain.Provider, doer egress.Doer, defaultURL string, opts []Option) base {
	b := base{
		provider: provider,
		doer:     doer,
		baseURL:  defaultURL,
		attempts: defaultTransportAttempts,
		backoff:  retry.Exponential(defaultTransportBackoff, maxTransportBackoff),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) Provider() domain.Provider { return b.provider }

// send issues req, retrying transport failures with bounded backoff.
func (b *base) send(ctx context.Context, req egress.Request) (*egress.Response, error) {
	return withTransportRetry(ctx, b.attempts, b.backoff, func(ctx context.Context) (*egress.Response, error) {
		return b.doer.Do(ctx, req)
	})
}

// withTransportRetry retries fn while it fails without an HTTP response.
func withTransportRetry[T any](ctx context.Context, attempts int, backoff func(int) time.Duration, fn func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, retry.Policy[T]{
		MaxAttempts: attempts,
		Retry: func(_ T, err error) bool {
			var te *egress.TransportError
			return errors.As(err, &te) && ctx.Err() == nil
		},
		Delay: func(attempt int, _ T, _ error) time.Duration {
			return retry.Jitter(backoff(attempt))
		},
	}, fn)
}

// checkFormat returns a format_error result when key is shorter than
// minLen, lacks prefix, or contains whitespace. Returns nil when the key passes.
func checkFormat(provider domain.Provider, key string, minLen int, prefix string) *domain.ValidationResult {
	if strings.IndexFunc(key, unicode.IsSpace) >= 0 {
		return domain.NewResult(provider, domain.StatusFormatError, "key must not contain whitespace")
	}
	if prefix != "" && !strings.HasPrefix(key, prefix) {
		return domain.NewResult(provider, domain.StatusFormatError, fmt.Sprintf("key must start with %q", prefix))
	}
	if len(key) < minLen {
		return domain.NewResult(provider, domain.StatusFormatError, fmt.Sprintf("key must be at least %d characters", minLen))
	}
	return nil
}

// classify applies the common status mapping: 2xx valid, 401/403 invalid
// (expired when the provider says so), 429 rate limited, anything else a service error.
func classify(provider domain.Provider, resp *egress.Response) *domain.ValidationResult {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return domain.NewResult(provider, domain.StatusValid, "key accepted by provider")
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		if strings.Contains(strings.ToLower(string(resp.Body)), "expired") {
			return domain.NewResult(provider, domain.StatusExpired, "key has expired")
		}
		return domain.NewResult(provider, domain.StatusInvalid, "key rejected by provider")
	case code == http.StatusTooManyRequests:
		return rateLimited(provider, resp.Header)
	default:
		return domain.NewResult(provider, domain.StatusServiceError, fmt.Sprintf("provider returned unexpected status %d", code))
	}
}

func rateLimited(provider domain.Provider, h http.Header) *domain.ValidationResult {
	res := domain.NewResult(provider, domain.StatusRateLimited, "provider rate limit reached, try again later")
	res.RateLimitInfo = rateLimitInfo(h)
	return res
}

// rateLimitInfo captures throttling headers in the shapes providers use.
func rateLimitInfo(h http.Header) *domain.RateLimitInfo {
	first := func(names ...string) string {
		for _, n := range names {
			if v := h.Get(n); v != "" {
				return v
			}
		}
		return ""
	}
	return &domain.RateLimitInfo{
		RetryAfter: h.Get("Retry-After"),
		Limit:      first("X-RateLimit-Limit", "X-RateLimit-Limit-Requests", "Anthropic-Ratelimit-Requests-Limit"),
		Remaining:  first("X-RateLimit-Remaining", "X-RateLimit-Remaining-Requests", "Anthropic-Ratelimit-Requests-Remaining"),
		Reset:      first("X-RateLimit-Reset", "X-RateLimit-Reset-Requests", "Anthropic-Ratelimit-Requests-Reset"),
	}
}

// transportFailure maps a probe that got no response to a service error
// with a message fit for end users.
func transportFailure(provider domain.Provider, err error) *domain.ValidationResult {
	var te *egress.TransportError
	switch {
	case errors.As(err, &te) && te.Timeout():
		return domain.NewResult(provider, domain.StatusServiceError, "timed out contacting provider")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.NewResult(provider, domain.StatusServiceError, "validation cancelled before the provider responded")
	case te != nil:
		return domain.NewResult(provider, domain.StatusServiceError, "could not connect to provider")
	default:
		return domain.NewResult(provider, domain.StatusServiceError, "provider validation failed")
	}
}

// probeHealth classifies an unauthenticated probe: any answer below 500
// other than 429 means the API is up.
func (b *base) probeHealth(ctx context.Context, req egress.Request) *domain.HealthResult {
	resp, err := b.send(ctx, req)
	if err != nil {
		msg := "provider unreachable"
		var te *egress.TransportError
		if errors.As(err, &te) && te.Timeout() {
			msg = "provider timed out"
		}
		return &domain.HealthResult{Provider: b.provider, Status: domain.HealthUnhealthy, Message: msg}
	}
	return healthFromStatus(b.provider, resp.StatusCode)
}

func healthFromStatus(provider domain.Provider, code int) *domain.HealthResult {
	switch {
	case code == http.StatusTooManyRequests:
		return &domain.HealthResult{Provider: provider, Status: domain.HealthDegraded, Message: "provider is throttling requests"}
	case code >= 500:
		return &domain.HealthResult{Provider: provider, Status: domain.HealthUnhealthy, Message: fmt.Sprintf("provider returned status %d", code)}
	default:
		return &domain.HealthResult{Provider: provider, Status: domain.HealthHealthy}
	}
}
