package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
)

const githubBaseURL = "https://api.github.com"

// GitHub validates tokens by fetching the authenticated user through
// go-github. Requests go through the egress RoundTripper so they share the
// per-host limiter and 429 handling.
type GitHub struct {
	base
	rt http.RoundTripper
}

// NewGitHub creates a GitHub validator.
func NewGitHub(t Transport, opts ...Option) *GitHub {
	return &GitHub{base: newBase(domain.ProviderGitHub, t, githubBaseURL, opts), rt: t}
}

func (v *GitHub) client(token string) (*gh.Client, error) {
	c := gh.NewClient(&http.Client{Transport: v.rt})
	if token != "" {
		c = c.WithAuthToken(token)
	}
	u, err := url.Parse(v.baseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	c.BaseURL = u
	return c, nil
}

func (v *GitHub) Validate(ctx context.Context, key string) *domain.ValidationResult {
	if res := checkFormat(v.provider, key, 20, ""); res != nil {
		return res
	}
	client, err := v.client(key)
	if err != nil {
		return domain.NewResult(v.provider, domain.StatusServiceError, "provider validation failed")
	}

	var resp *gh.Response
	user, err := withTransportRetry(ctx, v.attempts, v.backoff, func(ctx context.Context) (*gh.User, error) {
		u, r, err := client.Users.Get(ctx, "")
		resp = r
		return u, err
	})
	if err != nil {
		return githubFailure(v.provider, err)
	}

	res := domain.NewResult(v.provider, domain.StatusValid, fmt.Sprintf("authenticated as %s", user.GetLogin()))
	if resp != nil {
		if scopes := resp.Header.Get("X-OAuth-Scopes"); scopes != "" {
			for _, s := range strings.Split(scopes, ",") {
				if s = strings.TrimSpace(s); s != "" {
					res.Capabilities = append(res.Capabilities, "scope:"+s)
				}
			}
		}
		if resp.Rate.Limit > 0 {
			res.QuotaInfo = &domain.QuotaInfo{
				Limit:     int64(resp.Rate.Limit),
				Remaining: int64(resp.Rate.Remaining),
				Reset:     resp.Rate.Reset.UTC().Format(time.RFC3339),
			}
		}
	}
	return res
}

// githubFailure maps go-github's typed errors onto validation outcomes.
func githubFailure(provider domain.Provider, err error) *domain.ValidationResult {
	var (
		rateErr  *gh.RateLimitError
		abuseErr *gh.AbuseRateLimitError
		respErr  *gh.ErrorResponse
	)
	switch {
	case errors.As(err, &rateErr):
		res := rateLimited(provider, responseHeader(rateErr.Response))
		res.QuotaInfo = &domain.QuotaInfo{
			Limit:     int64(rateErr.Rate.Limit),
			Remaining: int64(rateErr.Rate.Remaining),
			Reset:     rateErr.Rate.Reset.UTC().Format(time.RFC3339),
		}
		return res
	case errors.As(err, &abuseErr):
		res := rateLimited(provider, responseHeader(abuseErr.Response))
		if res.RateLimitInfo.RetryAfter == "" && abuseErr.RetryAfter != nil {
			res.RateLimitInfo.RetryAfter = fmt.Sprintf("%d", int(abuseErr.RetryAfter.Seconds()))
		}
		return res
	case errors.As(err, &respErr) && respErr.Response != nil:
		return classify(provider, &egress.Response{
			StatusCode: respErr.Response.StatusCode,
			Header:     respErr.Response.Header,
			Body:       []byte(respErr.Message),
		})
	default:
		return transportFailure(provider, err)
	}
}

func responseHeader(r *http.Response) http.Header {
	if r == nil {
		return http.Header{}
	}
	return r.Header
}

func (v *GitHub) Health(ctx context.Context) *domain.HealthResult {
	client, err := v.client("")
	if err != nil {
		return &domain.HealthResult{Provider: v.provider, Status: domain.HealthUnknown, Message: "invalid base URL"}
	}
	_, err = withTransportRetry(ctx, v.attempts, v.backoff, func(ctx context.Context) (*gh.APIMeta, error) {
		m, _, err := client.Meta.Get(ctx)
		return m, err
	})
	if err == nil {
		return &domain.HealthResult{Provider: v.provider, Status: domain.HealthHealthy}
	}

	var (
		rateErr *gh.RateLimitError
		respErr *gh.ErrorResponse
		te      *egress.TransportError
	)
	switch {
	case errors.As(err, &rateErr):
		return &domain.HealthResult{Provider: v.provider, Status: domain.HealthDegraded, Message: "provider is throttling requests"}
	case errors.As(err, &respErr) && respErr.Response != nil:
		return healthFromStatus(v.provider, respErr.Response.StatusCode)
	case errors.As(err, &te) && te.Timeout():
		return &domain.HealthResult{Provider: v.provider, Status: domain.HealthUnhealthy, Message: "provider timed out"}
	default:
		return &domain.HealthResult{Provider: v.provider, Status: domain.HealthUnhealthy, Message: "provider unreachable"}
	}
}
