// Package egress is the outbound HTTP client used for provider probes.
// Every call passes through a per-host token bucket and retries HTTP 429
// responses with backoff. The client is also an http.RoundTripper so SDK
// clients share the same limiter and retry behavior.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jkaninda/keyvault/internal/ratelimit"
	"github.com/jkaninda/keyvault/internal/retry"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultMaxBackoff = 30 * time.Second
	maxBodyBytes      = 1 << 20
)

// Request describes one outbound call.
type Request struct {
	Method  string            // Default: GET.
	URL     string
	Headers map[string]string
	Params  map[string]string // Merged into the URL query.
	Body    []byte
	Timeout time.Duration // Per attempt. 0 = client default.
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// TransportError reports a request that produced no HTTP response.
// The request URL is omitted since query strings may carry credentials.
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string { return fmt.Sprintf("request to %s failed: %v", e.Host, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the request ran out of time.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

func transportError(host string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return &TransportError{Host: host, Err: err}
}

// Doer performs outbound requests. *Client implements it.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Client is a rate-limited, 429-aware HTTP client. Safe for concurrent use.
type Client struct {
	base       http.RoundTripper
	http       *http.Client
	limiter    *ratelimit.Registry
	logger     *slog.Logger
	metrics    *Metrics
	timeout    time.Duration
	maxRetries int
	maxBackoff time.Duration
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets how many times a 429 is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithMaxBackoff caps the wait between retries. A Retry-After beyond it is not honored.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.maxBackoff = d
		}
	}
}

// WithTransport replaces the underlying transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.base = rt
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates an egress client. A nil limiter disables rate limiting.
func NewClient(limiter *ratelimit.Registry, logger *slog.Logger, opts ...Option) *Client {
	if limiter == nil {
		limiter = ratelimit.NewRegistry(ratelimit.Config{})
	}
	c := &Client{
		base:       http.DefaultTransport,
		limiter:    limiter,
		logger:     logger,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		maxBackoff: defaultMaxBackoff,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = &http.Client{Transport: c.base}
	return c
}

// Do sends req, waiting for a rate-limit token before each attempt.
// Non-429 responses are returned as-is; transport errors are returned unretried.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := buildURL(req.URL, req.Params)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	policy := throttlePolicy(c, u.Host, func(r *Response) (int, http.Header) { return r.StatusCode, r.Header })
	return retry.Do(ctx, policy, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, u, method, timeout, req)
	})
}

func (c *Client) attempt(ctx context.Context, u *url.URL, method string, timeout time.Duration, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx, u.Host); err != nil {
		return nil, fmt.Errorf("waiting for rate limit on %s: %w", u.Host, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.observe(u.Host, 0)
		return nil, transportError(u.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.observe(u.Host, 0)
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	c.metrics.observe(u.Host, resp.StatusCode)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// RoundTrip implements http.RoundTripper with the same rate limiting and 429 handling as Do.
// Requests with a body are only retried when GetBody is set.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	policy := throttlePolicy(c, host, func(r *http.Response) (int, http.Header) { return r.StatusCode, r.Header })
	if req.Body != nil && req.GetBody == nil {
		policy.MaxAttempts = 1
	}

	var prev *http.Response
	resp, err := retry.Do(req.Context(), policy, func(ctx context.Context) (*http.Response, error) {
		if prev != nil {
			_, _ = io.Copy(io.Discard, prev.Body)
			prev.Body.Close()
		}
		if err := c.limiter.Wait(ctx, host); err != nil {
			return nil, fmt.Errorf("waiting for rate limit on %s: %w", host, err)
		}

		r := req
		if prev != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r = req.Clone(ctx)
			r.Body = body
		}
		resp, err := c.base.RoundTrip(r)
		if err != nil {
			c.metrics.observe(host, 0)
			return nil, transportError(host, err)
		}
		c.metrics.observe(host, resp.StatusCode)
		prev = resp
		return resp, nil
	})
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

// throttlePolicy retries 429 responses. Retry-After is honored when it fits
// within maxBackoff; a longer Retry-After returns the 429 immediately.
// Without the header the wait is a jittered 2^attempt seconds.
func throttlePolicy[T any](c *Client, host string, inspect func(T) (int, http.Header)) retry.Policy[T] {
	backoff := retry.Exponential(2*time.Second, c.maxBackoff)
	return retry.Policy[T]{
		MaxAttempts: c.maxRetries + 1,
		Retry: func(v T, err error) bool {
			if err != nil {
				return false
			}
			code, header := inspect(v)
			if code != http.StatusTooManyRequests {
				return false
			}
			if d, ok := ParseRetryAfter(header.Get("Retry-After"), c.now()); ok && d > c.maxBackoff {
				if c.logger != nil {
					c.logger.Debug("retry-after exceeds max backoff, not retrying",
						slog.String("host", host),
						slog.String("retry_after", d.String()),
					)
				}
				return false
			}
			return true
		},
		Delay: func(attempt int, v T, _ error) time.Duration {
			_, header := inspect(v)
			if d, ok := ParseRetryAfter(header.Get("Retry-After"), c.now()); ok {
				return d
			}
			return retry.Jitter(backoff(attempt))
		},
		OnRetry: func(attempt int, delay time.Duration, _ error) {
			c.metrics.retried(host)
			if c.logger != nil {
				c.logger.Info("provider rate limited, retrying",
					slog.String("host", host),
					slog.Int("attempt", attempt),
					slog.String("delay", delay.String()),
				)
			}
		},
	}
}

// ParseRetryAfter interprets a Retry-After header given as delta-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func buildURL(raw string, params map[string]string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parsing url: missing host")
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

var (
	_ Doer              = (*Client)(nil)
	_ http.RoundTripper = (*Client)(nil)
)
