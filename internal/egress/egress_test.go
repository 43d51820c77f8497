package egress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/keyvault/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestDo_Success(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("limit") != "1" {
			t.Errorf("limit param = %q", r.URL.Query().Get("limit"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"gpt-4o"}]}`))
	})

	c := NewClient(nil, discardLogger())
	resp, err := c.Do(context.Background(), Request{
		URL:     srv.URL + "/v1/models",
		Headers: map[string]string{"Authorization": "Bearer sk-test"},
		Params:  map[string]string{"limit": "1"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := resp.JSON(&body); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].ID != "gpt-4o" {
		t.Errorf("body = %+v", body)
	}
}

func TestDo_RetriesAfter429WithRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	c := NewClient(nil, discardLogger())
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestDo_RetryAfterBeyondMaxBackoffReturnsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c := NewClient(nil, discardLogger(), WithMaxBackoff(time.Second))
	start := time.Now()
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "120" {
		t.Errorf("Retry-After header should be preserved for the caller")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("should not have waited")
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	reg := prometheus.NewRegistry()
	c := NewClient(nil, discardLogger(),
		WithMaxRetries(2),
		WithMaxBackoff(20*time.Millisecond),
		WithMetrics(NewMetrics(reg)),
	)
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}

	u, _ := url.Parse(srv.URL)
	if got := counterValue(t, reg, "keyvault_egress_retries_total", map[string]string{"host": u.Host}); got != 2 {
		t.Errorf("retries metric = %v, want 2", got)
	}
	if got := counterValue(t, reg, "keyvault_egress_requests_total", map[string]string{"host": u.Host, "status_code": "429"}); got != 3 {
		t.Errorf("requests metric = %v, want 3", got)
	}
}

func TestDo_NonRetryableStatusReturnedAsIs(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError} {
		var calls atomic.Int32
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(code)
		})
		resp, err := NewClient(nil, discardLogger()).Do(context.Background(), Request{URL: srv.URL})
		if err != nil {
			t.Fatalf("%d: Do: %v", code, err)
		}
		if resp.StatusCode != code || calls.Load() != 1 {
			t.Errorf("%d: got status %d after %d calls", code, resp.StatusCode, calls.Load())
		}
	}
}

func TestDo_TimeoutIsTransportError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	c := NewClient(nil, discardLogger(), WithTimeout(20*time.Millisecond))
	_, err := c.Do(context.Background(), Request{URL: srv.URL + "/?key=secret-value"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *TransportError", err)
	}
	if !te.Timeout() {
		t.Errorf("Timeout() = false for %v", te.Err)
	}
	if got := err.Error(); strings.Contains(got, "secret-value") {
		t.Errorf("error leaks query string: %q", got)
	}
}

func TestDo_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(nil, discardLogger()).Do(context.Background(), Request{URL: addr})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *TransportError", err)
	}
}

func TestDo_InvalidURL(t *testing.T) {
	if _, err := NewClient(nil, discardLogger()).Do(context.Background(), Request{URL: "/relative"}); err == nil {
		t.Fatal("expected error for URL without host")
	}
}

func TestDo_WaitsOnLimiter(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	limiter := ratelimit.NewRegistry(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	c := NewClient(limiter, discardLogger())

	if _, err := c.Do(context.Background(), Request{URL: srv.URL}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Do(ctx, Request{URL: srv.URL}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded from limiter", err)
	}
}

func TestRoundTrip_SharedWithHTTPClient(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"login":"octocat"}`))
	})

	hc := &http.Client{Transport: NewClient(nil, discardLogger())}
	resp, err := hc.Get(srv.URL + "/user")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"login":"octocat"}` {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"30", 30 * time.Second, true},
		{"-5", 0, true},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRetryAfter(tt.in, now)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRetryAfter(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	got := make(map[string]string, len(pairs))
	for _, p := range pairs {
		got[p.GetName()] = p.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
