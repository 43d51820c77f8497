// Package ratelimit implements a per-host token bucket rate limiter for outbound calls.
// Thread-safe. No background goroutines: tokens are refilled lazily on each call.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Wait never blocks).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Registry holds one token bucket per destination host.
// Each host gets an independent bucket; a slow host never throttles another.
type Registry struct {
	mu    sync.Mutex
	hosts map[string]*bucket
	rate  float64 // tokens per second
	burst float64 // max bucket capacity
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewRegistry creates a registry with the given per-host configuration.
// If RequestsPerMinute is 0, every call succeeds immediately.
func NewRegistry(cfg Config) *Registry {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Registry{
		hosts: make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Wait blocks until a token for host is available or ctx is done.
func (r *Registry) Wait(ctx context.Context, host string) error {
	delay := r.reserve(host)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.release(host)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Hosts returns the number of buckets currently tracked.
func (r *Registry) Hosts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

// reserve takes a token for host, borrowing against future refill when the
// bucket is empty, and returns how long the caller must wait before using it.
func (r *Registry) reserve(host string) time.Duration {
	if r.rate <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.hosts[host]
	if !ok {
		b = &bucket{tokens: r.burst, lastFill: now}
		r.hosts[host] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * r.rate
	if b.tokens > r.burst {
		b.tokens = r.burst
	}
	b.lastFill = now

	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / r.rate * float64(time.Second))
}

// release returns a reserved token that was never used.
func (r *Registry) release(host string) {
	if r.rate <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.hosts[host]; ok {
		b.tokens++
		if b.tokens > r.burst {
			b.tokens = r.burst
		}
	}
}
