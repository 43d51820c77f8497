package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/keyvault/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	minAnomalySamples    = 5
)

// AnomalyDetector flags providers whose validation failure rate over a
// sliding window exceeds a threshold. A provider is reported at most once
// per window.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	reported  map[string]time.Time
	threshold float64
	window    time.Duration
	metrics   *MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	var threshold float64
	if cfg != nil {
		if cfg.WindowSeconds > 0 {
			window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		threshold = cfg.ErrorRateThreshold
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		reported:  make(map[string]time.Time),
		threshold: threshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// WithMetrics counts detected anomalies on m.
func (a *AnomalyDetector) WithMetrics(m *MetricsCollector) *AnomalyDetector {
	a.metrics = m
	return a
}

// WithClock overrides the time source.
func (a *AnomalyDetector) WithClock(now func() time.Time) *AnomalyDetector {
	a.now = now
	return a
}

// RecordFailure records a failed provider call. It reports whether this
// call raised a new anomaly.
func (a *AnomalyDetector) RecordFailure(provider string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.failures, provider).add(now)
	return a.check(provider, now)
}

// RecordSuccess records a successful provider call.
func (a *AnomalyDetector) RecordSuccess(provider string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFor(a.successes, provider).add(a.now())
}

// FailureRate returns the failure ratio currently inside the window.
func (a *AnomalyDetector) FailureRate(provider string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	failed := a.windowFor(a.failures, provider).count(now)
	total := failed + a.windowFor(a.successes, provider).count(now)
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// check must be called with a.mu held.
func (a *AnomalyDetector) check(provider string, now time.Time) bool {
	if a.threshold <= 0 {
		return false
	}
	failed := a.windowFor(a.failures, provider).count(now)
	total := failed + a.windowFor(a.successes, provider).count(now)
	if total < minAnomalySamples {
		return false
	}
	rate := float64(failed) / float64(total)
	if rate <= a.threshold {
		return false
	}
	if last, ok := a.reported[provider]; ok && now.Sub(last) < a.window {
		return false
	}
	a.reported[provider] = now

	if a.metrics != nil {
		a.metrics.AnomaliesTotal.WithLabelValues(provider).Inc()
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: provider failure rate high",
			slog.String("provider", provider),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("failures", failed),
			slog.Int("total", total),
		)
	}
	return true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
