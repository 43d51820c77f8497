package vault

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/keyvault/internal/config"
	"github.com/jkaninda/keyvault/internal/domain"
)

// HealthMonitor refreshes provider health on a cron schedule and keeps the
// latest results for the operational endpoints.
type HealthMonitor struct {
	svc      *Service
	schedule string
	probes   []domain.Provider
	cron     *cron.Cron
	logger   *slog.Logger
	timeout  time.Duration

	mu       sync.RWMutex
	snapshot map[domain.Provider]*domain.HealthResult
	updated  time.Time
}

// NewHealthMonitor creates a monitor. cfg.Probes restricts which providers
// are probed; empty means all known providers.
func NewHealthMonitor(svc *Service, cfg *config.HealthMonitorConfig, logger *slog.Logger) *HealthMonitor {
	m := &HealthMonitor{
		svc:      svc,
		schedule: cfg.CronSchedule(),
		logger:   logger,
		timeout:  time.Minute,
		snapshot: make(map[domain.Provider]*domain.HealthResult),
	}
	if cfg != nil {
		for _, p := range cfg.Probes {
			m.probes = append(m.probes, domain.ParseProvider(p))
		}
	}
	cl := cronLogger{logger}
	m.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return m
}

// Start schedules the refresh and runs one immediately in the background.
func (m *HealthMonitor) Start(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := m.cron.AddFunc(m.schedule, func() { m.Refresh(ctx) }); err != nil {
		return fmt.Errorf("parsing health monitor schedule %q: %w", m.schedule, err)
	}
	m.cron.Start()
	go m.Refresh(ctx)
	m.logger.Info("provider health monitor started", slog.String("schedule", m.schedule))
	return nil
}

// Stop halts scheduling. The returned context is done once a running refresh finishes.
func (m *HealthMonitor) Stop() context.Context {
	return m.cron.Stop()
}

// Refresh probes the configured providers and replaces their snapshot entries.
func (m *HealthMonitor) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var results []*domain.HealthResult
	if len(m.probes) == 0 {
		results = m.svc.CheckAllHealth(ctx)
	} else {
		results = m.svc.checkMany(ctx, m.probes)
	}

	m.mu.Lock()
	for _, r := range results {
		m.snapshot[r.Provider] = r
	}
	m.updated = time.Now().UTC()
	m.mu.Unlock()

	for _, r := range results {
		if r.Status != domain.HealthHealthy {
			m.logger.WarnContext(ctx, "provider not healthy",
				slog.String("provider", string(r.Provider)),
				slog.String("status", string(r.Status)),
				slog.String("message", r.Message),
			)
		}
	}
}

// Snapshot returns the latest results sorted by provider, and when they were taken.
// The time is zero before the first refresh completes.
func (m *HealthMonitor) Snapshot() ([]domain.HealthResult, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.HealthResult, 0, len(m.snapshot))
	for _, r := range m.snapshot {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b domain.HealthResult) int { return cmp.Compare(a.Provider, b.Provider) })
	return out, m.updated
}

// cronLogger routes cron's logr-style output to slog.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
