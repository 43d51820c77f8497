package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/keyvault/internal/gateway/httpapi"
	"github.com/jkaninda/keyvault/internal/vault"
)

const cachePurgeInterval = time.Minute

var (
	serveListenAddr string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operational HTTP server and scheduled health monitor",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8090)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		EnableDocs:    serveDocs,
		HealthChecker: sc.Obs.Health,
		Metrics:       sc.Obs.Metrics,
	}
	if sc.Obs.Metrics != nil {
		gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if sc.Obs.Tracer != nil {
		gwCfg.Tracer = sc.Obs.Tracer.Tracer()
	}
	gw := httpapi.NewGateway(gwCfg, sc.Vault, logger)

	if cfg.HealthMonitor != nil && cfg.HealthMonitor.Enabled {
		monitor := vault.NewHealthMonitor(sc.Vault, cfg.HealthMonitor, logger)
		if err := monitor.Start(ctx); err != nil {
			return fmt.Errorf("starting health monitor: %w", err)
		}
		defer func() { <-monitor.Stop().Done() }()
		gw.WithSnapshot(monitor)
	}

	if sc.purge != nil {
		go purgeCache(ctx, sc.purge, logger)
	}

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http server exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http server", slog.String("error", err.Error()))
	}
	return nil
}

// purgeCache drops expired validation cache entries until ctx ends.
func purgeCache(ctx context.Context, purge func(context.Context) (int64, error), logger *slog.Logger) {
	ticker := time.NewTicker(cachePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				logger.Warn("purging validation cache", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Debug("validation cache purged", slog.Int64("entries", n))
			}
		}
	}
}
