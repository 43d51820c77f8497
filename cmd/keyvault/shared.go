package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/keyvault/internal/audit"
	"github.com/jkaninda/keyvault/internal/background"
	"github.com/jkaninda/keyvault/internal/cache"
	"github.com/jkaninda/keyvault/internal/config"
	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
	"github.com/jkaninda/keyvault/internal/envelope"
	"github.com/jkaninda/keyvault/internal/observability"
	"github.com/jkaninda/keyvault/internal/ratelimit"
	"github.com/jkaninda/keyvault/internal/secrets"
	"github.com/jkaninda/keyvault/internal/storage"
	pgstore "github.com/jkaninda/keyvault/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/keyvault/internal/storage/sqlite"
	"github.com/jkaninda/keyvault/internal/validator"
	"github.com/jkaninda/keyvault/internal/vault"
)

const defaultOwner = "local"

// SharedComponents holds every initialized subsystem. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Store
	Obs       *observability.Observability
	Executor  *background.Executor
	Egress    *egress.Client
	Secrets   *secrets.Chain
	Validator vault.Validator
	Vault     *vault.Service

	// purge drops expired validation cache entries; nil when the cache is off.
	purge func(ctx context.Context) (int64, error)

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the JSON logger. Interactive commands default to warn so
// their output stays readable.
func newLogger(fallback slog.Level) *slog.Logger {
	level := fallback
	if logLevel != "" {
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			level = fallback
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := goutils.Env("KEYVAULT_CONFIG", configPath)
	if _, err := os.Stat(path); err != nil && path == config.DefaultConfigPath() {
		// No config file at the default location: run on defaults and env.
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger.Debug("config loaded", slog.String("path", path))
	return cfg, nil
}

func resolveOwner() string {
	if ownerID != "" {
		return ownerID
	}
	return goutils.Env("KEYVAULT_OWNER", defaultOwner)
}

// initShared wires storage, egress, validation, cache, audit and the vault
// service. The master secret is only resolved when withEngine is set;
// commands that never touch ciphertext run without it.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, withEngine bool) (_ *SharedComponents, err error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			sc.Cleanup()
		}
	}()

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	reg := obs.Registry()

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating %s store: %w", store.Driver(), err)
	}
	obs.Health.AddCheck("database", store.Ping)
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Background executor for audit events and last-used updates.
	sc.Executor = background.NewExecutor(background.Config{
		Workers:   cfg.Background.WorkerCount(),
		QueueSize: cfg.Background.Queue(),
	}, logger, background.NewMetrics(reg))

	// Outbound HTTP with a per-host limiter.
	limiter := ratelimit.NewRegistry(ratelimit.Config{
		RequestsPerMinute: cfg.Egress.RateLimit.PerMinute(),
		BurstSize:         cfg.Egress.RateLimit.BurstSize,
	})
	sc.Egress = egress.NewClient(limiter, logger,
		egress.WithTimeout(cfg.Egress.Timeout()),
		egress.WithMaxRetries(cfg.Egress.Retries()),
		egress.WithMaxBackoff(cfg.Egress.MaxBackoff()),
		egress.WithMetrics(egress.NewMetrics(reg)),
	)

	chain, err := secrets.FromConfig(cfg.Secrets, sc.Egress, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing secret providers: %w", err)
	}
	sc.Secrets = chain

	var engine *envelope.Engine
	if withEngine {
		secret, err := secrets.MasterSecret(ctx, cfg.Vault, chain)
		if err != nil {
			return nil, fmt.Errorf("resolving master secret: %w", err)
		}
		if engine, err = envelope.New(secret); err != nil {
			return nil, fmt.Errorf("initializing envelope encryption: %w", err)
		}
	}

	// Provider validators.
	baseURLs := make(map[domain.Provider]string, len(cfg.Providers.BaseURLs))
	for name, u := range cfg.Providers.BaseURLs {
		baseURLs[domain.ParseProvider(name)] = u
	}
	sc.Validator = observability.NewInstrumentedValidator(
		validator.NewRegistry(sc.Egress, logger, baseURLs),
		obs.Metrics, obs.Tracer, obs.Anomaly,
	)

	svc := vault.New(store.Credentials(), engine, sc.Validator, logger).
		WithJobs(sc.Executor).
		WithTracer(obs.OTelTracer()).
		WithMetrics(vault.NewMetrics(reg))

	if vc := initCache(sc, cfg, logger); vc != nil {
		svc.WithCache(vc)
	}

	sink, err := initAuditSink(cfg, store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit sink: %w", err)
	}
	if sink != nil {
		sc.addCleanup(func() { _ = sink.Close() })
		svc.WithAudit(audit.NewEmitter(sink, sc.Executor))
	}

	// Registered last so it runs first: queued audit and last-used jobs
	// drain before the sink and store close.
	sc.addCleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sc.Executor.Close(drainCtx); err != nil {
			logger.Warn("background jobs not drained", slog.String("error", err.Error()))
		}
	})

	sc.Vault = svc
	return sc, nil
}

// initStore creates the storage backend selected by config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or KEYVAULT_DB_DSN)")
	}
	pc := cfg.Storage.Postgres
	pgCfg := pgstore.Config{
		DSN:             pc.DSN,
		MaxOpenConns:    pc.MaxOpenConns,
		MaxIdleConns:    pc.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
		MaxTxRetries:    pc.MaxTxRetries,
	}
	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB, pgCfg), nil
}

// initCache returns the validation cache for the configured driver, or nil
// when caching is disabled.
func initCache(sc *SharedComponents, cfg *config.Config, logger *slog.Logger) *cache.ValidationCache {
	var backend cache.Service
	switch cfg.Cache.CacheDriver() {
	case "memory":
		mem := cache.NewMemory()
		backend = mem
		sc.purge = func(context.Context) (int64, error) { return int64(mem.Purge()), nil }
	case "database":
		db := sc.Store.Cache()
		backend = db
		sc.purge = db.PurgeExpired
	default:
		logger.Debug("validation cache disabled")
		return nil
	}
	return cache.NewValidationCache(backend, cfg.Vault.CacheTTL(), logger, cache.NewMetrics(sc.Obs.Registry()))
}

// initAuditSink returns the configured audit sink, or nil when auditing is off.
func initAuditSink(cfg *config.Config, store storage.Store, logger *slog.Logger) (audit.Sink, error) {
	switch cfg.Audit.AuditSink() {
	case "file":
		return audit.NewFileSink(cfg.AuditLogPath(), logger)
	case "database":
		return audit.NewStoreSink(store.Audit()), nil
	default:
		logger.Debug("audit sink disabled")
		return nil, nil
	}
}

// readSecret returns value when set, otherwise the first line of in.
// Keys are read from stdin so they stay out of shell history.
func readSecret(value string, in io.Reader) (string, error) {
	if value != "" {
		return strings.TrimSpace(value), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading key from stdin: %w", err)
	}
	if line = strings.TrimSpace(line); line == "" {
		return "", errors.New("no key given: pass --key or pipe it on stdin")
	}
	return line, nil
}
