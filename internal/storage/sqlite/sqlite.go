// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSONB columns are stored as TEXT
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/keyvault/internal/audit"
	"github.com/jkaninda/keyvault/internal/storage"
	pgstore "github.com/jkaninda/keyvault/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path         string // Database file path.
	JournalMode  string // WAL mode by default.
	MaxTxRetries int    // Lock-contention retries per batch. Default: 3
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db         *gorm.DB
	logger     *slog.Logger
	path       string
	maxRetries int

	// Sub-store instances (created lazily on first access).
	mu          sync.Mutex
	credentials storage.CredentialStore
	cache       storage.CacheStore
	audit       audit.Store
}

// Open creates a new SQLite-backed Store. Call Migrate before use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	retries := cfg.MaxTxRetries
	if retries <= 0 {
		retries = 3
	}

	s := &Store{
		db:         db,
		logger:     slogger,
		path:       cfg.Path,
		maxRetries: retries,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate with the same models as the PostgreSQL backend.
func (s *Store) Migrate(_ context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// GormDB returns the underlying GORM DB.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

// --- Sub-store accessors ---
// All sub-stores reuse the PostgreSQL repository implementations since they
// operate on the same GORM models.

func (s *Store) Credentials() storage.CredentialStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credentials == nil {
		s.credentials = pgstore.NewCredentialRepository(s.db, s.maxRetries)
	}
	return s.credentials
}

func (s *Store) Cache() storage.CacheStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = pgstore.NewCacheRepository(s.db)
	}
	return s.cache
}

func (s *Store) Audit() audit.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = pgstore.NewAuditRepository(s.db)
	}
	return s.audit
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
