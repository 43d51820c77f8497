package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/keyvault/internal/audit"
	"github.com/jkaninda/keyvault/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB       *DB
	maxRetries int

	mu          sync.Mutex
	credentials storage.CredentialStore
	cache       storage.CacheStore
	audit       audit.Store
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB, cfg Config) *Store {
	return &Store{pgDB: pgDB, maxRetries: cfg.TxRetries()}
}

func (s *Store) Migrate(_ context.Context) error {
	return AutoMigrate(s.pgDB.GormDB())
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Credentials() storage.CredentialStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credentials == nil {
		s.credentials = NewCredentialRepository(s.pgDB.GormDB(), s.maxRetries)
	}
	return s.credentials
}

func (s *Store) Cache() storage.CacheStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = NewCacheRepository(s.pgDB.GormDB())
	}
	return s.cache
}

func (s *Store) Audit() audit.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

var _ storage.Store = (*Store)(nil)
