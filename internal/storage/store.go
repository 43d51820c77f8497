// Package storage defines the persistence contract for the vault.
// Two backends implement it: SQLite (default, zero-config) and PostgreSQL.
// Credential mutations go through a Batch so the credential row and its
// usage-log row are written in one transaction.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/keyvault/internal/audit"
	"github.com/jkaninda/keyvault/internal/cache"
	"github.com/jkaninda/keyvault/internal/domain"
)

// Store is the unified persistence interface.
type Store interface {
	Credentials() CredentialStore
	Cache() CacheStore
	Audit() audit.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// CredentialStore holds credential rows and their usage log.
type CredentialStore interface {
	// Begin starts a batch of statements executed atomically by Execute.
	Begin() Batch

	// GetByID returns the credential with id owned by ownerID, or domain.ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID, ownerID string) (*domain.Credential, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Credential, error)
	// GetByProvider returns the newest credential for provider that has not
	// expired at now, or domain.ErrNotFound.
	GetByProvider(ctx context.Context, ownerID string, provider domain.Provider, now time.Time) (*domain.Credential, error)
	// UpdateLastUsed stamps last_used_at and increments usage_count.
	UpdateLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListAll returns every credential regardless of owner, for key rotation.
	ListAll(ctx context.Context) ([]*domain.Credential, error)
	UsageLog(ctx context.Context, credentialID uuid.UUID) ([]domain.UsageLogEntry, error)
}

// CacheStore is a cache.Service persisted in the database.
type CacheStore interface {
	cache.Service
	// PurgeExpired deletes expired entries and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}

// Batch queues statements and runs them in a single transaction.
// Rows are domain values (*domain.Credential, *domain.UsageLogEntry); the
// backend maps them to its tables. Statement errors surface from Execute,
// after which nothing queued in the batch is visible.
type Batch interface {
	Insert(row any) Batch
	// Update sets values (column name to value) on rows of model's table matching query.
	Update(model any, values map[string]any, query string, args ...any) Batch
	Delete(model any, query string, args ...any) Batch
	Execute(ctx context.Context) ([]Result, error)
}

// Result reports the outcome of one statement in an executed batch.
type Result struct {
	RowsAffected int64
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
