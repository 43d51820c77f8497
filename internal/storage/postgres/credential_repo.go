package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/storage"
)

// CredentialRepository implements storage.CredentialStore with GORM.
// Mutations of credential rows go through Begin so they share a
// transaction with their usage-log row.
type CredentialRepository struct {
	db         *gorm.DB
	maxRetries int
}

// NewCredentialRepository creates a CredentialRepository. maxRetries bounds
// how often a batch is rerun after a serialization failure.
func NewCredentialRepository(db *gorm.DB, maxRetries int) *CredentialRepository {
	return &CredentialRepository{db: db, maxRetries: maxRetries}
}

func (r *CredentialRepository) Begin() storage.Batch {
	return NewBatch(r.db, r.maxRetries)
}

func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID, ownerID string) (*domain.Credential, error) {
	var m CredentialModel
	err := r.db.WithContext(ctx).
		Scopes(OwnerScope(ownerID)).
		Where("id = ?", id).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	return toCredentialDomain(&m), nil
}

// ListByOwner returns the owner's credentials, newest first. Expired rows are included.
func (r *CredentialRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Credential, error) {
	var models []CredentialModel
	if err := r.db.WithContext(ctx).
		Scopes(OwnerScope(ownerID)).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	return toCredentials(models), nil
}

func (r *CredentialRepository) GetByProvider(ctx context.Context, ownerID string, provider domain.Provider, now time.Time) (*domain.Credential, error) {
	var m CredentialModel
	err := r.db.WithContext(ctx).
		Scopes(OwnerScope(ownerID), ActiveScope(now)).
		Where("provider = ?", string(provider)).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential by provider: %w", err)
	}
	return toCredentialDomain(&m), nil
}

func (r *CredentialRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&CredentialModel{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"last_used_at": at.UTC(),
			"usage_count":  gorm.Expr("usage_count + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("updating last used: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *CredentialRepository) ListAll(ctx context.Context) ([]*domain.Credential, error) {
	var models []CredentialModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing all credentials: %w", err)
	}
	return toCredentials(models), nil
}

// UsageLog returns the usage history of a credential, oldest first.
func (r *CredentialRepository) UsageLog(ctx context.Context, credentialID uuid.UUID) ([]domain.UsageLogEntry, error) {
	var models []UsageLogModel
	if err := r.db.WithContext(ctx).
		Where("credential_id = ?", credentialID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing usage log: %w", err)
	}
	out := make([]domain.UsageLogEntry, len(models))
	for i := range models {
		out[i] = toUsageLogDomain(&models[i])
	}
	return out, nil
}

func toCredentials(models []CredentialModel) []*domain.Credential {
	out := make([]*domain.Credential, len(models))
	for i := range models {
		out[i] = toCredentialDomain(&models[i])
	}
	return out
}

var _ storage.CredentialStore = (*CredentialRepository)(nil)
