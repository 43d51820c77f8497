package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/keyvault/internal/audit"
)

// AuditRepository implements audit.Store.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event audit.Event) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events, newest first. If actorID is non-empty, filters
// to that actor. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, actorID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)

	if actorID != "" {
		q = q.Where("actor_id = ?", actorID)
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]audit.Event, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

var _ audit.Store = (*AuditRepository)(nil)
