package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/keyvault/internal/storage"
)

// CacheRepository is a cache.Service backed by the "cache_entries" table.
// Expired rows are ignored on read and removed by PurgeExpired.
type CacheRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCacheRepository creates a CacheRepository.
func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db, now: time.Now}
}

func (r *CacheRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var m CacheEntryModel
	err := r.db.WithContext(ctx).
		Where("cache_key = ?", key).
		Where("expires_at IS NULL OR expires_at > ?", r.now().UTC()).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache entry: %w", err)
	}
	return m.Value, true, nil
}

// Set upserts key. A non-positive ttl never expires.
func (r *CacheRepository) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m := CacheEntryModel{Key: key, Value: value}
	if ttl > 0 {
		exp := r.now().UTC().Add(ttl)
		m.ExpiresAt = &exp
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func (r *CacheRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", r.now().UTC()).
		Delete(&CacheEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging cache entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ storage.CacheStore = (*CacheRepository)(nil)
