package postgres

import (
	"time"

	"gorm.io/gorm"
)

// OwnerScope returns a GORM scope that filters by owner_id.
// Every credential query made on behalf of a user must apply it.
func OwnerScope(ownerID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("owner_id = ?", ownerID)
	}
}

// ActiveScope excludes credentials that have expired at now.
func ActiveScope(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("expires_at IS NULL OR expires_at > ?", now)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
