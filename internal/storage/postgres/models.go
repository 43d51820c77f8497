package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CredentialModel maps to the "api_keys" table.
type CredentialModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID         string    `gorm:"not null;index:idx_api_keys_owner_provider,priority:1"`
	Name            string    `gorm:"size:100;not null"`
	Provider        string    `gorm:"not null;index:idx_api_keys_owner_provider,priority:2"`
	EncryptedKey    string    `gorm:"type:text;not null"`
	KeyHint         string
	Description     string `gorm:"size:500"`
	IsValid         bool   `gorm:"not null;default:false"`
	UsageCount      int64  `gorm:"not null;default:0"`
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
	LastValidatedAt *time.Time
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}

func (CredentialModel) TableName() string { return "api_keys" }

// UsageLogModel maps to the "api_key_usage_logs" table.
// Append-only; rows outlive the credential they describe.
type UsageLogModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	CredentialID uuid.UUID `gorm:"type:uuid;not null;index"`
	OwnerID      string    `gorm:"not null;index"`
	Provider     string    `gorm:"not null"`
	Operation    string    `gorm:"not null"`
	Success      bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"index"`
}

func (UsageLogModel) TableName() string { return "api_key_usage_logs" }

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite stores it as text.
type JSONB json.RawMessage

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB from %T", src)
	}
	return nil
}

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt: the audit log is append-only and immutable.
type AuditEventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventType  string    `gorm:"not null;index"`
	Outcome    string    `gorm:"not null"`
	ActorID    string    `gorm:"not null;index"`
	ResourceID string    `gorm:"index"`
	Metadata   JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// CacheEntryModel maps to the "cache_entries" table. A nil ExpiresAt never expires.
type CacheEntryModel struct {
	Key       string     `gorm:"column:cache_key;primaryKey"`
	Value     string     `gorm:"type:text;not null"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (CacheEntryModel) TableName() string { return "cache_entries" }
