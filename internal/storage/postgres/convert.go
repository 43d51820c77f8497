package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/keyvault/internal/audit"
	"github.com/jkaninda/keyvault/internal/domain"
)

// --- Credential ---

func toCredentialModel(c *domain.Credential) CredentialModel {
	return CredentialModel{
		ID:              c.ID,
		OwnerID:         c.OwnerID,
		Name:            c.Name,
		Provider:        string(c.Provider),
		EncryptedKey:    c.Ciphertext,
		KeyHint:         c.KeyHint,
		Description:     c.Description,
		IsValid:         c.IsValid,
		UsageCount:      c.UsageCount,
		ExpiresAt:       c.ExpiresAt,
		LastUsedAt:      c.LastUsedAt,
		LastValidatedAt: c.LastValidatedAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func toCredentialDomain(m *CredentialModel) *domain.Credential {
	return &domain.Credential{
		ID:              m.ID,
		OwnerID:         m.OwnerID,
		Name:            m.Name,
		Provider:        domain.Provider(m.Provider),
		Ciphertext:      m.EncryptedKey,
		KeyHint:         m.KeyHint,
		Description:     m.Description,
		IsValid:         m.IsValid,
		UsageCount:      m.UsageCount,
		ExpiresAt:       utcPtr(m.ExpiresAt),
		LastUsedAt:      utcPtr(m.LastUsedAt),
		LastValidatedAt: utcPtr(m.LastValidatedAt),
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

// --- Usage log ---

func toUsageLogModel(e *domain.UsageLogEntry) UsageLogModel {
	return UsageLogModel{
		ID:           e.ID,
		CredentialID: e.CredentialID,
		OwnerID:      e.OwnerID,
		Provider:     string(e.Provider),
		Operation:    string(e.Operation),
		Success:      e.Success,
		CreatedAt:    e.Timestamp,
	}
}

func toUsageLogDomain(m *UsageLogModel) domain.UsageLogEntry {
	return domain.UsageLogEntry{
		ID:           m.ID,
		CredentialID: m.CredentialID,
		OwnerID:      m.OwnerID,
		Provider:     domain.Provider(m.Provider),
		Operation:    domain.Operation(m.Operation),
		Success:      m.Success,
		Timestamp:    m.CreatedAt.UTC(),
	}
}

// --- Audit ---

func toAuditModel(e audit.Event) AuditEventModel {
	meta, _ := json.Marshal(e.Metadata)
	if meta == nil || string(meta) == "null" {
		meta = []byte("{}")
	}
	return AuditEventModel{
		ID:         uuid.New(),
		EventType:  e.EventType,
		Outcome:    e.Outcome,
		ActorID:    e.ActorID,
		ResourceID: e.ResourceID,
		Metadata:   JSONB(meta),
		CreatedAt:  e.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) audit.Event {
	var meta map[string]any
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return audit.Event{
		Timestamp:  m.CreatedAt.UTC(),
		EventType:  m.EventType,
		Outcome:    m.Outcome,
		ActorID:    m.ActorID,
		ResourceID: m.ResourceID,
		Metadata:   meta,
	}
}

// --- Batch rows ---

// rowModel converts a domain row queued on a Batch to its GORM model.
func rowModel(row any) (any, error) {
	switch r := row.(type) {
	case *domain.Credential:
		m := toCredentialModel(r)
		return &m, nil
	case *domain.UsageLogEntry:
		m := toUsageLogModel(r)
		return &m, nil
	default:
		return nil, fmt.Errorf("unsupported row type %T", row)
	}
}

// tableModel returns the empty GORM model whose table backs a domain type.
func tableModel(model any) (any, error) {
	switch model.(type) {
	case *domain.Credential, domain.Credential:
		return &CredentialModel{}, nil
	case *domain.UsageLogEntry, domain.UsageLogEntry:
		return &UsageLogModel{}, nil
	default:
		return nil, fmt.Errorf("unsupported model type %T", model)
	}
}
