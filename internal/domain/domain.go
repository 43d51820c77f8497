// Package domain defines the credential vault entity types shared across the system.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field limits for user-supplied credential metadata.
const (
	MaxNameLength        = 100
	MaxDescriptionLength = 500
)

// Provider identifies the third-party service a credential belongs to.
type Provider string

const (
	ProviderOpenAI         Provider = "openai"
	ProviderAnthropic      Provider = "anthropic"
	ProviderGemini         Provider = "gemini"
	ProviderGitHub         Provider = "github"
	ProviderGoogleMaps     Provider = "google_maps"
	ProviderOpenWeatherMap Provider = "openweathermap"
	ProviderDuffel         Provider = "duffel"
)

// KnownProviders lists the providers with a dedicated validator.
// Any other identifier is handled by the generic validator.
var KnownProviders = []Provider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGemini,
	ProviderGitHub,
	ProviderGoogleMaps,
	ProviderOpenWeatherMap,
	ProviderDuffel,
}

// ParseProvider normalizes a user-supplied provider name ("OpenAI ", "Google-Maps").
func ParseProvider(s string) Provider {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return Provider(s)
}

func (p Provider) String() string { return string(p) }

// Credential is the at-rest representation of a user-supplied API key.
// Ciphertext holds the envelope-encrypted key and is the only place the key lives.
type Credential struct {
	ID              uuid.UUID
	OwnerID         string // Opaque reference to the owning principal.
	Name            string
	Provider        Provider
	Ciphertext      string
	KeyHint         string // Masked suffix for display, e.g. "…f3a9".
	Description     string
	IsValid         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
	LastValidatedAt *time.Time
	UsageCount      int64
}

// Expired reports whether the credential has passed its expiry at the given instant.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Redacted returns a copy safe to hand back to callers: no ciphertext.
func (c Credential) Redacted() Credential {
	c.Ciphertext = ""
	return c
}

// Operation names a credential mutation recorded in the usage log.
type Operation string

const (
	OperationCreate   Operation = "create"
	OperationDelete   Operation = "delete"
	OperationValidate Operation = "validate"
	OperationRotate   Operation = "rotate"
)

// UsageLogEntry is an append-only record written in the same transaction
// as the credential mutation it describes.
type UsageLogEntry struct {
	ID           uuid.UUID
	CredentialID uuid.UUID
	OwnerID      string
	Provider     Provider
	Operation    Operation
	Success      bool
	Timestamp    time.Time
}

// KeyHint masks a key down to its last four characters.
// Keys shorter than 12 characters get no visible suffix.
func KeyHint(key string) string {
	runes := []rune(key)
	if len(runes) < 12 {
		return "…"
	}
	return "…" + string(runes[len(runes)-4:])
}
