package validator

import (
	"context"

	"github.com/jkaninda/keyvault/internal/domain"
)

const genericMinLength = 10

// Generic accepts any key long enough to plausibly be one. It is used for
// providers without a dedicated validator and never touches the network.
type Generic struct{}

// NewGeneric creates the fallback validator.
func NewGeneric() *Generic { return &Generic{} }

func (*Generic) Provider() domain.Provider { return "generic" }

func (*Generic) Validate(_ context.Context, key string) *domain.ValidationResult {
	if res := checkFormat("generic", key, genericMinLength, ""); res != nil {
		return res
	}
	return domain.NewResult("generic", domain.StatusValid, "key format accepted; no live check available for this provider")
}

func (*Generic) Health(context.Context) *domain.HealthResult {
	return &domain.HealthResult{Provider: "generic", Status: domain.HealthUnknown, Message: "no health probe for this provider"}
}
