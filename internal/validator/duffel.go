package validator

import (
	"context"
	"strings"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
)

const (
	duffelBaseURL    = "https://api.duffel.com"
	duffelAPIVersion = "v2"
)

// Duffel validates access tokens by listing a single airline.
type Duffel struct{ base }

// NewDuffel creates a Duffel validator.
func NewDuffel(doer egress.Doer, opts ...Option) *Duffel {
	return &Duffel{newBase(domain.ProviderDuffel, doer, duffelBaseURL, opts)}
}

func (v *Duffel) Validate(ctx context.Context, key string) *domain.ValidationResult {
	if res := checkFormat(v.provider, key, 20, "duffel_"); res != nil {
		return res
	}
	resp, err := v.send(ctx, egress.Request{
		URL:    v.baseURL + "/air/airlines",
		Params: map[string]string{"limit": "1"},
		Headers: map[string]string{
			"Authorization":  "Bearer " + key,
			"Duffel-Version": duffelAPIVersion,
			"Accept":         "application/json",
		},
	})
	if err != nil {
		return transportFailure(v.provider, err)
	}
	res := classify(v.provider, resp)
	if res.Valid {
		if strings.HasPrefix(key, "duffel_test_") {
			res.Capabilities = []string{"test_mode"}
		} else {
			res.Capabilities = []string{"live_mode"}
		}
	}
	return res
}

func (v *Duffel) Health(ctx context.Context) *domain.HealthResult {
	return v.probeHealth(ctx, egress.Request{
		URL:     v.baseURL + "/air/airlines",
		Params:  map[string]string{"limit": "1"},
		Headers: map[string]string{"Duffel-Version": duffelAPIVersion},
	})
}
