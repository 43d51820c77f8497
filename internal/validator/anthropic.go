package validator

import (
	"context"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	maxModelCaps        = 20
)

// Anthropic validates keys by listing models.
type Anthropic struct{ base }

// NewAnthropic creates an Anthropic validator.
func NewAnthropic(doer egress.Doer, opts ...Option) *Anthropic {
	return &Anthropic{newBase(domain.ProviderAnthropic, doer, anthropicBaseURL, opts)}
}

func (v *Anthropic) Validate(ctx context.Context, key string) *domain.ValidationResult {
	if res := checkFormat(v.provider, key, 40, "sk-ant-"); res != nil {
		return res
	}
	resp, err := v.send(ctx, egress.Request{
		URL: v.baseURL + "/v1/models",
		Headers: map[string]string{
			"X-API-Key":         key,
			"Anthropic-Version": anthropicAPIVersion,
		},
	})
	if err != nil {
		return transportFailure(v.provider, err)
	}
	res := classify(v.provider, resp)
	if res.Valid {
		var body struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if resp.JSON(&body) == nil {
			for i, m := range body.Data {
				if i == maxModelCaps {
					break
				}
				res.Capabilities = append(res.Capabilities, m.ID)
			}
		}
	}
	return res
}

func (v *Anthropic) Health(ctx context.Context) *domain.HealthResult {
	return v.probeHealth(ctx, egress.Request{
		URL:     v.baseURL + "/v1/models",
		Headers: map[string]string{"Anthropic-Version": anthropicAPIVersion},
	})
}
