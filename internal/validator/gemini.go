package validator

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com"

// Gemini validates keys by listing models. Google reports bad keys as
// HTTP 400 with reason API_KEY_INVALID rather than 401.
type Gemini struct{ base }

// NewGemini creates a Gemini validator.
func NewGemini(doer egress.Doer, opts ...Option) *Gemini {
	return &Gemini{newBase(domain.ProviderGemini, doer, geminiBaseURL, opts)}
}

func (v *Gemini) Validate(ctx context.Context, key string) *domain.ValidationResult {
	if res := checkFormat(v.provider, key, 30, ""); res != nil {
		return res
	}
	resp, err := v.send(ctx, egress.Request{
		URL:     v.baseURL + "/v1beta/models",
		Headers: map[string]string{"X-Goog-Api-Key": key},
	})
	if err != nil {
		return transportFailure(v.provider, err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		body := string(resp.Body)
		if strings.Contains(body, "API_KEY_INVALID") || strings.Contains(body, "API key not valid") {
			return domain.NewResult(v.provider, domain.StatusInvalid, "key rejected by provider")
		}
		if strings.Contains(strings.ToLower(body), "expired") {
			return domain.NewResult(v.provider, domain.StatusExpired, "key has expired")
		}
	}

	res := classify(v.provider, resp)
	if res.Valid {
		var body struct {
			Models []struct {
				Methods []string `json:"supportedGenerationMethods"`
			} `json:"models"`
		}
		if resp.JSON(&body) == nil {
			for _, m := range body.Models {
				for _, method := range m.Methods {
					if !slices.Contains(res.Capabilities, method) {
						res.Capabilities = append(res.Capabilities, method)
					}
				}
			}
			slices.Sort(res.Capabilities)
		}
	}
	return res
}

func (v *Gemini) Health(ctx context.Context) *domain.HealthResult {
	return v.probeHealth(ctx, egress.Request{URL: v.baseURL + "/v1beta/models"})
}
