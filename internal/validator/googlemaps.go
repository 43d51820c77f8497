package validator

import (
	"context"
	"net/http"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
)

const googleMapsBaseURL = "https://maps.googleapis.com"

// GoogleMaps validates keys with a geocode lookup. The API answers HTTP 200
// for rejected keys and reports the outcome in the body's status field.
type GoogleMaps struct{ base }

// NewGoogleMaps creates a Google Maps validator.
func NewGoogleMaps(doer egress.Doer, opts ...Option) *GoogleMaps {
	return &GoogleMaps{newBase(domain.ProviderGoogleMaps, doer, googleMapsBaseURL, opts)}
}

func (v *GoogleMaps) Validate(ctx context.Context, key string) *domain.ValidationResult {
	if res := checkFormat(v.provider, key, 30, ""); res != nil {
		return res
	}
	resp, err := v.send(ctx, egress.Request{
		URL:    v.baseURL + "/maps/api/geocode/json",
		Params: map[string]string{"address": "London", "key": key},
	})
	if err != nil {
		return transportFailure(v.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return classify(v.provider, resp)
	}

	var body struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := resp.JSON(&body); err != nil {
		return domain.NewResult(v.provider, domain.StatusServiceError, "provider returned an unreadable response")
	}
	switch body.Status {
	case "OK", "ZERO_RESULTS":
		res := domain.NewResult(v.provider, domain.StatusValid, "key accepted by provider")
		res.Capabilities = []string{"geocoding"}
		return res
	case "REQUEST_DENIED":
		if body.ErrorMessage != "" {
			return domain.NewResult(v.provider, domain.StatusInvalid, "key rejected by provider: "+body.ErrorMessage)
		}
		return domain.NewResult(v.provider, domain.StatusInvalid, "key rejected by provider")
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return rateLimited(v.provider, resp.Header)
	default:
		return domain.NewResult(v.provider, domain.StatusServiceError, "provider returned status "+body.Status)
	}
}

func (v *GoogleMaps) Health(ctx context.Context) *domain.HealthResult {
	return v.probeHealth(ctx, egress.Request{
		URL:    v.baseURL + "/maps/api/geocode/json",
		Params: map[string]string{"address": "London"},
	})
}
