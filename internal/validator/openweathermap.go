package validator

import (
	"context"
	"strings"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
)

const (
	openWeatherMapBaseURL = "https://api.openweathermap.org"
	openWeatherMapKeyLen  = 32
)

// OpenWeatherMap validates keys with a current-weather lookup.
type OpenWeatherMap struct{ base }

// NewOpenWeatherMap creates an OpenWeatherMap validator.
func NewOpenWeatherMap(doer egress.Doer, opts ...Option) *OpenWeatherMap {
	return &OpenWeatherMap{newBase(domain.ProviderOpenWeatherMap, doer, openWeatherMapBaseURL, opts)}
}

func (v *OpenWeatherMap) Validate(ctx context.Context, key string) *domain.ValidationResult {
	if res := checkFormat(v.provider, key, openWeatherMapKeyLen, ""); res != nil {
		return res
	}
	if len(key) != openWeatherMapKeyLen || strings.Trim(strings.ToLower(key), "0123456789abcdef") != "" {
		return domain.NewResult(v.provider, domain.StatusFormatError, "key must be 32 hexadecimal characters")
	}
	resp, err := v.send(ctx, egress.Request{
		URL:    v.baseURL + "/data/2.5/weather",
		Params: map[string]string{"q": "London", "appid": key},
	})
	if err != nil {
		return transportFailure(v.provider, err)
	}
	res := classify(v.provider, resp)
	if res.Valid {
		res.Capabilities = []string{"current_weather"}
	}
	return res
}

func (v *OpenWeatherMap) Health(ctx context.Context) *domain.HealthResult {
	return v.probeHealth(ctx, egress.Request{
		URL:    v.baseURL + "/data/2.5/weather",
		Params: map[string]string{"q": "London"},
	})
}
