package validator

import (
	"context"
	"slices"
	"strings"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/egress"
)

const openAIBaseURL = "https://api.openai.com"

// OpenAI validates keys by listing models.
type OpenAI struct{ base }

// NewOpenAI creates an OpenAI validator.
func NewOpenAI(doer egress.Doer, opts ...Option) *OpenAI {
	return &OpenAI{newBase(domain.ProviderOpenAI, doer, openAIBaseURL, opts)}
}

func (v *OpenAI) Validate(ctx context.Context, key string) *domain.ValidationResult {
	if res := checkFormat(v.provider, key, 20, "sk-"); res != nil {
		return res
	}
	resp, err := v.send(ctx, egress.Request{
		URL:     v.baseURL + "/v1/models",
		Headers: map[string]string{"Authorization": "Bearer " + key},
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
			ids := make([]string, 0, len(body.Data))
			for _, m := range body.Data {
				ids = append(ids, m.ID)
			}
			res.Capabilities = openAICapabilities(ids)
		}
	}
	return res
}

func (v *OpenAI) Health(ctx context.Context) *domain.HealthResult {
	return v.probeHealth(ctx, egress.Request{URL: v.baseURL + "/v1/models"})
}

// openAICapabilities derives feature flags from the model ids a key can see.
func openAICapabilities(ids []string) []string {
	families := map[string]string{
		"gpt-":           "chat",
		"o1":             "reasoning",
		"o3":             "reasoning",
		"text-embedding": "embeddings",
		"dall-e":         "images",
		"gpt-image":      "images",
		"whisper":        "audio",
		"tts":            "audio",
	}
	var caps []string
	for _, id := range ids {
		for prefix, flag := range families {
			if strings.HasPrefix(id, prefix) && !slices.Contains(caps, flag) {
				caps = append(caps, flag)
			}
		}
	}
	slices.Sort(caps)
	return caps
}
