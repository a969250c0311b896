package classifier

import (
	"fmt"
	"strings"
)

const (
	CerebrasProvider         = "cerebras"
	GroqProvider             = "groq"
	OpenAICompatibleProvider = "openai_compatible"
	MockProviderName         = "mock"

	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "openai/gpt-oss-20b"
)

type ProviderConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// NewProvider picks a provider by name. Cerebras and Groq fill in their public endpoints
// and default models; openai_compatible needs all three fields set.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = CerebrasProvider
	}

	switch name {
	case MockProviderName:
		return NewMockProvider(), nil
	case CerebrasProvider:
		return NewOpenAIProvider(OpenAIConfig{
			Name:    CerebrasProvider,
			BaseURL: orDefault(cfg.BaseURL, DefaultOpenAIBaseURL),
			APIKey:  cfg.APIKey,
			Model:   orDefault(cfg.Model, DefaultOpenAIModel),
		})
	case GroqProvider:
		return NewOpenAIProvider(OpenAIConfig{
			Name:    GroqProvider,
			BaseURL: orDefault(cfg.BaseURL, DefaultGroqBaseURL),
			APIKey:  cfg.APIKey,
			Model:   orDefault(cfg.Model, DefaultGroqModel),
		})
	case OpenAICompatibleProvider:
		if cfg.BaseURL == "" || cfg.Model == "" {
			return nil, fmt.Errorf("%s provider requires base url and model", OpenAICompatibleProvider)
		}
		return NewOpenAIProvider(OpenAIConfig{
			Name:    OpenAICompatibleProvider,
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s (expected cerebras | groq | openai_compatible | mock)", name)
	}
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}

	return v
}
