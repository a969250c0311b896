package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name      string
		cfg       ProviderConfig
		wantName  string
		wantModel string
	}{
		{"default cerebras", ProviderConfig{APIKey: "k"}, CerebrasProvider, DefaultOpenAIModel},
		{"groq", ProviderConfig{Provider: "GROQ", APIKey: "k"}, GroqProvider, DefaultGroqModel},
		{"groq model override", ProviderConfig{Provider: "groq", APIKey: "k", Model: "llama"}, GroqProvider, "llama"},
		{"compatible", ProviderConfig{Provider: "openai_compatible", APIKey: "k", BaseURL: "http://localhost:8080/v1", Model: "m"}, OpenAICompatibleProvider, "m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			require.NoError(t, err)

			op, ok := p.(*OpenAIProvider)
			require.True(t, ok)
			assert.Equal(t, tt.wantName, op.name)
			assert.Equal(t, tt.wantModel, op.model)
		})
	}
}

func TestNewProvider_Mock(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &MockProvider{}, p)
}

func TestNewProvider_Errors(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Provider: "anthropic", APIKey: "k"})
	assert.ErrorContains(t, err, "unsupported classifier provider")

	_, err = NewProvider(ProviderConfig{Provider: "openai_compatible", APIKey: "k"})
	assert.ErrorContains(t, err, "requires base url and model")

	_, err = NewProvider(ProviderConfig{Provider: "cerebras"})
	assert.Error(t, err)
}
