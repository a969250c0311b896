package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

const (
	DefaultOpenAIBaseURL = "https://api.cerebras.ai/v1"
	DefaultOpenAIModel   = "gpt-oss-120b"
)

// ProviderError carries the HTTP status of a failed completion call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s request failed (%d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

type OpenAIConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	HTTPClient  *http.Client
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	name        string
	model       string
	temperature float32
	client      *openai.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("classifier api key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai-compatible"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}

	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      openai.NewClientWithConfig(config),
	}, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	temperature := p.temperature
	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: &temperature,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	started := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, Err: err}
		}

		return nil, fmt.Errorf("failed to create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("%s returned an empty completion", p.name)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}

	return &CompletionResponse{
		Text:     text,
		Provider: p.name,
		Model:    model,
		Usage: &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Latency: time.Since(started),
	}, nil
}
