package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/nadmax/overseer/internal/logger"
	"github.com/nadmax/overseer/internal/retry"
	"go.uber.org/zap"
)

const (
	DefaultRetryBaseDelay = 300 * time.Millisecond
	DefaultRetryMaxDelay  = 2 * time.Second
	DefaultTimeout        = 20 * time.Second
)

var systemPrompts = map[TaskType]string{
	ClassifyTask:  "You are a classifier. Return JSON only with stable keys for downstream routing.",
	EvaluateTask:  "You are an evaluator. Return JSON only with score/reason style decision output.",
	SummarizeTask: "You are a summarizer. Return JSON only with concise summary fields.",
	RouteTask:     "You are a router. Return JSON only with deterministic next-action fields.",
}

type Options struct {
	// RetryAttempts defaults to 1; task-level retries already cover most failures.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Timeout        time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
}

type Client struct {
	provider Provider
	policy   retry.Policy
	timeout  time.Duration
	log      *zap.Logger
}

func NewClient(provider Provider, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	c := &Client{
		provider: provider,
		timeout:  opts.Timeout,
		log:      logger.Named("classifier"),
	}

	c.policy = retry.Policy{
		Attempts:  opts.RetryAttempts,
		BaseDelay: opts.RetryBaseDelay,
		MaxDelay:  opts.RetryMaxDelay,
		Sleep:     opts.Sleep,
		ShouldRetry: func(err error, _, _ int) bool {
			return IsRetriable(err)
		},
	}

	return c
}

// BuildMessages renders the system prompt for the task type and the JSON user payload.
func BuildMessages(req RunRequest) ([]Message, error) {
	schema := req.SchemaVersion
	if schema == "" {
		schema = "v1"
	}
	ctxValue := req.Context
	if ctxValue == nil {
		ctxValue = map[string]any{}
	}

	payload := struct {
		Type              TaskType       `json:"type"`
		SchemaVersion     string         `json:"schemaVersion"`
		Input             string         `json:"input"`
		Context           map[string]any `json:"context"`
		OutputRequirement string         `json:"outputRequirement"`
	}{
		Type:              req.Type,
		SchemaVersion:     schema,
		Input:             req.Input,
		Context:           ctxValue,
		OutputRequirement: "JSON object only",
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}

	return []Message{
		{Role: SystemRole, Content: systemPrompts[req.Type]},
		{Role: UserRole, Content: string(data)},
	}, nil
}

func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if _, ok := systemPrompts[req.Type]; !ok {
		return nil, ErrInvalidTaskType
	}

	messages, err := BuildMessages(req)
	if err != nil {
		return nil, err
	}

	completion := CompletionRequest{Messages: messages, JSON: true, Timeout: c.timeout}
	started := time.Now()
	attempts := 0

	policy := c.policy
	policy.OnRetry = func(info retry.RetryInfo) {
		c.log.Warn("retry_provider_call",
			zap.String("type", string(req.Type)),
			zap.Int("attempt", info.Attempt),
			zap.Int("max_attempts", info.MaxAttempts),
			zap.Duration("next_delay", info.NextDelay),
			zap.Error(info.Err),
		)
	}

	resp, err := retry.DoValue(ctx, policy, func(ctx context.Context, attempt int) (*CompletionResponse, error) {
		attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		return c.provider.Complete(callCtx, completion)
	})
	if err != nil {
		return nil, err
	}

	output, err := parseJSONObject(resp.Text)
	if err != nil {
		return nil, err
	}

	latency := time.Since(started)
	c.log.Info("classifier_run_completed",
		zap.String("type", string(req.Type)),
		zap.Int("attempts", attempts),
		zap.String("provider", resp.Provider),
		zap.Duration("latency", latency),
		logger.Redact("raw", resp.Text),
	)

	return &RunResult{
		Type:     req.Type,
		Output:   output,
		RawText:  resp.Text,
		Attempts: attempts,
		Provider: resp.Provider,
		Model:    resp.Model,
		Usage:    resp.Usage,
		Latency:  latency,
	}, nil
}

func (c *Client) Classify(ctx context.Context, input string, extra map[string]any) (*RunResult, error) {
	return c.Run(ctx, RunRequest{Type: ClassifyTask, Input: input, Context: extra})
}

func (c *Client) Evaluate(ctx context.Context, input string, extra map[string]any) (*RunResult, error) {
	return c.Run(ctx, RunRequest{Type: EvaluateTask, Input: input, Context: extra})
}

func (c *Client) Summarize(ctx context.Context, input string, extra map[string]any) (*RunResult, error) {
	return c.Run(ctx, RunRequest{Type: SummarizeTask, Input: input, Context: extra})
}

func (c *Client) Route(ctx context.Context, input string, extra map[string]any) (*RunResult, error) {
	return c.Run(ctx, RunRequest{Type: RouteTask, Input: input, Context: extra})
}

func parseJSONObject(raw string) (map[string]any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, ErrInvalidJSON
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}

	return obj, nil
}

var statusPattern = regexp.MustCompile(`\((429|408|5\d\d)\)`)

var retriableFragments = []string{
	"rate limit",
	"network",
	"fetch failed",
	"timeout",
	"timed out",
	"econnreset",
	"econnrefused",
	"connection reset",
	"connection refused",
	"temporary",
}

// IsRetriable reports whether a provider error looks transient.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *ProviderError
	if errors.As(err, &statusErr) && statusErr.Temporary() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	message := strings.ToLower(err.Error())
	if statusPattern.MatchString(message) {
		return true
	}
	for _, fragment := range retriableFragments {
		if strings.Contains(message, fragment) {
			return true
		}
	}

	return false
}
