package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultBaseURL = "http://127.0.0.1:4996"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed: %d", e.Op, e.StatusCode)
	}

	return fmt.Sprintf("%s failed: %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     logger.Named("agent"),
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Warn("failed to close response body", zap.String("op", op), zap.Error(err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}

	return nil
}

func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, "health", http.MethodGet, "/global/health", nil, &h); err != nil {
		return nil, err
	}

	return &h, nil
}

func (c *HTTPClient) CreateSession(ctx context.Context, title string) (*Session, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}

	var s Session
	if err := c.do(ctx, "createSession", http.MethodPost, "/session", body, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, errors.New("createSession returned no session id")
	}

	return &s, nil
}

func (c *HTTPClient) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.do(ctx, "getSession", http.MethodGet, "/session/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

func (c *HTTPClient) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, "deleteSession", http.MethodDelete, "/session/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) AbortSession(ctx context.Context, id string) error {
	return c.do(ctx, "abortSession", http.MethodPost, "/session/"+url.PathEscape(id)+"/abort", nil, nil)
}

func (c *HTTPClient) PromptAsync(ctx context.Context, sessionID, text string) error {
	body := map[string]any{
		"parts": []Part{{Type: PartText, Text: text}},
	}

	return c.do(ctx, "promptAsync", http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", body, nil)
}

func (c *HTTPClient) SessionStatuses(ctx context.Context) (map[string]SessionStatus, error) {
	statuses := map[string]SessionStatus{}
	if err := c.do(ctx, "sessionStatus", http.MethodGet, "/session/status", nil, &statuses); err != nil {
		return nil, err
	}

	return statuses, nil
}

func (c *HTTPClient) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var messages []Message
	if err := c.do(ctx, "getMessages", http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}

func (c *HTTPClient) ListPermissions(ctx context.Context) ([]RawRequest, error) {
	var out []RawRequest
	if err := c.do(ctx, "listPermissions", http.MethodGet, "/permission", nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *HTTPClient) ReplyPermission(ctx context.Context, requestID string, reply PermissionReply, message string) error {
	body := map[string]string{"reply": string(reply)}
	if message != "" {
		body["message"] = message
	}

	return c.do(ctx, "replyPermission", http.MethodPost, "/permission/"+url.PathEscape(requestID)+"/reply", body, nil)
}

func (c *HTTPClient) ListQuestions(ctx context.Context) ([]RawRequest, error) {
	var out []RawRequest
	if err := c.do(ctx, "listQuestions", http.MethodGet, "/question", nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *HTTPClient) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	body := map[string]any{"answers": answers}
	return c.do(ctx, "replyQuestion", http.MethodPost, "/question/"+url.PathEscape(requestID)+"/reply", body, nil)
}

func (c *HTTPClient) RejectQuestion(ctx context.Context, requestID string) error {
	return c.do(ctx, "rejectQuestion", http.MethodPost, "/question/"+url.PathEscape(requestID)+"/reject", nil, nil)
}
