package classifier

import (
	"context"
	"errors"
	"sync"
	"time"
)

type MockReply struct {
	Text    string
	Err     string
	Latency time.Duration
}

// MockProvider replays queued replies in order. It backs local runs and tests.
type MockProvider struct {
	mu    sync.Mutex
	queue []MockReply
	calls []CompletionRequest
}

func NewMockProvider(replies ...MockReply) *MockProvider {
	return &MockProvider{queue: append([]MockReply(nil), replies...)}
}

func (m *MockProvider) Enqueue(replies ...MockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, replies...)
}

func (m *MockProvider) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]CompletionRequest(nil), m.calls...)
}

func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return nil, ErrNoReply
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	if next.Latency > 0 {
		timer := time.NewTimer(next.Latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if next.Err != "" {
		return nil, errors.New(next.Err)
	}

	text := next.Text
	if text == "" {
		text = "{}"
	}

	return &CompletionResponse{
		Text:     text,
		Provider: "mock",
		Model:    "mock-model",
		Latency:  next.Latency,
	}, nil
}
