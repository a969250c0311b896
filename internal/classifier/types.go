// Package classifier runs small structured-output LLM calls (classify, evaluate, summarize,
// route) that return a single JSON object.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type TaskType string

const (
	ClassifyTask  TaskType = "classify"
	EvaluateTask  TaskType = "evaluate"
	SummarizeTask TaskType = "summarize"
	RouteTask     TaskType = "route"
)

var TaskTypes = []TaskType{ClassifyTask, EvaluateTask, SummarizeTask, RouteTask}

var (
	ErrInvalidJSON     = errors.New("classifier response is not valid JSON")
	ErrNotObject       = errors.New("classifier response JSON must be an object")
	ErrInvalidTaskType = errors.New("invalid classifier task type")
	ErrNoReply         = errors.New("classifier provider has no queued reply")
)

func ParseTaskType(value string) (TaskType, error) {
	for _, t := range TaskTypes {
		if string(t) == value {
			return t, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrInvalidTaskType, value)
}

type Role string

const (
	SystemRole Role = "system"
	UserRole   Role = "user"
)

type (
	Message struct {
		Role    Role
		Content string
	}

	CompletionRequest struct {
		Messages []Message
		JSON     bool
		Timeout  time.Duration
	}

	Usage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	CompletionResponse struct {
		Text     string
		Provider string
		Model    string
		Usage    *Usage
		Latency  time.Duration
	}

	RunRequest struct {
		Type          TaskType
		Input         string
		Context       map[string]any
		SchemaVersion string
	}

	RunResult struct {
		Type     TaskType
		Output   map[string]any
		RawText  string
		Attempts int
		Provider string
		Model    string
		Usage    *Usage
		Latency  time.Duration
	}
)

// Provider is one completion backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
