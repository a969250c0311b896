// Package task defines the core task domain model used by the scheduler and persistence layers.
// It contains task metadata, status and type definitions, and serialization helpers.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	TaskType   string
	Task       struct {
		ID          string     `json:"id"`
		Type        TaskType   `json:"type"`
		Prompt      string     `json:"prompt"`
		Status      TaskStatus `json:"status"`
		Attempts    int        `json:"attempts"`
		RetryAt     *time.Time `json:"retry_at,omitempty"`
		SessionID   *string    `json:"session_id,omitempty"`
		Result      *string    `json:"result,omitempty"`
		Error       *string    `json:"error,omitempty"`
		Source      string     `json:"source"`
		StartedAt   *time.Time `json:"started_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
	}
)

const (
	PendingStatus   TaskStatus = "pending"
	RunningStatus   TaskStatus = "running"
	CompletedStatus TaskStatus = "completed"
	FailedStatus    TaskStatus = "failed"

	// legacyDoneStatus is what older state stores wrote for completed tasks.
	legacyDoneStatus TaskStatus = "done"
)

const (
	OmoRequestType TaskType = "omo_request"
	ClassifyType   TaskType = "classify"
	EvaluateType   TaskType = "evaluate"
	SummarizeType  TaskType = "summarize"
	RouteType      TaskType = "route"
	ReportType     TaskType = "report"
)

const DefaultSource = "cli"

var taskTypes = []TaskType{
	OmoRequestType,
	ClassifyType,
	EvaluateType,
	SummarizeType,
	RouteType,
	ReportType,
}

// NewTask builds a pending task with a time-ordered id.
func NewTask(prompt, source string, taskType TaskType, sessionID *string) *Task {
	now := time.Now()
	if source == "" {
		source = DefaultSource
	}
	if taskType == "" {
		taskType = OmoRequestType
	}

	return &Task{
		ID:        NewID(),
		Type:      taskType,
		Prompt:    prompt,
		Status:    PendingStatus,
		Attempts:  0,
		SessionID: sessionID,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewID returns a UUIDv7 string, falling back to a random UUID if the clock source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// NormalizeStatus maps stored status labels onto the four live states.
// Stores written before the completed label existed used "done".
func NormalizeStatus(raw string) TaskStatus {
	switch s := TaskStatus(raw); s {
	case legacyDoneStatus:
		return CompletedStatus
	case PendingStatus, RunningStatus, CompletedStatus, FailedStatus:
		return s
	default:
		return s
	}
}

// NormalizeType maps unknown or empty stored types to omo_request.
func NormalizeType(raw string) TaskType {
	for _, t := range taskTypes {
		if string(t) == raw {
			return t
		}
	}

	return OmoRequestType
}

func IsValidType(raw string) bool {
	for _, t := range taskTypes {
		if string(t) == raw {
			return true
		}
	}

	return false
}

func (s TaskStatus) IsTerminal() bool {
	return s == CompletedStatus || s == FailedStatus
}

// Duration is the time between start (or creation) and completion, or zero if not complete.
func (t *Task) Duration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}

	start := t.CreatedAt
	if t.StartedAt != nil {
		start = *t.StartedAt
	}

	d := t.CompletedAt.Sub(start)
	if d < 0 {
		return 0
	}

	return d
}

// ShortID is the 8-character prefix used in log fields.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}

	return id[:8]
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), err
}

func TaskFromJSON(data string) (*Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, err
	}

	return &task, nil
}

func StringPtr(s string) *string {
	return &s
}

func TimePtr(t time.Time) *time.Time {
	return &t
}
