package models

import "time"

const TaskTerminalEvent = "task_terminal"

type MetricEvent struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	TaskID        *string   `json:"task_id,omitempty"`
	InteractionID *string   `json:"interaction_id,omitempty"`
	TaskType      *string   `json:"task_type,omitempty"`
	Status        *string   `json:"status,omitempty"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	Backlog       *int      `json:"backlog,omitempty"`
	ErrorClass    *string   `json:"error_class,omitempty"`
	Payload       *string   `json:"payload,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type MetricEventInput struct {
	EventType     string
	TaskID        *string
	InteractionID *string
	TaskType      *string
	Status        *string
	DurationMs    *int64
	Backlog       *int
	ErrorClass    *string
	Payload       *string
}

type MetricEventFilter struct {
	EventType string
	TaskID    string
	Since     *time.Time
	Limit     int
}
