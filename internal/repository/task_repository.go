// Package repository declares the persistence contracts for tasks, interactions and metric events.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrInteractionNotFound = errors.New("interaction not found")
)

type TaskRepository interface {
	CreateTask(ctx context.Context, prompt, source string, taskType task.TaskType, sessionID *string) (*task.Task, error)
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	// ClaimNextPending atomically moves the oldest eligible pending task to running.
	// It returns nil, nil when nothing is claimable or another claimer won the race.
	ClaimNextPending(ctx context.Context, now time.Time) (*task.Task, error)
	GetRunningTask(ctx context.Context) (*task.Task, error)
	UpdateTask(ctx context.Context, taskID string, update TaskUpdate) (*task.Task, error)
	RecoverRunningTasks(ctx context.Context, target task.TaskStatus, reason string) (int, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*task.Task, error)
	GetStats(ctx context.Context) (*models.TaskStats, error)
	GetHourlyStats(ctx context.Context, hours int) ([]models.HourlyStat, error)
}

type InteractionRepository interface {
	// UpsertInteraction inserts a pending interaction unless (type, request_id) already exists.
	// created reports whether a new row was written.
	UpsertInteraction(ctx context.Context, kind interaction.Type, requestID string, sessionID *string, payload string) (*interaction.Interaction, bool, error)
	GetInteraction(ctx context.Context, id string) (*interaction.Interaction, error)
	NextPendingInteraction(ctx context.Context) (*interaction.Interaction, error)
	UpdateInteraction(ctx context.Context, id string, update InteractionUpdate) (*interaction.Interaction, error)
	ListInteractions(ctx context.Context, filter models.InteractionFilter) ([]*interaction.Interaction, error)
	GetInteractionStats(ctx context.Context) (*models.InteractionStats, error)
}

type MetricRepository interface {
	AppendMetricEvent(ctx context.Context, input models.MetricEventInput) (*models.MetricEvent, error)
	ListMetricEvents(ctx context.Context, filter models.MetricEventFilter) ([]*models.MetricEvent, error)
}

// Store is everything the worker process needs from its state store.
type Store interface {
	TaskRepository
	InteractionRepository
	MetricRepository
	Close() error
}

// TaskUpdate is a partial update. Nil pointers on the status and attempts fields mean
// "leave unchanged"; the Set flags distinguish an explicit NULL from an absent field.
type TaskUpdate struct {
	Status   *task.TaskStatus
	Attempts *int

	SessionID    *string
	SetSessionID bool

	RetryAt    *time.Time
	SetRetryAt bool

	Result    *string
	SetResult bool

	Error    *string
	SetError bool

	StartedAt    *time.Time
	SetStartedAt bool

	CompletedAt    *time.Time
	SetCompletedAt bool
}

type InteractionUpdate struct {
	Status *interaction.Status

	Answer    *string
	SetAnswer bool

	AnsweredAt    *time.Time
	SetAnsweredAt bool
}

// Apply copies the provided fields onto t. Stores that keep tasks in memory use it
// so the patch semantics live in one place.
func (u TaskUpdate) Apply(t *task.Task, now time.Time) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Attempts != nil {
		t.Attempts = *u.Attempts
	}
	if u.SetSessionID {
		t.SessionID = u.SessionID
	}
	if u.SetRetryAt {
		t.RetryAt = u.RetryAt
	}
	if u.SetResult {
		t.Result = u.Result
	}
	if u.SetError {
		t.Error = u.Error
	}
	if u.SetStartedAt {
		t.StartedAt = u.StartedAt
	}
	if u.SetCompletedAt {
		t.CompletedAt = u.CompletedAt
	}
	t.UpdatedAt = now
}

func (u InteractionUpdate) Apply(i *interaction.Interaction, now time.Time) {
	if u.Status != nil {
		i.Status = *u.Status
	}
	if u.SetAnswer {
		i.Answer = u.Answer
	}
	if u.SetAnsweredAt {
		i.AnsweredAt = u.AnsweredAt
	}
	i.UpdatedAt = now
}

// RecoveryError appends the recovery marker to a previous error message.
func RecoveryError(previous *string, reason string) string {
	marker := "[recovery] " + reason
	if previous == nil || *previous == "" {
		return marker
	}

	return *previous + "\n" + marker
}
