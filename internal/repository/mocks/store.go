// Package mocks provides an in-memory repository.Store for component tests and local dry runs.
package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
)

var _ repository.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	Tasks        map[string]*task.Task
	Interactions map[string]*interaction.Interaction
	Events       []*models.MetricEvent

	UpdateTaskCalls        []UpdateTaskCall
	UpdateInteractionCalls []UpdateInteractionCall
	ClaimCalls             int

	CreateTaskError        error
	ClaimError             error
	GetRunningError        error
	UpdateTaskError        error
	StatsError             error
	UpsertError            error
	NextInteractionError   error
	UpdateInteractionError error
	AppendMetricError      error

	// Now is the store clock; defaults to time.Now.
	Now func() time.Time
}

type UpdateTaskCall struct {
	TaskID string
	Update repository.TaskUpdate
}

type UpdateInteractionCall struct {
	InteractionID string
	Update        repository.InteractionUpdate
}

func NewStore() *Store {
	return &Store{
		Tasks:        make(map[string]*task.Task),
		Interactions: make(map[string]*interaction.Interaction),
		Events:       make([]*models.MetricEvent, 0),
		Now:          time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}

	return s.Now()
}

func copyTask(t *task.Task) *task.Task {
	c := *t
	return &c
}

func copyInteraction(i *interaction.Interaction) *interaction.Interaction {
	c := *i
	return &c
}

// AddTask seeds a task as-is, bypassing CreateTask defaults.
func (s *Store) AddTask(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Tasks[t.ID] = copyTask(t)
}

func (s *Store) CreateTask(_ context.Context, prompt, source string, taskType task.TaskType, sessionID *string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateTaskError != nil {
		return nil, s.CreateTaskError
	}

	t := task.NewTask(prompt, source, taskType, sessionID)
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.Tasks[t.ID] = t

	return copyTask(t), nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.Tasks[taskID]
	if !ok {
		return nil, repository.ErrTaskNotFound
	}

	return copyTask(t), nil
}

func (s *Store) ClaimNextPending(_ context.Context, now time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ClaimCalls++
	if s.ClaimError != nil {
		return nil, s.ClaimError
	}

	var candidates []*task.Task
	for _, t := range s.Tasks {
		if t.Status == task.RunningStatus {
			return nil, nil
		}
		if t.Status != task.PendingStatus {
			continue
		}
		if t.RetryAt != nil && t.RetryAt.After(now) {
			continue
		}

		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.RetryAt == nil) != (b.RetryAt == nil) {
			return a.RetryAt == nil
		}
		if a.RetryAt != nil && !a.RetryAt.Equal(*b.RetryAt) {
			return a.RetryAt.Before(*b.RetryAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}

		return a.ID < b.ID
	})

	next := candidates[0]
	next.Status = task.RunningStatus
	next.RetryAt = nil
	if next.StartedAt == nil {
		next.StartedAt = task.TimePtr(now)
	}
	next.UpdatedAt = now

	return copyTask(next), nil
}

func (s *Store) GetRunningTask(_ context.Context) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.GetRunningError != nil {
		return nil, s.GetRunningError
	}

	for _, t := range s.Tasks {
		if t.Status == task.RunningStatus {
			return copyTask(t), nil
		}
	}

	return nil, nil
}

func (s *Store) UpdateTask(_ context.Context, taskID string, update repository.TaskUpdate) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.UpdateTaskCalls = append(s.UpdateTaskCalls, UpdateTaskCall{TaskID: taskID, Update: update})
	if s.UpdateTaskError != nil {
		return nil, s.UpdateTaskError
	}

	t, ok := s.Tasks[taskID]
	if !ok {
		return nil, repository.ErrTaskNotFound
	}

	update.Apply(t, s.now())
	return copyTask(t), nil
}

func (s *Store) RecoverRunningTasks(_ context.Context, target task.TaskStatus, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target != task.PendingStatus {
		target = task.FailedStatus
	}

	now := s.now()
	count := 0
	for _, t := range s.Tasks {
		if t.Status != task.RunningStatus {
			continue
		}

		msg := repository.RecoveryError(t.Error, reason)
		t.Status = target
		t.Error = &msg
		t.RetryAt = nil
		if target == task.FailedStatus {
			t.CompletedAt = task.TimePtr(now)
		}
		t.UpdatedAt = now
		count++
	}

	return count, nil
}

func (s *Store) ListTasks(_ context.Context, filter models.TaskFilter) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*task.Task{}
	for _, t := range s.Tasks {
		if filter.Status != "" && t.Status != task.NormalizeStatus(filter.Status) {
			continue
		}
		if filter.Type != "" && string(t.Type) != filter.Type {
			continue
		}
		if filter.Source != "" && t.Source != filter.Source {
			continue
		}

		out = append(out, copyTask(t))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if limit := models.EffectiveLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) GetStats(_ context.Context) (*models.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StatsError != nil {
		return nil, s.StatsError
	}

	stats := &models.TaskStats{ByType: make(map[string]int)}
	for _, t := range s.Tasks {
		stats.Total++
		stats.ByType[string(t.Type)]++
		switch task.NormalizeStatus(string(t.Status)) {
		case task.PendingStatus:
			stats.Pending++
		case task.RunningStatus:
			stats.Running++
		case task.CompletedStatus:
			stats.Completed++
		case task.FailedStatus:
			stats.Failed++
		}
	}

	return stats, nil
}

func (s *Store) GetHourlyStats(_ context.Context, hours int) ([]models.HourlyStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hours <= 0 {
		hours = 24
	}
	since := s.now().Add(-time.Duration(hours) * time.Hour)

	type key struct {
		hour   time.Time
		status string
	}
	totals := make(map[key]*models.HourlyStat)
	durations := make(map[key]time.Duration)

	for _, t := range s.Tasks {
		if t.CompletedAt == nil || !t.CompletedAt.After(since) {
			continue
		}

		k := key{hour: t.CompletedAt.Truncate(time.Hour), status: string(t.Status)}
		if totals[k] == nil {
			totals[k] = &models.HourlyStat{Hour: k.hour, Status: k.status}
		}
		totals[k].Count++
		durations[k] += t.Duration()
	}

	out := make([]models.HourlyStat, 0, len(totals))
	for k, h := range totals {
		h.AvgDurationMs = float64(durations[k].Milliseconds()) / float64(h.Count)
		out = append(out, *h)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].Status < out[j].Status
	})

	return out, nil
}

func (s *Store) UpsertInteraction(_ context.Context, kind interaction.Type, requestID string, sessionID *string, payload string) (*interaction.Interaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpsertError != nil {
		return nil, false, s.UpsertError
	}

	for _, existing := range s.Interactions {
		if existing.Type == kind && existing.RequestID == requestID {
			return copyInteraction(existing), false, nil
		}
	}

	now := s.now()
	i := &interaction.Interaction{
		ID:        task.NewID(),
		Type:      kind,
		RequestID: requestID,
		SessionID: sessionID,
		Payload:   payload,
		Status:    interaction.PendingStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.Interactions[i.ID] = i

	return copyInteraction(i), true, nil
}

func (s *Store) GetInteraction(_ context.Context, id string) (*interaction.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.Interactions[id]
	if !ok {
		return nil, repository.ErrInteractionNotFound
	}

	return copyInteraction(i), nil
}

func (s *Store) NextPendingInteraction(_ context.Context) (*interaction.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.NextInteractionError != nil {
		return nil, s.NextInteractionError
	}

	var oldest *interaction.Interaction
	for _, i := range s.Interactions {
		if i.Status != interaction.PendingStatus {
			continue
		}
		if oldest == nil || i.CreatedAt.Before(oldest.CreatedAt) ||
			(i.CreatedAt.Equal(oldest.CreatedAt) && i.ID < oldest.ID) {
			oldest = i
		}
	}
	if oldest == nil {
		return nil, nil
	}

	return copyInteraction(oldest), nil
}

func (s *Store) UpdateInteraction(_ context.Context, id string, update repository.InteractionUpdate) (*interaction.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.UpdateInteractionCalls = append(s.UpdateInteractionCalls, UpdateInteractionCall{InteractionID: id, Update: update})
	if s.UpdateInteractionError != nil {
		return nil, s.UpdateInteractionError
	}

	i, ok := s.Interactions[id]
	if !ok {
		return nil, repository.ErrInteractionNotFound
	}

	update.Apply(i, s.now())
	return copyInteraction(i), nil
}

func (s *Store) ListInteractions(_ context.Context, filter models.InteractionFilter) ([]*interaction.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*interaction.Interaction{}
	for _, i := range s.Interactions {
		if filter.Status != "" && string(i.Status) != filter.Status {
			continue
		}
		if filter.Type != "" && string(i.Type) != filter.Type {
			continue
		}

		out = append(out, copyInteraction(i))
	}

	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})

	if limit := models.EffectiveLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) GetInteractionStats(_ context.Context) (*models.InteractionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StatsError != nil {
		return nil, s.StatsError
	}

	stats := &models.InteractionStats{ByType: make(map[string]int)}
	for _, i := range s.Interactions {
		stats.Total++
		stats.ByType[string(i.Type)]++
		switch i.Status {
		case interaction.PendingStatus:
			stats.Pending++
		case interaction.AnsweredStatus:
			stats.Answered++
		case interaction.RejectedStatus:
			stats.Rejected++
		}
	}

	return stats, nil
}

func (s *Store) AppendMetricEvent(_ context.Context, input models.MetricEventInput) (*models.MetricEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AppendMetricError != nil {
		return nil, s.AppendMetricError
	}

	event := &models.MetricEvent{
		ID:            task.NewID(),
		EventType:     input.EventType,
		TaskID:        input.TaskID,
		InteractionID: input.InteractionID,
		TaskType:      input.TaskType,
		Status:        input.Status,
		DurationMs:    input.DurationMs,
		Backlog:       input.Backlog,
		ErrorClass:    input.ErrorClass,
		Payload:       input.Payload,
		CreatedAt:     s.now(),
	}
	s.Events = append(s.Events, event)

	return event, nil
}

func (s *Store) ListMetricEvents(_ context.Context, filter models.MetricEventFilter) ([]*models.MetricEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.MetricEvent{}
	for i := len(s.Events) - 1; i >= 0; i-- {
		e := s.Events[i]
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.TaskID != "" && (e.TaskID == nil || *e.TaskID != filter.TaskID) {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}

		out = append(out, e)
		if len(out) >= models.EffectiveLimit(filter.Limit) {
			break
		}
	}

	return out, nil
}

// RunningCount is a test helper for the single-running invariant.
func (s *Store) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.Tasks {
		if t.Status == task.RunningStatus {
			n++
		}
	}

	return n
}

func (s *Store) Close() error {
	return nil
}
