// Package dashboard implements the monitoring endpoints for scheduler and interaction state.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/nadmax/overseer/internal/httputil"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
)

const (
	historyWindow = 24 * time.Hour
	scanLimit     = 500
)

type Store interface {
	GetStats(ctx context.Context) (*models.TaskStats, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*task.Task, error)
	GetHourlyStats(ctx context.Context, hours int) ([]models.HourlyStat, error)
	GetInteractionStats(ctx context.Context) (*models.InteractionStats, error)
}

type Dashboard struct {
	store Store
	now   func() time.Time
}

type Stats struct {
	TotalTasks          int            `json:"total_tasks"`
	PendingTasks        int            `json:"pending_tasks"`
	RunningTasks        int            `json:"running_tasks"`
	CompletedTasks      int            `json:"completed_tasks"`
	FailedTasks         int            `json:"failed_tasks"`
	TasksByType         map[string]int `json:"tasks_by_type"`
	AverageWaitTime     string         `json:"average_wait_time"`
	PendingInteractions int            `json:"pending_interactions"`
	AnsweredInteraction int            `json:"answered_interactions"`
	RejectedInteraction int            `json:"rejected_interactions"`
	LastUpdated         time.Time      `json:"last_updated"`
}

type TaskHistory struct {
	TaskID      string          `json:"task_id"`
	Type        task.TaskType   `json:"type"`
	Status      task.TaskStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Duration    string          `json:"duration"`
	Error       *string         `json:"error,omitempty"`
}

func NewDashboard(store Store) *Dashboard {
	return &Dashboard{store: store, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskStats, err := d.store.GetStats(ctx)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	interactionStats, err := d.store.GetInteractionStats(ctx)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalTasks:          taskStats.Total,
		PendingTasks:        taskStats.Pending,
		RunningTasks:        taskStats.Running,
		CompletedTasks:      taskStats.Completed,
		FailedTasks:         taskStats.Failed,
		TasksByType:         taskStats.ByType,
		PendingInteractions: interactionStats.Pending,
		AnsweredInteraction: interactionStats.Answered,
		RejectedInteraction: interactionStats.Rejected,
		LastUpdated:         d.now(),
	}
	if stats.TasksByType == nil {
		stats.TasksByType = map[string]int{}
	}

	tasks, err := d.store.ListTasks(ctx, models.TaskFilter{Limit: scanLimit})
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var totalWaitTime time.Duration
	waitCount := 0
	for _, t := range tasks {
		if t.StartedAt != nil {
			totalWaitTime += t.StartedAt.Sub(t.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetRecentTasks lists tasks that reached a terminal state in the last 24 hours, newest first.
func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.store.ListTasks(r.Context(), models.TaskFilter{Limit: scanLimit})
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := d.now().Add(-historyWindow)
	history := []TaskHistory{}

	for _, t := range tasks {
		if !t.Status.IsTerminal() || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if t.StartedAt != nil {
			duration = t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
		}

		history = append(history, TaskHistory{
			TaskID:      t.ID,
			Type:        t.Type,
			Status:      t.Status,
			Attempts:    t.Attempts,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Duration:    duration,
			Error:       t.Error,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, history)
}

// GetHourly returns per-hour terminal counts for the last ?hours= hours (default 24).
func (d *Dashboard) GetHourly(w http.ResponseWriter, r *http.Request) {
	hours := httputil.QueryInt(r, "hours", 24)
	if hours == 0 || hours > 24*30 {
		hours = 24
	}

	stats, err := d.store.GetHourlyStats(r.Context(), hours)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []models.HourlyStat{}
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}
