package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/repository/mocks"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDashboard(t *testing.T) (*Dashboard, *mocks.Store) {
	t.Helper()

	store := mocks.NewStore()
	store.Now = func() time.Time { return testNow }

	dash := NewDashboard(store)
	dash.now = func() time.Time { return testNow }

	return dash, store
}

func addTask(store *mocks.Store, status task.TaskStatus, taskType task.TaskType, created time.Time, started, completed *time.Time) *task.Task {
	t := task.NewTask("prompt", "cli", taskType, nil)
	t.Status = status
	t.CreatedAt = created
	t.UpdatedAt = created
	t.StartedAt = started
	t.CompletedAt = completed
	store.AddTask(t)
	return t
}

func TestNewDashboard(t *testing.T) {
	dash, _ := setupTestDashboard(t)

	assert.NotNil(t, dash)
	assert.NotNil(t, dash.store)
}

func TestGetStats_Empty(t *testing.T) {
	dash, _ := setupTestDashboard(t)

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))

	assert.Equal(t, 0, stats.TotalTasks)
	assert.Equal(t, 0, stats.PendingTasks)
	assert.Equal(t, "N/A", stats.AverageWaitTime)
	assert.NotNil(t, stats.TasksByType)
	assert.True(t, testNow.Equal(stats.LastUpdated))
}

func TestGetStats_WithTasksAndInteractions(t *testing.T) {
	dash, store := setupTestDashboard(t)
	base := testNow.Add(-time.Hour)

	addTask(store, task.PendingStatus, task.OmoRequestType, base, nil, nil)
	addTask(store, task.RunningStatus, task.OmoRequestType, base, task.TimePtr(base.Add(2*time.Second)), nil)
	addTask(store, task.CompletedStatus, task.ReportType, base, task.TimePtr(base.Add(4*time.Second)), task.TimePtr(base.Add(10*time.Second)))
	addTask(store, task.FailedStatus, task.ReportType, base, nil, task.TimePtr(base.Add(time.Second)))

	_, _, err := store.UpsertInteraction(t.Context(), interaction.PermissionType, "perm-1", nil, "{}")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()
	dash.GetStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))

	assert.Equal(t, 4, stats.TotalTasks)
	assert.Equal(t, 1, stats.PendingTasks)
	assert.Equal(t, 1, stats.RunningTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.FailedTasks)
	assert.Equal(t, 2, stats.TasksByType["report"])
	assert.Equal(t, "3s", stats.AverageWaitTime)
	assert.Equal(t, 1, stats.PendingInteractions)
}

func TestGetStats_StoreError(t *testing.T) {
	dash, store := setupTestDashboard(t)
	store.StatsError = errors.New("db down")

	w := httptest.NewRecorder()
	dash.GetStats(w, httptest.NewRequest(http.MethodGet, "/api/dashboard/stats", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"db down"}`, w.Body.String())
}

func TestGetRecentTasks_Empty(t *testing.T) {
	dash, _ := setupTestDashboard(t)

	w := httptest.NewRecorder()
	dash.GetRecentTasks(w, httptest.NewRequest(http.MethodGet, "/api/dashboard/history", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestGetRecentTasks_OnlyTerminalWithinWindow(t *testing.T) {
	dash, store := setupTestDashboard(t)

	recent := testNow.Add(-time.Hour)
	old := testNow.Add(-48 * time.Hour)

	done := addTask(store, task.CompletedStatus, task.OmoRequestType, recent, task.TimePtr(recent), task.TimePtr(recent.Add(1500*time.Millisecond)))
	failed := addTask(store, task.FailedStatus, task.ReportType, recent.Add(time.Minute), nil, task.TimePtr(recent.Add(2*time.Minute)))
	failed.Error = task.StringPtr("running timeout exceeded")
	store.AddTask(failed)
	addTask(store, task.CompletedStatus, task.OmoRequestType, old, task.TimePtr(old), task.TimePtr(old.Add(time.Second)))
	addTask(store, task.PendingStatus, task.OmoRequestType, recent, nil, nil)

	w := httptest.NewRecorder()
	dash.GetRecentTasks(w, httptest.NewRequest(http.MethodGet, "/api/dashboard/history", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var history []TaskHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 2)

	assert.Equal(t, failed.ID, history[0].TaskID)
	assert.Empty(t, history[0].Duration)
	require.NotNil(t, history[0].Error)
	assert.Equal(t, "running timeout exceeded", *history[0].Error)

	assert.Equal(t, done.ID, history[1].TaskID)
	assert.Equal(t, "1.5s", history[1].Duration)
}

func TestGetHourly(t *testing.T) {
	dash, store := setupTestDashboard(t)

	start := testNow.Add(-90 * time.Minute)
	addTask(store, task.CompletedStatus, task.OmoRequestType, start, task.TimePtr(start), task.TimePtr(start.Add(2*time.Second)))

	w := httptest.NewRecorder()
	dash.GetHourly(w, httptest.NewRequest(http.MethodGet, "/api/dashboard/hourly?hours=6", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var hourly []models.HourlyStat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hourly))
	require.Len(t, hourly, 1)
	assert.Equal(t, "completed", hourly[0].Status)
	assert.Equal(t, 1, hourly[0].Count)
	assert.Equal(t, 2000.0, hourly[0].AvgDurationMs)
}
