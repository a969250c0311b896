// Package api serves the task, interaction and dashboard endpoints over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nadmax/overseer/internal/dashboard"
	"github.com/nadmax/overseer/internal/httputil"
	"github.com/nadmax/overseer/internal/middleware"
	"github.com/nadmax/overseer/internal/queue"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type API struct {
	queue   *queue.Queue
	store   repository.Store
	mux     *http.ServeMux
	handler http.Handler
	log     *zap.Logger
}

type CreateTaskRequest struct {
	Prompt    string  `json:"prompt"`
	Source    string  `json:"source"`
	Type      string  `json:"type"`
	SessionID *string `json:"session_id"`
}

func NewAPI(q *queue.Queue, store repository.Store, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}

	api := &API{
		queue: q,
		store: store,
		mux:   http.NewServeMux(),
		log:   logger.Named("api"),
	}

	api.setupRoutes()
	api.handler = middleware.MetricsMiddleware(api.mux)
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/tasks", a.handleTasks)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/interactions", a.handleInteractions)
	a.mux.HandleFunc("/api/interactions/stats", a.handleInteractionStats)
	a.mux.HandleFunc("/api/interactions/", a.handleInteractionByID)
	a.mux.HandleFunc("/api/metrics/events", a.handleMetricEvents)

	dash := dashboard.NewDashboard(a.store)
	a.mux.HandleFunc("/api/dashboard/stats", getOnly(dash.GetStats))
	a.mux.HandleFunc("/api/dashboard/history", getOnly(dash.GetRecentTasks))
	a.mux.HandleFunc("/api/dashboard/hourly", getOnly(dash.GetHourly))

	a.mux.Handle("/metrics", promhttp.Handler())
	a.mux.HandleFunc("/healthz", a.handleHealth)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createTask(w, r)
	case http.MethodGet:
		a.listTasks(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Warn("failed to close request body", zap.Error(err))
		}
	}()

	var req CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}

	t, err := a.queue.Enqueue(r.Context(), req.Prompt, source, task.TaskType(req.Type), req.SessionID)
	if err != nil {
		if errors.Is(err, queue.ErrEmptyPrompt) || errors.Is(err, queue.ErrInvalidType) {
			httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}

		a.log.Error("create_task_failed", zap.Error(err))
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := a.store.ListTasks(r.Context(), models.TaskFilter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Source: q.Get("source"),
		Limit:  httputil.QueryInt(r, "limit", models.DefaultListLimit),
	})
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	t, err := a.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
			return
		}

		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	items, err := a.store.ListInteractions(r.Context(), models.InteractionFilter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Limit:  httputil.QueryInt(r, "limit", models.DefaultListLimit),
	})
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, items)
}

func (a *API) handleInteractionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := a.store.GetInteractionStats(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) handleInteractionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/interactions/")
	if id == "" {
		httputil.WriteJSONError(w, "Interaction ID is required", http.StatusBadRequest)
		return
	}

	item, err := a.store.GetInteraction(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrInteractionNotFound) {
			httputil.WriteJSONError(w, "Interaction not found", http.StatusNotFound)
			return
		}

		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, item)
}

func (a *API) handleMetricEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	events, err := a.store.ListMetricEvents(r.Context(), models.MetricEventFilter{
		EventType: q.Get("event_type"),
		TaskID:    q.Get("task_id"),
		Limit:     httputil.QueryInt(r, "limit", models.DefaultListLimit),
	})
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, events)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := a.store.GetStats(r.Context()); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
