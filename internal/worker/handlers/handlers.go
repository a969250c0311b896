// Package handlers provides terminal-task handlers for the worker.
// Each handler receives a task that reached completed or failed and can be
// registered by task type or for every task.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nadmax/overseer/internal/task"
)

type TaskHandler func(ctx context.Context, t *task.Task) error

// Reporter delivers the outcome of a terminal task somewhere a human will see it.
type Reporter interface {
	Report(ctx context.Context, t *task.Task) error
}

// Router dispatches terminal tasks to the handlers registered for their type,
// then to the handlers registered for all types.
type Router struct {
	mu     sync.RWMutex
	byType map[task.TaskType][]TaskHandler
	all    []TaskHandler
}

func NewRouter() *Router {
	return &Router{byType: make(map[task.TaskType][]TaskHandler)}
}

func (r *Router) Register(taskType task.TaskType, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byType[taskType] = append(r.byType[taskType], handler)
}

func (r *Router) RegisterAll(handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.all = append(r.all, handler)
}

// RegisterReporter routes tasks of the given type to rep.
func (r *Router) RegisterReporter(taskType task.TaskType, rep Reporter) {
	r.Register(taskType, rep.Report)
}

// Handle runs every matching handler. Non-terminal tasks are ignored.
// A failing handler does not stop the others; their errors are joined.
func (r *Router) Handle(ctx context.Context, t *task.Task) error {
	if t == nil || !t.Status.IsTerminal() {
		return nil
	}

	r.mu.RLock()
	handlers := append(append([]TaskHandler(nil), r.byType[t.Type]...), r.all...)
	r.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("task %s handler failed: %w", task.ShortID(t.ID), err))
		}
	}

	return errors.Join(errs...)
}

var followUpKeywords = []string{"todo", "fixme", "follow-up", "next step"}

// ShouldFollowUp reports whether a completed task's result hints at unfinished work.
func ShouldFollowUp(t *task.Task) bool {
	if t == nil || t.Status != task.CompletedStatus || t.Result == nil {
		return false
	}

	lower := strings.ToLower(*t.Result)
	for _, kw := range followUpKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	return false
}

func resultText(t *task.Task) string {
	switch {
	case t.Result != nil && *t.Result != "":
		return *t.Result
	case t.Error != nil && *t.Error != "":
		return *t.Error
	default:
		return "(no output)"
	}
}
