// Package queue is the task scheduler. Execution is split in two non-blocking halves:
// dispatch claims a pending task and submits its prompt to the agent, and finalize inspects
// the running task's session and settles it as completed or failed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/overseer/internal/agent"
	"github.com/nadmax/overseer/internal/logger"
	"github.com/nadmax/overseer/internal/metrics"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/retry"
	"github.com/nadmax/overseer/internal/summary"
	"github.com/nadmax/overseer/internal/task"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries     = 1
	DefaultRunningTimeout = 120 * time.Second
	DefaultRetryBaseDelay = 3 * time.Second
	DefaultRetryMaxDelay  = 60 * time.Second
	DefaultLoopInterval   = time.Second
)

var (
	ErrNoSession          = errors.New("running task has no session id")
	ErrNoAssistantMessage = errors.New("no assistant message found after session idle")
	ErrRunningTimeout     = errors.New("running timeout exceeded")
	ErrEmptyPrompt        = errors.New("prompt is required")
	ErrInvalidType        = errors.New("invalid task type")
)

// Error classes attached to terminal metric events.
const (
	TimeoutErrorClass   = "timeout"
	TransportErrorClass = "transport"
	MalformedErrorClass = "malformed_response"
	NoSessionErrorClass = "no_session"
	UnknownErrorClass   = "unknown"
)

type Options struct {
	MaxRetries     int
	RunningTimeout time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Now            func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:     DefaultMaxRetries,
		RunningTimeout: DefaultRunningTimeout,
		RetryBaseDelay: DefaultRetryBaseDelay,
		RetryMaxDelay:  DefaultRetryMaxDelay,
	}
}

type LoopOptions struct {
	Interval        time.Duration
	OnTaskProcessed func(ctx context.Context, t *task.Task) error
	OnError         func(err error)
}

type failureOptions struct {
	resetSession bool
	// keepCompletedAt leaves completed_at untouched instead of clearing or stamping it.
	keepCompletedAt bool
}

type Queue struct {
	store  repository.Store
	client agent.Client
	opts   Options
	log    *zap.Logger

	processing atomic.Bool

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewQueue(store repository.Store, client agent.Client, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RunningTimeout <= 0 {
		opts.RunningTimeout = DefaultRunningTimeout
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Queue{
		store:  store,
		client: client,
		opts:   opts,
		log:    logger.Named("queue"),
	}
}

func (q *Queue) Enqueue(ctx context.Context, prompt, source string, taskType task.TaskType, sessionID *string) (*task.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if source == "" {
		source = task.DefaultSource
	}
	if taskType == "" {
		taskType = task.OmoRequestType
	}
	if !task.IsValidType(string(taskType)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, taskType)
	}

	t, err := q.store.CreateTask(ctx, prompt, source, taskType, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	metrics.RecordTaskEnqueued(t.Type, t.Source)
	q.log.Info("task_enqueued",
		zap.String("task_id", task.ShortID(t.ID)),
		zap.String("type", string(t.Type)),
		zap.String("source", t.Source),
		logger.Redact("prompt", t.Prompt),
	)

	return t, nil
}

// DispatchNext claims the next eligible task and submits its prompt. A successful dispatch
// is never terminal, so the returned task is non-nil only when the failure handler gave up.
func (q *Queue) DispatchNext(ctx context.Context) (*task.Task, error) {
	claimed, err := q.store.ClaimNextPending(ctx, q.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}

	if claimed.Attempts == 0 && claimed.StartedAt != nil {
		metrics.RecordTaskWaitTime(claimed.Type, claimed.StartedAt.Sub(claimed.CreatedAt))
	}

	sessionID, err := q.ensureSession(ctx, claimed)
	if err == nil {
		err = q.client.PromptAsync(ctx, sessionID, claimed.Prompt)
	}
	if err != nil {
		q.log.Warn("task_dispatch_failed", zap.String("task_id", task.ShortID(claimed.ID)), zap.Error(err))
		return q.handleFailure(ctx, claimed, err, failureOptions{resetSession: true})
	}

	q.log.Info("task_dispatched",
		zap.String("task_id", task.ShortID(claimed.ID)),
		zap.String("session_id", task.ShortID(sessionID)),
		zap.Int("attempts", claimed.Attempts),
	)

	return nil, nil
}

func (q *Queue) ensureSession(ctx context.Context, t *task.Task) (string, error) {
	if t.SessionID != nil && *t.SessionID != "" {
		return *t.SessionID, nil
	}

	session, err := q.client.CreateSession(ctx, agent.SessionTitle(t.Prompt))
	if err != nil {
		return "", err
	}

	if _, err := q.store.UpdateTask(ctx, t.ID, repository.TaskUpdate{
		SessionID:    task.StringPtr(session.ID),
		SetSessionID: true,
	}); err != nil {
		return "", fmt.Errorf("failed to persist session id: %w", err)
	}
	t.SessionID = task.StringPtr(session.ID)

	return session.ID, nil
}

// FinalizeRunning settles the running task if its session has gone idle or timed out.
// It returns the task only when it reached a terminal state.
func (q *Queue) FinalizeRunning(ctx context.Context) (*task.Task, error) {
	running, err := q.store.GetRunningTask(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load running task: %w", err)
	}
	if running == nil {
		return nil, nil
	}

	if running.SessionID == nil || *running.SessionID == "" {
		return q.handleFailure(ctx, running, ErrNoSession, failureOptions{resetSession: true})
	}
	sessionID := *running.SessionID

	statuses, err := q.client.SessionStatuses(ctx)
	if err != nil {
		return q.handleFailure(ctx, running, err, failureOptions{keepCompletedAt: true})
	}

	if status, ok := statuses[sessionID]; ok && status.Type != agent.StatusIdle {
		startedAt := running.CreatedAt
		if running.StartedAt != nil {
			startedAt = *running.StartedAt
		}

		if q.opts.Now().Sub(startedAt) <= q.opts.RunningTimeout {
			return nil, nil
		}

		if err := q.client.AbortSession(ctx, sessionID); err != nil {
			q.log.Warn("session_abort_failed", zap.String("session_id", task.ShortID(sessionID)), zap.Error(err))
		}

		timeoutErr := fmt.Errorf("%w %s", ErrRunningTimeout, q.opts.RunningTimeout)
		return q.handleFailure(ctx, running, timeoutErr, failureOptions{resetSession: true})
	}

	messages, err := q.client.Messages(ctx, sessionID)
	if err != nil {
		return q.handleFailure(ctx, running, err, failureOptions{resetSession: true})
	}

	assistant, ok := agent.LastAssistant(messages)
	if !ok {
		return q.handleFailure(ctx, running, ErrNoAssistantMessage, failureOptions{resetSession: true})
	}

	result := summary.Format(summary.Summarize(*assistant))
	completed := task.CompletedStatus
	now := q.opts.Now()

	updated, err := q.store.UpdateTask(ctx, running.ID, repository.TaskUpdate{
		Status:         &completed,
		RetryAt:        nil,
		SetRetryAt:     true,
		Result:         task.StringPtr(result),
		SetResult:      true,
		Error:          nil,
		SetError:       true,
		CompletedAt:    task.TimePtr(now),
		SetCompletedAt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}

	q.recordTerminal(ctx, updated, nil)
	q.log.Info("task_completed",
		zap.String("task_id", task.ShortID(updated.ID)),
		zap.Int("attempts", updated.Attempts),
		zap.Duration("duration", updated.Duration()),
	)

	return updated, nil
}

// ProcessCycle runs one finalize/dispatch step. Overlapping calls return immediately.
func (q *Queue) ProcessCycle(ctx context.Context) (*task.Task, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer q.processing.Store(false)

	finalized, err := q.FinalizeRunning(ctx)
	if err != nil || finalized != nil {
		return finalized, err
	}

	return q.DispatchNext(ctx)
}

func (q *Queue) handleFailure(ctx context.Context, t *task.Task, cause error, opts failureOptions) (*task.Task, error) {
	attempts := t.Attempts
	if latest, err := q.store.GetTask(ctx, t.ID); err == nil {
		attempts = latest.Attempts
	}
	attempts++

	shouldRetry := attempts <= q.opts.MaxRetries
	now := q.opts.Now()

	status := task.FailedStatus
	var retryAt *time.Time
	startedAt := t.StartedAt
	completedAt := task.TimePtr(now)

	if shouldRetry {
		status = task.PendingStatus
		retryAt = task.TimePtr(now.Add(q.retryDelay(attempts)))
		startedAt = nil
		completedAt = nil
	}
	if opts.keepCompletedAt {
		completedAt = t.CompletedAt
	}

	sessionID := t.SessionID
	if opts.resetSession {
		sessionID = nil
	}

	updated, err := q.store.UpdateTask(ctx, t.ID, repository.TaskUpdate{
		Status:         &status,
		Attempts:       &attempts,
		Error:          task.StringPtr(cause.Error()),
		SetError:       true,
		RetryAt:        retryAt,
		SetRetryAt:     true,
		StartedAt:      startedAt,
		SetStartedAt:   true,
		CompletedAt:    completedAt,
		SetCompletedAt: true,
		SessionID:      sessionID,
		SetSessionID:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record task failure: %w", err)
	}

	if shouldRetry {
		metrics.RecordTaskRetried(updated.Type)
		q.log.Warn("task_retry_scheduled",
			zap.String("task_id", task.ShortID(t.ID)),
			zap.Int("attempts", attempts),
			zap.Timep("retry_at", retryAt),
			zap.Error(cause),
		)
		return nil, nil
	}

	q.recordTerminal(ctx, updated, cause)
	q.log.Error("task_failed",
		zap.String("task_id", task.ShortID(t.ID)),
		zap.Int("attempts", attempts),
		zap.String("error_class", ClassifyError(cause)),
		zap.Error(cause),
	)

	return updated, nil
}

func (q *Queue) retryDelay(attempts int) time.Duration {
	return retry.ComputeBackoffDelay(attempts, retry.Backoff{
		Base:   q.opts.RetryBaseDelay,
		Max:    q.opts.RetryMaxDelay,
		Factor: 2,
	})
}

// recordTerminal appends the task_terminal event and updates Prometheus. Failures here are
// logged and never undo the transition.
func (q *Queue) recordTerminal(ctx context.Context, t *task.Task, cause error) {
	duration := t.Duration()
	input := models.MetricEventInput{
		EventType:  models.TaskTerminalEvent,
		TaskID:     task.StringPtr(t.ID),
		TaskType:   task.StringPtr(string(t.Type)),
		Status:     task.StringPtr(string(t.Status)),
		DurationMs: int64Ptr(duration.Milliseconds()),
	}

	if stats, err := q.store.GetStats(ctx); err == nil {
		backlog := stats.Pending
		input.Backlog = &backlog
		metrics.UpdateQueueBacklog(backlog)
	}

	if cause != nil {
		class := ClassifyError(cause)
		input.ErrorClass = task.StringPtr(class)
		metrics.RecordTaskFailed(t.Type, class, duration)
	} else {
		metrics.RecordTaskCompleted(t.Type, duration)
	}

	if _, err := q.store.AppendMetricEvent(ctx, input); err != nil {
		q.log.Warn("metric_event_append_failed", zap.String("task_id", task.ShortID(t.ID)), zap.Error(err))
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}

// ClassifyError maps a failure cause onto the error class recorded with terminal events.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRunningTimeout), errors.Is(err, context.DeadlineExceeded):
		return TimeoutErrorClass
	case errors.Is(err, ErrNoSession):
		return NoSessionErrorClass
	case errors.Is(err, ErrNoAssistantMessage):
		return MalformedErrorClass
	}

	var statusErr *agent.StatusError
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimeoutErrorClass
	}
	if errors.As(err, &statusErr) || errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return TransportErrorClass
	}

	return UnknownErrorClass
}

// RecoverRunning reconciles tasks left running by a previous process. It runs before the loop.
func (q *Queue) RecoverRunning(ctx context.Context, reason string) (int, error) {
	count, err := q.store.RecoverRunningTasks(ctx, task.FailedStatus, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to recover running tasks: %w", err)
	}

	if count > 0 {
		metrics.RecordTasksRecovered(count)
		q.log.Warn("running_tasks_recovered", zap.Int("count", count), zap.String("reason", reason))
	}

	return count, nil
}

// IsBusy reports whether a cycle is in progress or a task is still running.
func (q *Queue) IsBusy(ctx context.Context) (bool, error) {
	if q.processing.Load() {
		return true, nil
	}

	running, err := q.store.GetRunningTask(ctx)
	if err != nil {
		return false, err
	}

	return running != nil, nil
}

func (q *Queue) CurrentTask(ctx context.Context) (*task.Task, error) {
	return q.store.GetRunningTask(ctx)
}

func (q *Queue) Stats(ctx context.Context) (*models.TaskStats, error) {
	return q.store.GetStats(ctx)
}

func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	stats, err := q.store.GetStats(ctx)
	if err != nil {
		return false, err
	}

	return stats.Pending > 0, nil
}

// StartLoop runs ProcessCycle on a ticker until StopLoop or ctx cancellation.
// Calling it while a loop is active is a no-op.
func (q *Queue) StartLoop(ctx context.Context, opts LoopOptions) {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()

	if q.loopCancel != nil {
		return
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultLoopInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	q.loopCancel = cancel
	q.loopDone = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				q.tick(loopCtx, opts)
			}
		}
	}()
}

func (q *Queue) tick(ctx context.Context, opts LoopOptions) {
	t, err := q.ProcessCycle(ctx)
	if err == nil && t != nil && opts.OnTaskProcessed != nil {
		err = opts.OnTaskProcessed(ctx, t)
	}
	if err == nil {
		return
	}

	q.log.Error("queue_cycle_failed", zap.Error(err))
	if opts.OnError != nil {
		opts.OnError(err)
	}
}

// StopLoop stops the loop started by StartLoop and waits for the in-flight cycle.
func (q *Queue) StopLoop() {
	q.loopMu.Lock()
	cancel, done := q.loopCancel, q.loopDone
	q.loopCancel, q.loopDone = nil, nil
	q.loopMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}
