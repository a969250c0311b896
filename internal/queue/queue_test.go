package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/overseer/internal/agent"
	"github.com/nadmax/overseer/internal/agent/agenttest"
	"github.com/nadmax/overseer/internal/repository/mocks"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestQueue(t *testing.T, maxRetries int) (*Queue, *mocks.Store, *agenttest.Fake, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := mocks.NewStore()
	store.Now = clock.Now
	client := agenttest.New()

	opts := DefaultOptions()
	opts.MaxRetries = maxRetries
	opts.Now = clock.Now

	return NewQueue(store, client, opts, nil), store, client, clock
}

func enqueue(t *testing.T, q *Queue, prompt string) *task.Task {
	t.Helper()
	tsk, err := q.Enqueue(context.Background(), prompt, "", "", nil)
	require.NoError(t, err)
	return tsk
}

func getTask(t *testing.T, store *mocks.Store, id string) *task.Task {
	t.Helper()
	tsk, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return tsk
}

func TestEnqueue(t *testing.T) {
	q, _, _, _ := setupTestQueue(t, 1)

	tsk := enqueue(t, q, "fix the flaky test")
	assert.Equal(t, task.PendingStatus, tsk.Status)
	assert.Equal(t, task.DefaultSource, tsk.Source)
	assert.Equal(t, task.OmoRequestType, tsk.Type)
	assert.Equal(t, 0, tsk.Attempts)
}

func TestEnqueue_Validation(t *testing.T) {
	q, _, _, _ := setupTestQueue(t, 1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "   ", "cli", task.OmoRequestType, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = q.Enqueue(ctx, "prompt", "cli", "deploy", nil)
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestDispatchNext_CreatesSession(t *testing.T) {
	q, store, client, clock := setupTestQueue(t, 1)
	tsk := enqueue(t, q, "refactor the parser")

	finished, err := q.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, finished)

	got := getTask(t, store, tsk.ID)
	assert.Equal(t, task.RunningStatus, got.Status)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "ses-1", *got.SessionID)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, clock.Now(), *got.StartedAt)

	assert.Equal(t, []string{"refactor the parser"}, client.CreatedSessions)
	require.Len(t, client.Prompts, 1)
	assert.Equal(t, agenttest.PromptCall{SessionID: "ses-1", Text: "refactor the parser"}, client.Prompts[0])
}

func TestDispatchNext_ReusesSession(t *testing.T) {
	q, _, client, _ := setupTestQueue(t, 1)
	_, err := q.Enqueue(context.Background(), "continue", "interaction", task.OmoRequestType, task.StringPtr("ses-existing"))
	require.NoError(t, err)

	_, err = q.DispatchNext(context.Background())
	require.NoError(t, err)

	assert.Empty(t, client.CreatedSessions)
	require.Len(t, client.Prompts, 1)
	assert.Equal(t, "ses-existing", client.Prompts[0].SessionID)
}

func TestDispatchNext_Empty(t *testing.T) {
	q, store, _, _ := setupTestQueue(t, 1)

	finished, err := q.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, finished)
	assert.Equal(t, 1, store.ClaimCalls)
}

func TestDispatchNext_ClaimError(t *testing.T) {
	q, store, _, _ := setupTestQueue(t, 1)
	store.ClaimError = errors.New("db down")

	_, err := q.DispatchNext(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestDispatchNext_FailureSchedulesRetry(t *testing.T) {
	q, store, client, clock := setupTestQueue(t, 1)
	client.PromptErr = errors.New("prompt rejected")
	tsk := enqueue(t, q, "do work")

	finished, err := q.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, finished)

	got := getTask(t, store, tsk.ID)
	assert.Equal(t, task.PendingStatus, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, "prompt rejected", *got.Error)
	require.NotNil(t, got.RetryAt)
	assert.Equal(t, clock.Now().Add(3*time.Second), *got.RetryAt)
	assert.Nil(t, got.SessionID)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestRetryExhaustion(t *testing.T) {
	q, store, client, clock := setupTestQueue(t, 1)
	client.CreateSessionErr = errors.New("agent unavailable")
	tsk := enqueue(t, q, "do work")
	ctx := context.Background()

	finished, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, finished)

	// not yet eligible
	finished, err = q.DispatchNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, finished)
	assert.Equal(t, task.PendingStatus, getTask(t, store, tsk.ID).Status)

	clock.Advance(3 * time.Second)
	finished, err = q.DispatchNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, finished)

	assert.Equal(t, task.FailedStatus, finished.Status)
	assert.Equal(t, 2, finished.Attempts)
	require.NotNil(t, finished.CompletedAt)
	assert.Equal(t, clock.Now(), *finished.CompletedAt)
	assert.Nil(t, finished.RetryAt)

	require.Len(t, store.Events, 1)
	event := store.Events[0]
	assert.Equal(t, models.TaskTerminalEvent, event.EventType)
	assert.Equal(t, "failed", *event.Status)
	assert.Equal(t, UnknownErrorClass, *event.ErrorClass)
	require.NotNil(t, event.Backlog)
	assert.Equal(t, 0, *event.Backlog)
}

func TestRetryBackoffGrows(t *testing.T) {
	q, store, client, clock := setupTestQueue(t, 3)
	client.PromptErr = errors.New("boom")
	tsk := enqueue(t, q, "do work")
	ctx := context.Background()

	expected := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second}
	for i, delay := range expected {
		_, err := q.DispatchNext(ctx)
		require.NoError(t, err)

		got := getTask(t, store, tsk.ID)
		assert.Equal(t, i+1, got.Attempts)
		require.NotNil(t, got.RetryAt)
		assert.Equal(t, clock.Now().Add(delay), *got.RetryAt)

		clock.Advance(delay)
	}
}

func TestFinalizeRunning_NoRunningTask(t *testing.T) {
	q, _, _, _ := setupTestQueue(t, 1)

	finished, err := q.FinalizeRunning(context.Background())
	require.NoError(t, err)
	assert.Nil(t, finished)
}

func TestFinalizeRunning_BusyWithinTimeout(t *testing.T) {
	q, store, client, clock := setupTestQueue(t, 1)
	tsk := enqueue(t, q, "long job")
	ctx := context.Background()

	_, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	client.SetStatus("ses-1", agent.StatusBusy)

	clock.Advance(DefaultRunningTimeout)
	finished, err := q.FinalizeRunning(ctx)
	require.NoError(t, err)
	assert.Nil(t, finished)
	assert.Equal(t, task.RunningStatus, getTask(t, store, tsk.ID).Status)
	assert.Empty(t, client.Aborted)
}

func TestFinalizeRunning_Timeout(t *testing.T) {
	q, store, client, clock := setupTestQueue(t, 0)
	tsk := enqueue(t, q, "stuck job")
	ctx := context.Background()

	_, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	client.SetStatus("ses-1", agent.StatusBusy)
	client.AbortErr = errors.New("abort failed")

	clock.Advance(DefaultRunningTimeout + time.Millisecond)
	finished, err := q.FinalizeRunning(ctx)
	require.NoError(t, err)
	require.NotNil(t, finished)

	assert.Equal(t, []string{"ses-1"}, client.Aborted)
	assert.Equal(t, task.FailedStatus, finished.Status)
	require.NotNil(t, finished.Error)
	assert.Equal(t, "running timeout exceeded 2m0s", *finished.Error)
	assert.Nil(t, finished.SessionID)

	require.Len(t, store.Events, 1)
	assert.Equal(t, TimeoutErrorClass, *store.Events[0].ErrorClass)
	assert.Equal(t, 0, store.RunningCount())
	assert.Equal(t, tsk.ID, finished.ID)
}

func TestFinalizeRunning_Completed(t *testing.T) {
	q, store, client, clock := setupTestQueue(t, 1)
	tsk := enqueue(t, q, "write docs")
	ctx := context.Background()

	_, err := q.DispatchNext(ctx)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	client.SetStatus("ses-1", agent.StatusIdle)
	client.SetAssistantReply("ses-1", "Docs updated.")

	finished, err := q.FinalizeRunning(ctx)
	require.NoError(t, err)
	require.NotNil(t, finished)

	assert.Equal(t, task.CompletedStatus, finished.Status)
	require.NotNil(t, finished.Result)
	assert.Contains(t, *finished.Result, "Docs updated.")
	assert.Contains(t, *finished.Result, "Cost: $0.0100")
	assert.Nil(t, finished.Error)
	assert.Nil(t, finished.RetryAt)
	require.NotNil(t, finished.CompletedAt)
	assert.Equal(t, clock.Now(), *finished.CompletedAt)

	require.Len(t, store.Events, 1)
	event := store.Events[0]
	assert.Equal(t, tsk.ID, *event.TaskID)
	assert.Equal(t, "completed", *event.Status)
	assert.Nil(t, event.ErrorClass)
	assert.Equal(t, int64(5000), *event.DurationMs)
}

func TestFinalizeRunning_AbsentStatusCountsAsIdle(t *testing.T) {
	q, _, client, _ := setupTestQueue(t, 1)
	enqueue(t, q, "quick job")
	ctx := context.Background()

	_, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	client.SetAssistantReply("ses-1", "ok")

	finished, err := q.FinalizeRunning(ctx)
	require.NoError(t, err)
	require.NotNil(t, finished)
	assert.Equal(t, task.CompletedStatus, finished.Status)
}

func TestFinalizeRunning_NoAssistantMessage(t *testing.T) {
	q, store, client, _ := setupTestQueue(t, 1)
	tsk := enqueue(t, q, "job")
	ctx := context.Background()

	_, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	client.SetStatus("ses-1", agent.StatusIdle)

	finished, err := q.FinalizeRunning(ctx)
	require.NoError(t, err)
	assert.Nil(t, finished)

	got := getTask(t, store, tsk.ID)
	assert.Equal(t, task.PendingStatus, got.Status)
	assert.Equal(t, ErrNoAssistantMessage.Error(), *got.Error)
	assert.Nil(t, got.SessionID)
}

func TestFinalizeRunning_StatusErrorKeepsSession(t *testing.T) {
	q, store, client, _ := setupTestQueue(t, 1)
	tsk := enqueue(t, q, "job")
	ctx := context.Background()

	_, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	client.StatusErr = errors.New("status endpoint down")

	finished, err := q.FinalizeRunning(ctx)
	require.NoError(t, err)
	assert.Nil(t, finished)

	got := getTask(t, store, tsk.ID)
	assert.Equal(t, task.PendingStatus, got.Status)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "ses-1", *got.SessionID)
	assert.Nil(t, got.CompletedAt)
}

func TestFinalizeRunning_MessagesError(t *testing.T) {
	q, store, client, _ := setupTestQueue(t, 0)
	tsk := enqueue(t, q, "job")
	ctx := context.Background()

	_, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	client.MessagesErr = &agent.StatusError{Op: "getMessages", StatusCode: http.StatusBadGateway}

	finished, err := q.FinalizeRunning(ctx)
	require.NoError(t, err)
	require.NotNil(t, finished)
	assert.Equal(t, task.FailedStatus, finished.Status)
	assert.Equal(t, TransportErrorClass, *store.Events[0].ErrorClass)
	assert.Equal(t, tsk.ID, finished.ID)
}

func TestFinalizeRunning_NoSession(t *testing.T) {
	q, store, _, clock := setupTestQueue(t, 0)
	now := clock.Now()
	store.AddTask(&task.Task{
		ID:        "task-orphan",
		Type:      task.OmoRequestType,
		Prompt:    "p",
		Status:    task.RunningStatus,
		Source:    "cli",
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	})

	finished, err := q.FinalizeRunning(context.Background())
	require.NoError(t, err)
	require.NotNil(t, finished)
	assert.Equal(t, task.FailedStatus, finished.Status)
	assert.Equal(t, ErrNoSession.Error(), *finished.Error)
	assert.Equal(t, NoSessionErrorClass, *store.Events[0].ErrorClass)
}

func TestProcessCycle_SingleRunning(t *testing.T) {
	q, store, client, _ := setupTestQueue(t, 1)
	first := enqueue(t, q, "first")
	second := enqueue(t, q, "second")
	ctx := context.Background()

	_, err := q.ProcessCycle(ctx)
	require.NoError(t, err)
	client.SetStatus("ses-1", agent.StatusBusy)

	_, err = q.ProcessCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, store.RunningCount())
	assert.Equal(t, task.RunningStatus, getTask(t, store, first.ID).Status)
	assert.Equal(t, task.PendingStatus, getTask(t, store, second.ID).Status)
	assert.Len(t, client.Prompts, 1)

	client.SetStatus("ses-1", agent.StatusIdle)
	client.SetAssistantReply("ses-1", "done")

	finished, err := q.ProcessCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, finished)
	assert.Equal(t, first.ID, finished.ID)
	assert.Equal(t, task.PendingStatus, getTask(t, store, second.ID).Status)

	_, err = q.ProcessCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.RunningStatus, getTask(t, store, second.ID).Status)
}

func TestProcessCycle_Reentrancy(t *testing.T) {
	q, store, _, _ := setupTestQueue(t, 1)
	enqueue(t, q, "job")

	q.processing.Store(true)
	finished, err := q.ProcessCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, finished)
	assert.Equal(t, 0, store.ClaimCalls)

	busy, err := q.IsBusy(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestRecoverRunning(t *testing.T) {
	q, store, client, _ := setupTestQueue(t, 1)
	tsk := enqueue(t, q, "job")
	ctx := context.Background()

	_, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	client.SetStatus("ses-1", agent.StatusBusy)

	count, err := q.RecoverRunning(ctx, "worker restarted")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got := getTask(t, store, tsk.ID)
	assert.Equal(t, task.FailedStatus, got.Status)
	assert.Equal(t, "[recovery] worker restarted", *got.Error)
	require.NotNil(t, got.CompletedAt)

	busy, err := q.IsBusy(ctx)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestHasPendingAndStats(t *testing.T) {
	q, _, _, _ := setupTestQueue(t, 1)
	ctx := context.Background()

	pending, err := q.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	enqueue(t, q, "a")
	enqueue(t, q, "b")

	pending, err = q.HasPending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestStartLoop(t *testing.T) {
	q, _, client, _ := setupTestQueue(t, 1)
	enqueue(t, q, "looped")
	client.SetAssistantReply("ses-1", "done")

	processed := make(chan *task.Task, 1)
	ctx := context.Background()
	q.StartLoop(ctx, LoopOptions{
		Interval: 5 * time.Millisecond,
		OnTaskProcessed: func(_ context.Context, tsk *task.Task) error {
			select {
			case processed <- tsk:
			default:
			}
			return nil
		},
	})
	q.StartLoop(ctx, LoopOptions{Interval: time.Hour})
	defer q.StopLoop()

	select {
	case tsk := <-processed:
		assert.Equal(t, task.CompletedStatus, tsk.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish the task")
	}

	q.StopLoop()
	q.StopLoop()
}

func TestStartLoop_ReportsErrors(t *testing.T) {
	q, store, _, _ := setupTestQueue(t, 1)
	store.GetRunningError = errors.New("db down")

	errs := make(chan error, 1)
	q.StartLoop(context.Background(), LoopOptions{
		Interval: 5 * time.Millisecond,
		OnError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})
	defer q.StopLoop()

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "db down")
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not report the error")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"timeout", fmt.Errorf("%w 2m0s", ErrRunningTimeout), TimeoutErrorClass},
		{"deadline", context.DeadlineExceeded, TimeoutErrorClass},
		{"no session", ErrNoSession, NoSessionErrorClass},
		{"no assistant", ErrNoAssistantMessage, MalformedErrorClass},
		{"status error", fmt.Errorf("wrapped: %w", &agent.StatusError{Op: "x", StatusCode: 500}), TransportErrorClass},
		{"other", errors.New("boom"), UnknownErrorClass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
