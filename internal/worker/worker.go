// Package worker drives the scheduler and interaction loops and routes terminal tasks
// to the registered handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/overseer/internal/detector"
	"github.com/nadmax/overseer/internal/metrics"
	"github.com/nadmax/overseer/internal/queue"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/retry"
	"github.com/nadmax/overseer/internal/task"
	"github.com/nadmax/overseer/internal/worker/handlers"
	"go.uber.org/zap"
)

const (
	DefaultSchedulerInterval   = 3 * time.Second
	DefaultInteractionInterval = 3 * time.Second
	DefaultMaxProcessPerTick   = 10
	DefaultIdlePollInterval    = 200 * time.Millisecond
)

type Poller interface {
	PollOnce(ctx context.Context) (detector.PollStats, error)
}

type Drainer interface {
	ProcessPending(ctx context.Context, max int) (int, error)
}

// Interactions wires the detection side. Processor is nil when no classifier is configured;
// interactions are then detected and stored but left pending.
type Interactions struct {
	Detector  Poller
	Processor Drainer
	Store     repository.InteractionRepository
}

type Options struct {
	SchedulerInterval   time.Duration
	InteractionInterval time.Duration
	MaxProcessPerTick   int
	IdlePollInterval    time.Duration
}

type TickResult struct {
	Poll      detector.PollStats
	Processed int
}

type Totals struct {
	Processed             int `json:"processed"`
	Completed             int `json:"completed"`
	Failed                int `json:"failed"`
	InteractionsProcessed int `json:"interactions_processed"`
}

type Worker struct {
	id           string
	queue        *queue.Queue
	interactions Interactions
	handlers     *handlers.Router
	opts         Options
	log          *zap.Logger

	ticking atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	tickDone chan struct{}
}

func NewWorker(id string, q *queue.Queue, opts Options, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SchedulerInterval <= 0 {
		opts.SchedulerInterval = DefaultSchedulerInterval
	}
	if opts.InteractionInterval <= 0 {
		opts.InteractionInterval = DefaultInteractionInterval
	}
	if opts.MaxProcessPerTick <= 0 {
		opts.MaxProcessPerTick = DefaultMaxProcessPerTick
	}
	if opts.IdlePollInterval <= 0 {
		opts.IdlePollInterval = DefaultIdlePollInterval
	}

	return &Worker{
		id:       id,
		queue:    q,
		handlers: handlers.NewRouter(),
		opts:     opts,
		log:      logger.Named("worker").With(zap.String("worker_id", id)),
	}
}

func (w *Worker) SetInteractions(i Interactions) {
	w.interactions = i
}

func (w *Worker) RegisterHandler(taskType task.TaskType, handler handlers.TaskHandler) {
	w.handlers.Register(taskType, handler)
}

func (w *Worker) RegisterReporter(taskType task.TaskType, rep handlers.Reporter) {
	w.handlers.RegisterReporter(taskType, rep)
}

// RegisterAllHandler registers a handler that sees every terminal task.
func (w *Worker) RegisterAllHandler(handler handlers.TaskHandler) {
	w.handlers.RegisterAll(handler)
}

// HandleTask routes a task returned by a scheduler cycle. Non-terminal tasks are ignored.
func (w *Worker) HandleTask(ctx context.Context, t *task.Task) error {
	if t == nil || !t.Status.IsTerminal() {
		return nil
	}

	err := w.handlers.Handle(ctx, t)
	w.logObservability(ctx, t)

	return err
}

func (w *Worker) logObservability(ctx context.Context, t *task.Task) {
	fields := []zap.Field{
		zap.String("task_id", task.ShortID(t.ID)),
		zap.String("status", string(t.Status)),
		zap.Int64("duration_ms", t.Duration().Milliseconds()),
	}

	if stats, err := w.queue.Stats(ctx); err == nil {
		fields = append(fields, zap.Int("backlog", stats.Pending))
	}

	w.log.Info("task_observability", fields...)
}

// InteractionTick polls the agent for open interactions and processes up to
// MaxProcessPerTick pending ones. A failed poll does not block processing of
// interactions already stored. Overlapping ticks return immediately.
func (w *Worker) InteractionTick(ctx context.Context) (TickResult, error) {
	var res TickResult
	if w.interactions.Detector == nil {
		return res, nil
	}
	if !w.ticking.CompareAndSwap(false, true) {
		return res, nil
	}
	defer w.ticking.Store(false)

	var errs []error

	poll, err := w.interactions.Detector.PollOnce(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to poll interactions: %w", err))
	}
	res.Poll = poll

	if w.interactions.Processor != nil {
		processed, err := w.interactions.Processor.ProcessPending(ctx, w.opts.MaxProcessPerTick)
		res.Processed = processed
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to process interactions: %w", err))
		}
	}

	fields := []zap.Field{
		zap.Int("seen", poll.Seen),
		zap.Int("enqueued", poll.Enqueued),
		zap.Int("duplicate", poll.Duplicate),
		zap.Int("invalid", poll.Invalid),
		zap.Int("processed", res.Processed),
	}
	if w.interactions.Store != nil {
		if stats, err := w.interactions.Store.GetInteractionStats(ctx); err == nil {
			metrics.UpdateInteractionsPending(stats.Pending)
			fields = append(fields, zap.Int("pending", stats.Pending))
		}
	}
	w.log.Info("detector_tick_done", fields...)

	return res, errors.Join(errs...)
}

// Start launches the scheduler loop and, when interactions are wired, the interaction loop.
// It returns immediately; Stop ends both loops.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.queue.StartLoop(loopCtx, queue.LoopOptions{
		Interval:        w.opts.SchedulerInterval,
		OnTaskProcessed: w.HandleTask,
		OnError: func(err error) {
			w.log.Error("loop_error", zap.Error(err))
		},
	})

	if w.interactions.Detector != nil {
		done := make(chan struct{})
		w.tickDone = done
		go w.interactionLoop(loopCtx, done)
	}

	w.log.Info("worker_started",
		zap.Duration("scheduler_interval", w.opts.SchedulerInterval),
		zap.Duration("interaction_interval", w.opts.InteractionInterval),
		zap.Int("max_process", w.opts.MaxProcessPerTick),
		zap.Bool("interactions", w.interactions.Detector != nil),
	)
}

func (w *Worker) interactionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.opts.InteractionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.InteractionTick(ctx); err != nil {
				w.log.Error("detector_tick_failed", zap.Error(err))
			}
		}
	}
}

// Stop ends both loops and waits for in-flight ticks.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.tickDone
	w.cancel, w.tickDone = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	w.queue.StopLoop()
	if done != nil {
		<-done
	}

	w.log.Info("worker_stopped")
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
}

// RunOnce runs one interaction tick, then drives the scheduler until no task is running
// or pending. Store failures end the run with an error.
func (w *Worker) RunOnce(ctx context.Context) (Totals, error) {
	var totals Totals

	if w.interactions.Detector != nil {
		res, err := w.InteractionTick(ctx)
		totals.InteractionsProcessed = res.Processed
		if err != nil {
			w.log.Warn("detector_tick_failed", zap.Error(err))
		}
	}

	for {
		t, err := w.queue.ProcessCycle(ctx)
		if err != nil {
			return totals, err
		}

		if t != nil {
			switch t.Status {
			case task.CompletedStatus:
				totals.Processed++
				totals.Completed++
			case task.FailedStatus:
				totals.Processed++
				totals.Failed++
			}

			if err := w.HandleTask(ctx, t); err != nil {
				w.log.Error("task_handler_failed", zap.Error(err))
			}
			continue
		}

		busy, err := w.queue.IsBusy(ctx)
		if err != nil {
			return totals, err
		}
		pending, err := w.queue.HasPending(ctx)
		if err != nil {
			return totals, err
		}
		if !busy && !pending {
			break
		}

		if err := retry.SleepContext(ctx, w.opts.IdlePollInterval); err != nil {
			return totals, err
		}
	}

	fields := []zap.Field{
		zap.Int("processed", totals.Processed),
		zap.Int("completed", totals.Completed),
		zap.Int("failed", totals.Failed),
		zap.Int("interactions_processed", totals.InteractionsProcessed),
	}
	if stats, err := w.queue.Stats(ctx); err == nil {
		fields = append(fields,
			zap.Int("pending", stats.Pending),
			zap.Int("running", stats.Running),
		)
	}
	w.log.Info("once_done", fields...)

	return totals, nil
}
