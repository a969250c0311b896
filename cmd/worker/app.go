package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nadmax/overseer/internal/agent"
	"github.com/nadmax/overseer/internal/classifier"
	"github.com/nadmax/overseer/internal/config"
	"github.com/nadmax/overseer/internal/detector"
	"github.com/nadmax/overseer/internal/escalation"
	"github.com/nadmax/overseer/internal/evaluator"
	"github.com/nadmax/overseer/internal/lease"
	"github.com/nadmax/overseer/internal/logger"
	"github.com/nadmax/overseer/internal/processor"
	"github.com/nadmax/overseer/internal/queue"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/repository/postgres"
	"github.com/nadmax/overseer/internal/responder"
	"github.com/nadmax/overseer/internal/retry"
	"github.com/nadmax/overseer/internal/task"
	"github.com/nadmax/overseer/internal/worker"
	"github.com/nadmax/overseer/internal/worker/handlers"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const interruptedReason = "Interrupted while task was running"

var healthPolicy = retry.Policy{
	Attempts:  2,
	BaseDelay: 200 * time.Millisecond,
	MaxDelay:  500 * time.Millisecond,
}

// app owns every long-lived collaborator of the worker process.
type app struct {
	id  string
	cfg *config.Config
	log *zap.Logger

	store  repository.Store
	client agent.Client
	queue  *queue.Queue
	worker *worker.Worker

	hasInteractions bool
	redis           *redis.Client
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	store, err := postgres.NewStore(cfg.Database.DSN, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		_ = log.Sync()
		return nil, err
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	client := agent.NewHTTPClient(cfg.Agent.BaseURL, cfg.Agent.Timeout, log)
	q := queue.NewQueue(store, client, queue.Options{
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RunningTimeout: cfg.Scheduler.RunningTimeout,
		RetryBaseDelay: cfg.Scheduler.RetryBaseDelay,
		RetryMaxDelay:  cfg.Scheduler.RetryMaxDelay,
	}, log)

	w := worker.NewWorker(workerID, q, worker.Options{
		SchedulerInterval:   cfg.Scheduler.Interval,
		InteractionInterval: cfg.Interactions.Interval,
		MaxProcessPerTick:   cfg.Interactions.MaxProcessPerTick,
	}, log)

	a := &app{
		id:     workerID,
		cfg:    cfg,
		log:    log,
		store:  store,
		client: client,
		queue:  q,
		worker: w,
	}

	if err := a.registerReporters(); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Interactions.Enabled {
		a.wireInteractions()
	}

	return a, nil
}

func (a *app) registerReporters() error {
	a.worker.RegisterAllHandler(handlers.NewLogReporter(a.log).Report)

	if a.cfg.Reporter.Kind != "email" {
		return nil
	}

	email, err := handlers.NewEmailReporter(handlers.EmailConfig{
		APIKey:      a.cfg.Reporter.APIKey,
		FromName:    a.cfg.Reporter.FromName,
		FromAddress: a.cfg.Reporter.FromAddress,
		ToAddress:   a.cfg.Reporter.ToAddress,
	}, a.log)
	if err != nil {
		return fmt.Errorf("failed to configure email reporter: %w", err)
	}

	a.worker.RegisterReporter(task.ReportType, email)
	return nil
}

// wireInteractions always records interactions; answering them needs a classifier.
func (a *app) wireInteractions() {
	ints := worker.Interactions{
		Detector: detector.NewDetector(a.store, a.client, a.log),
		Store:    a.store,
	}

	provider, err := classifier.NewProvider(classifier.ProviderConfig{
		Provider: a.cfg.Classifier.Provider,
		BaseURL:  a.cfg.Classifier.BaseURL,
		APIKey:   a.cfg.Classifier.APIKey,
		Model:    a.cfg.Classifier.Model,
	})
	if err != nil {
		a.log.Warn("classifier_disabled", zap.Error(err))
	} else {
		cc := classifier.NewClient(provider, classifier.Options{
			RetryAttempts: a.cfg.Classifier.RetryAttempts,
			Timeout:       a.cfg.Classifier.Timeout,
		}, a.log)

		resp := responder.NewResponder(a.store, a.client, a.queue, responder.Options{
			AutoThreshold: a.cfg.Interactions.AutoThreshold,
			Router:        escalation.NewRouter(cc, a.queue, a.log),
		}, a.log)

		ints.Processor = processor.NewProcessor(a.store, evaluator.NewEvaluator(cc, a.log), resp, a.log)
	}

	a.worker.SetInteractions(ints)
	a.hasInteractions = true
}

// CheckAgent fails when the agent does not answer its health endpoint.
func (a *app) CheckAgent(ctx context.Context) error {
	health, err := retry.DoValue(ctx, a.healthPolicy(), func(ctx context.Context, _ int) (*agent.Health, error) {
		return a.client.Health(ctx)
	})
	if err != nil {
		a.log.Error("agent_health_failed", zap.String("agent", a.cfg.Agent.BaseURL), zap.Error(err))
		return fmt.Errorf("agent unreachable at %s: %w", a.cfg.Agent.BaseURL, err)
	}

	a.log.Info("agent_health",
		zap.Bool("healthy", health.Healthy),
		zap.String("version", health.Version),
	)

	return nil
}

// StartScheduling takes the lease and only then fails tasks left running by a previous
// process. Without the lease the running task may belong to a live worker.
func (a *app) StartScheduling(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel, err := a.HoldLease(ctx)
	if err != nil {
		return nil, nil, err
	}

	if _, err := a.queue.RecoverRunning(ctx, interruptedReason); err != nil {
		cancel()
		return nil, nil, err
	}

	return ctx, cancel, nil
}

func (a *app) healthPolicy() retry.Policy {
	p := healthPolicy
	p.OnRetry = func(info retry.RetryInfo) {
		a.log.Warn("health_retry",
			zap.Int("attempt", info.Attempt),
			zap.Int("max_attempts", info.MaxAttempts),
			zap.Duration("next_delay", info.NextDelay),
			zap.Error(info.Err),
		)
	}

	return p
}

// HoldLease acquires the single-worker lease when Redis is configured. The returned context is
// cancelled if the lease is lost; cancel releases it.
func (a *app) HoldLease(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	if a.cfg.Redis.Addr == "" {
		return ctx, cancel, nil
	}

	rdb, err := lease.Connect(ctx, a.cfg.Redis.Addr)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	a.redis = rdb

	l := lease.New(rdb, a.cfg.Redis.LeaseKey, a.id, a.cfg.Redis.LeaseTTL, a.log)
	if err := l.Acquire(ctx); err != nil {
		cancel()
		if errors.Is(err, lease.ErrHeld) {
			return nil, nil, fmt.Errorf("another worker is active: %w", err)
		}
		return nil, nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Keep(ctx, func(error) { cancel() })
	}()

	return ctx, func() {
		cancel()
		<-done

		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer releaseCancel()

		if err := l.Release(releaseCtx); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			a.log.Warn("lease_release_failed", zap.Error(err))
		}
	}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("failed to close redis client", zap.Error(err))
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close postgres store", zap.Error(err))
	}

	_ = a.log.Sync()
}
