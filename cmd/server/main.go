package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/overseer/internal/agent"
	"github.com/nadmax/overseer/internal/api"
	"github.com/nadmax/overseer/internal/config"
	"github.com/nadmax/overseer/internal/logger"
	"github.com/nadmax/overseer/internal/queue"
	"github.com/nadmax/overseer/internal/repository/postgres"
	"go.uber.org/zap"
)

func main() {
	boot := zap.Must(zap.NewProduction())

	cfg, err := config.Load(os.Getenv("OVERSEER_CONFIG"))
	if err != nil {
		boot.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal("invalid config", zap.Error(err))
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		boot.Fatal("failed to build logger", zap.Error(err))
	}

	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(cfg.Database.DSN, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}

	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close postgres store", zap.Error(err))
		}
	}()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate store", zap.Error(err))
	}

	// The server only enqueues; the worker process owns dispatch.
	client := agent.NewHTTPClient(cfg.Agent.BaseURL, cfg.Agent.Timeout, log)
	q := queue.NewQueue(store, client, queue.DefaultOptions(), log)

	go startMetricsCollector(ctx, store, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewAPI(q, store, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server_shutdown_failed", zap.Error(err))
		}
	}()

	log.Info("server_started",
		zap.String("addr", srv.Addr),
		zap.String("agent", client.BaseURL()),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}

	log.Info("server_stopped")
}
