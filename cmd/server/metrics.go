package main

import (
	"context"
	"time"

	"github.com/nadmax/overseer/internal/metrics"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
	"go.uber.org/zap"
)

const metricsInterval = 10 * time.Second

// gaugeStatuses are sampled per type; terminal statuses are covered by the counters.
var gaugeStatuses = []task.TaskStatus{task.PendingStatus, task.RunningStatus}

func startMetricsCollector(ctx context.Context, store repository.Store, log *zap.Logger) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	updateQueueMetrics(ctx, store, log)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateQueueMetrics(ctx, store, log)
		}
	}
}

func updateQueueMetrics(ctx context.Context, store repository.Store, log *zap.Logger) {
	tasksByStatus := make(map[task.TaskStatus]map[string]int)
	for _, status := range gaugeStatuses {
		tasks, err := store.ListTasks(ctx, models.TaskFilter{Status: string(status), Limit: 500})
		if err != nil {
			log.Warn("metrics_collect_failed", zap.String("status", string(status)), zap.Error(err))
			return
		}

		byType := make(map[string]int)
		for _, t := range tasks {
			byType[string(t.Type)]++
		}
		tasksByStatus[status] = byType
	}

	metrics.UpdateTaskGauges(tasksByStatus)

	stats, err := store.GetStats(ctx)
	if err != nil {
		log.Warn("metrics_collect_failed", zap.Error(err))
		return
	}
	metrics.UpdateQueueBacklog(stats.Pending)

	interactions, err := store.GetInteractionStats(ctx)
	if err != nil {
		log.Warn("metrics_collect_failed", zap.Error(err))
		return
	}
	metrics.UpdateInteractionsPending(interactions.Pending)
}
