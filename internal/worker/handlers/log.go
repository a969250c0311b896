package handlers

import (
	"context"

	"github.com/nadmax/overseer/internal/task"
	"go.uber.org/zap"
)

// LogReporter writes a structured log line for every terminal task.
type LogReporter struct {
	log *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LogReporter{log: logger.Named("reporter")}
}

func (r *LogReporter) Report(_ context.Context, t *task.Task) error {
	fields := []zap.Field{
		zap.String("task_id", task.ShortID(t.ID)),
		zap.String("type", string(t.Type)),
		zap.String("source", t.Source),
		zap.Int("attempts", t.Attempts),
		zap.Duration("duration", t.Duration()),
	}

	if t.Status == task.FailedStatus {
		r.log.Warn("task_failed", append(fields, zap.String("error", resultText(t)))...)
		return nil
	}

	r.log.Info("task_completed", append(fields, zap.Bool("follow_up", ShouldFollowUp(t)))...)
	return nil
}
