package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
	"go.uber.org/zap"
)

func (s *Store) AppendMetricEvent(ctx context.Context, input models.MetricEventInput) (*models.MetricEvent, error) {
	event := &models.MetricEvent{
		ID:            task.NewID(),
		EventType:     input.EventType,
		TaskID:        input.TaskID,
		InteractionID: input.InteractionID,
		TaskType:      input.TaskType,
		Status:        input.Status,
		DurationMs:    input.DurationMs,
		Backlog:       input.Backlog,
		ErrorClass:    input.ErrorClass,
		Payload:       input.Payload,
		CreatedAt:     s.now(),
	}

	query := `
		INSERT INTO metrics_events (
			id, event_type, task_id, interaction_id, task_type, status,
			duration_ms, backlog, error_class, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	var durationMs, backlog any
	if event.DurationMs != nil {
		durationMs = *event.DurationMs
	}
	if event.Backlog != nil {
		backlog = *event.Backlog
	}

	if _, err := s.db.ExecContext(
		ctx,
		query,
		event.ID,
		event.EventType,
		nullString(event.TaskID),
		nullString(event.InteractionID),
		nullString(event.TaskType),
		nullString(event.Status),
		durationMs,
		backlog,
		nullString(event.ErrorClass),
		nullString(event.Payload),
		event.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to append metric event: %w", err)
	}

	return event, nil
}

func (s *Store) ListMetricEvents(ctx context.Context, filter models.MetricEventFilter) ([]*models.MetricEvent, error) {
	var conds []string
	var args []any
	where := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.EventType != "" {
		where("event_type = $%d", filter.EventType)
	}
	if filter.TaskID != "" {
		where("task_id = $%d", filter.TaskID)
	}
	if filter.Since != nil {
		where("created_at >= $%d", *filter.Since)
	}

	query := `SELECT id, event_type, task_id, interaction_id, task_type, status,
		duration_ms, backlog, error_class, payload, created_at FROM metrics_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, models.EffectiveLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric events: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", zap.Error(err))
		}
	}()

	events := []*models.MetricEvent{}
	for rows.Next() {
		var e models.MetricEvent
		var taskID, interactionID, taskType, status, errorClass, payload sql.NullString
		var durationMs sql.NullInt64
		var backlog sql.NullInt32

		if err := rows.Scan(
			&e.ID,
			&e.EventType,
			&taskID,
			&interactionID,
			&taskType,
			&status,
			&durationMs,
			&backlog,
			&errorClass,
			&payload,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}

		e.TaskID = stringPtr(taskID)
		e.InteractionID = stringPtr(interactionID)
		e.TaskType = stringPtr(taskType)
		e.Status = stringPtr(status)
		e.ErrorClass = stringPtr(errorClass)
		e.Payload = stringPtr(payload)
		if durationMs.Valid {
			d := durationMs.Int64
			e.DurationMs = &d
		}
		if backlog.Valid {
			b := int(backlog.Int32)
			e.Backlog = &b
		}

		events = append(events, &e)
	}

	return events, rows.Err()
}
