package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
	"go.uber.org/zap"
)

var _ repository.Store = (*Store)(nil)

const taskColumns = `id, type, prompt, status, attempts, retry_at, session_id,
	result, error, source, started_at, completed_at, created_at, updated_at`

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var taskType, status string
	var retryAt, startedAt, completedAt sql.NullTime
	var sessionID, result, msgErr sql.NullString

	if err := row.Scan(
		&t.ID,
		&taskType,
		&t.Prompt,
		&status,
		&t.Attempts,
		&retryAt,
		&sessionID,
		&result,
		&msgErr,
		&t.Source,
		&startedAt,
		&completedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Type = task.NormalizeType(taskType)
	t.Status = task.NormalizeStatus(status)
	t.RetryAt = timePtr(retryAt)
	t.SessionID = stringPtr(sessionID)
	t.Result = stringPtr(result)
	t.Error = stringPtr(msgErr)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)

	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, prompt, source string, taskType task.TaskType, sessionID *string) (*task.Task, error) {
	t := task.NewTask(prompt, source, taskType, sessionID)
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	query := `
		INSERT INTO tasks (
			id, type, prompt, status, attempts, session_id,
			source, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if _, err := s.db.ExecContext(
		ctx,
		query,
		t.ID,
		string(t.Type),
		t.Prompt,
		string(t.Status),
		t.Attempts,
		nullString(t.SessionID),
		t.Source,
		t.CreatedAt,
		t.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return t, nil
}

// ClaimNextPending selects and flips the next task inside one transaction. The guarded UPDATE
// makes a lost race observable as zero affected rows rather than a double claim, and nothing
// is claimed while another task is still running.
func (s *Store) ClaimNextPending(ctx context.Context, now time.Time) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Warn("failed to rollback claim", zap.Error(err))
		}
	}()

	selectQuery := `
		SELECT id FROM tasks
		WHERE status = 'pending'
		  AND (retry_at IS NULL OR retry_at <= $1)
		  AND NOT EXISTS (SELECT 1 FROM tasks r WHERE r.status = 'running')
		ORDER BY
		  CASE WHEN retry_at IS NULL THEN 0 ELSE 1 END ASC,
		  retry_at ASC,
		  created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	var id string
	if err := tx.QueryRowContext(ctx, selectQuery, now).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select claimable task: %w", err)
	}

	updateQuery := `
		UPDATE tasks
		SET status = 'running',
		    retry_at = NULL,
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`

	res, err := tx.ExecContext(ctx, updateQuery, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	claimed, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	committed = true

	return claimed, nil
}

func (s *Store) GetRunningTask(ctx context.Context) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'running'
		ORDER BY started_at ASC NULLS LAST, created_at ASC
		LIMIT 1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get running task: %w", err)
	}

	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, taskID string, update repository.TaskUpdate) (*task.Task, error) {
	var sets []string
	var args []any
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.Attempts != nil {
		set("attempts", *update.Attempts)
	}
	if update.SetSessionID {
		set("session_id", nullString(update.SessionID))
	}
	if update.SetRetryAt {
		set("retry_at", nullTime(update.RetryAt))
	}
	if update.SetResult {
		set("result", nullString(update.Result))
	}
	if update.SetError {
		set("error", nullString(update.Error))
	}
	if update.SetStartedAt {
		set("started_at", nullTime(update.StartedAt))
	}
	if update.SetCompletedAt {
		set("completed_at", nullTime(update.CompletedAt))
	}
	set("updated_at", s.now())

	args = append(args, taskID)
	query := fmt.Sprintf(
		"UPDATE tasks SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "),
		len(args),
		taskColumns,
	)

	t, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	return t, nil
}

func (s *Store) RecoverRunningTasks(ctx context.Context, target task.TaskStatus, reason string) (int, error) {
	if target != task.PendingStatus {
		target = task.FailedStatus
	}

	query := `
		UPDATE tasks
		SET status = $1::text,
		    error = CASE
		      WHEN error IS NULL OR error = '' THEN $2
		      ELSE error || E'\n' || $2
		    END,
		    retry_at = NULL,
		    completed_at = CASE WHEN $1::text = 'failed' THEN $3 ELSE completed_at END,
		    updated_at = $3
		WHERE status = 'running'
	`

	res, err := s.db.ExecContext(ctx, query, string(target), repository.RecoveryError(nil, reason), s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to recover running tasks: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read recovery result: %w", err)
	}

	return int(affected), nil
}

func (s *Store) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*task.Task, error) {
	var conds []string
	var args []any
	where := func(column, value string) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if filter.Status != "" {
		where("status", string(task.NormalizeStatus(filter.Status)))
	}
	if filter.Type != "" {
		where("type", filter.Type)
	}
	if filter.Source != "" {
		where("source", filter.Source)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, models.EffectiveLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", zap.Error(err))
		}
	}()

	tasks := []*task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (s *Store) GetStats(ctx context.Context) (*models.TaskStats, error) {
	query := `SELECT status, type, COUNT(*) FROM tasks GROUP BY status, type`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query task stats: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", zap.Error(err))
		}
	}()

	stats := &models.TaskStats{ByType: make(map[string]int)}
	for rows.Next() {
		var status, taskType string
		var count int
		if err := rows.Scan(&status, &taskType, &count); err != nil {
			return nil, err
		}

		stats.Total += count
		stats.ByType[string(task.NormalizeType(taskType))] += count
		switch task.NormalizeStatus(status) {
		case task.PendingStatus:
			stats.Pending += count
		case task.RunningStatus:
			stats.Running += count
		case task.CompletedStatus:
			stats.Completed += count
		case task.FailedStatus:
			stats.Failed += count
		}
	}

	return stats, rows.Err()
}

func (s *Store) GetHourlyStats(ctx context.Context, hours int) ([]models.HourlyStat, error) {
	if hours <= 0 {
		hours = 24
	}

	query := `
		SELECT
			date_trunc('hour', completed_at) AS hour,
			status,
			COUNT(*) AS count,
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - COALESCE(started_at, created_at))) * 1000), 0) AS avg_duration_ms
		FROM tasks
		WHERE completed_at IS NOT NULL AND completed_at > $1
		GROUP BY hour, status
		ORDER BY hour, status
	`

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly stats: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", zap.Error(err))
		}
	}()

	stats := []models.HourlyStat{}
	for rows.Next() {
		var h models.HourlyStat
		if err := rows.Scan(&h.Hour, &h.Status, &h.Count, &h.AvgDurationMs); err != nil {
			return nil, err
		}

		h.Status = string(task.NormalizeStatus(h.Status))
		stats = append(stats, h)
	}

	return stats, rows.Err()
}
