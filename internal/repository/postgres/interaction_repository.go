package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nadmax/overseer/internal/interaction"
	"github.com/nadmax/overseer/internal/repository"
	"github.com/nadmax/overseer/internal/repository/models"
	"github.com/nadmax/overseer/internal/task"
	"go.uber.org/zap"
)

const interactionColumns = `id, type, request_id, session_id, payload, status,
	answer, created_at, answered_at, updated_at`

func scanInteraction(row rowScanner) (*interaction.Interaction, error) {
	var i interaction.Interaction
	var kind, status string
	var sessionID, answer sql.NullString
	var answeredAt sql.NullTime

	if err := row.Scan(
		&i.ID,
		&kind,
		&i.RequestID,
		&sessionID,
		&i.Payload,
		&status,
		&answer,
		&i.CreatedAt,
		&answeredAt,
		&i.UpdatedAt,
	); err != nil {
		return nil, err
	}

	i.Type = interaction.NormalizeType(kind)
	i.Status = interaction.NormalizeStatus(status)
	i.SessionID = stringPtr(sessionID)
	i.Answer = stringPtr(answer)
	i.AnsweredAt = timePtr(answeredAt)

	return &i, nil
}

func (s *Store) UpsertInteraction(ctx context.Context, kind interaction.Type, requestID string, sessionID *string, payload string) (*interaction.Interaction, bool, error) {
	now := s.now()
	query := `
		INSERT INTO interactions (
			id, type, request_id, session_id, payload,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
		ON CONFLICT (type, request_id) DO NOTHING
	`

	res, err := s.db.ExecContext(
		ctx,
		query,
		task.NewID(),
		string(kind),
		requestID,
		nullString(sessionID),
		payload,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert interaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read upsert result: %w", err)
	}

	selectQuery := `SELECT ` + interactionColumns + ` FROM interactions WHERE type = $1 AND request_id = $2`
	i, err := scanInteraction(s.db.QueryRowContext(ctx, selectQuery, string(kind), requestID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read upserted interaction: %w", err)
	}

	return i, affected > 0, nil
}

func (s *Store) GetInteraction(ctx context.Context, id string) (*interaction.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE id = $1`

	i, err := scanInteraction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrInteractionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}

	return i, nil
}

func (s *Store) NextPendingInteraction(ctx context.Context) (*interaction.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1`

	i, err := scanInteraction(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending interaction: %w", err)
	}

	return i, nil
}

func (s *Store) UpdateInteraction(ctx context.Context, id string, update repository.InteractionUpdate) (*interaction.Interaction, error) {
	var sets []string
	var args []any
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.SetAnswer {
		set("answer", nullString(update.Answer))
	}
	if update.SetAnsweredAt {
		set("answered_at", nullTime(update.AnsweredAt))
	}
	set("updated_at", s.now())

	args = append(args, id)
	query := fmt.Sprintf(
		"UPDATE interactions SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "),
		len(args),
		interactionColumns,
	)

	i, err := scanInteraction(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrInteractionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update interaction: %w", err)
	}

	return i, nil
}

func (s *Store) ListInteractions(ctx context.Context, filter models.InteractionFilter) ([]*interaction.Interaction, error) {
	var conds []string
	var args []any
	where := func(column, value string) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if filter.Status != "" {
		where("status", filter.Status)
	}
	if filter.Type != "" {
		where("type", filter.Type)
	}

	query := `SELECT ` + interactionColumns + ` FROM interactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, models.EffectiveLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", zap.Error(err))
		}
	}()

	out := []*interaction.Interaction{}
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, i)
	}

	return out, rows.Err()
}

func (s *Store) GetInteractionStats(ctx context.Context) (*models.InteractionStats, error) {
	query := `SELECT status, type, COUNT(*) FROM interactions GROUP BY status, type`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query interaction stats: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", zap.Error(err))
		}
	}()

	stats := &models.InteractionStats{ByType: make(map[string]int)}
	for rows.Next() {
		var status, kind string
		var count int
		if err := rows.Scan(&status, &kind, &count); err != nil {
			return nil, err
		}

		stats.Total += count
		stats.ByType[string(interaction.NormalizeType(kind))] += count
		switch interaction.NormalizeStatus(status) {
		case interaction.PendingStatus:
			stats.Pending += count
		case interaction.AnsweredStatus:
			stats.Answered += count
		case interaction.RejectedStatus:
			stats.Rejected += count
		}
	}

	return stats, rows.Err()
}
