// Package postgres provides PostgreSQL-backed implementations of repository interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Store implements repository.Store on a single *sql.DB.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT 'omo_request',
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		retry_at TIMESTAMPTZ,
		session_id TEXT,
		result TEXT,
		error TEXT,
		source TEXT NOT NULL DEFAULT 'cli',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
	`CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		request_id TEXT NOT NULL,
		session_id TEXT,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		answer TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		answered_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (type, request_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_status ON interactions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at)`,
	`CREATE TABLE IF NOT EXISTS metrics_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		task_id TEXT,
		interaction_id TEXT,
		task_type TEXT,
		status TEXT,
		duration_ms BIGINT,
		backlog INTEGER,
		error_class TEXT,
		payload TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_events_created ON metrics_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_events_event_type ON metrics_events(event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_events_task_id ON metrics_events(task_id)`,
	`UPDATE tasks SET status = 'completed' WHERE status = 'done'`,
	`UPDATE tasks SET type = 'omo_request' WHERE type IS NULL OR type = ''`,
}

func NewStore(connectionString string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// one worker process, a handful of API readers
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewStoreFromDB(db, logger), nil
}

func NewStoreFromDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{db: db, log: logger.Named("store"), now: time.Now}
}

// WithClock overrides the time source used for timestamps written by the store.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Migrate creates tables and indexes if missing and rewrites legacy rows.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}

	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}

	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}

	t := v.Time
	return &t
}
