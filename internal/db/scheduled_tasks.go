package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ScheduledTaskRow is the scheduled_tasks table's row shape.
type ScheduledTaskRow struct {
	ID              string         `db:"id"`
	Butler          string         `db:"butler"`
	Name            string         `db:"name"`
	Cron            string         `db:"cron"`
	Prompt          string         `db:"prompt"`
	UntilAt         sql.NullTime   `db:"until_at"`
	CalendarEventID sql.NullString `db:"calendar_event_id"`
	LastRunAt       sql.NullTime   `db:"last_run_at"`
	NextRunAt       sql.NullTime   `db:"next_run_at"`
	Enabled         bool           `db:"enabled"`
}

// ScheduledTaskRepo is the sqlx-backed store over scheduled_tasks.
type ScheduledTaskRepo struct {
	db *sqlx.DB
}

// NewScheduledTaskRepo constructs a ScheduledTaskRepo.
func NewScheduledTaskRepo(c *Client) *ScheduledTaskRepo {
	return &ScheduledTaskRepo{db: c.DB}
}

// Upsert creates or updates a scheduled task keyed by (butler, name).
func (r *ScheduledTaskRepo) Upsert(ctx context.Context, row ScheduledTaskRow) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO scheduled_tasks (butler, name, cron, prompt, until_at, calendar_event_id, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (butler, name) DO UPDATE SET
			cron = EXCLUDED.cron, prompt = EXCLUDED.prompt, until_at = EXCLUDED.until_at,
			calendar_event_id = EXCLUDED.calendar_event_id, enabled = EXCLUDED.enabled
		RETURNING id::text`,
		row.Butler, row.Name, row.Cron, row.Prompt, row.UntilAt, row.CalendarEventID, row.Enabled)
	if err != nil {
		return "", fmt.Errorf("upsert scheduled task: %w", err)
	}
	return id, nil
}

// ListEnabled returns every enabled scheduled task, across all butlers.
func (r *ScheduledTaskRepo) ListEnabled(ctx context.Context) ([]ScheduledTaskRow, error) {
	var rows []ScheduledTaskRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, butler, name, cron, prompt, until_at, calendar_event_id, last_run_at, next_run_at, enabled
		FROM scheduled_tasks WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("list enabled scheduled tasks: %w", err)
	}
	return rows, nil
}

// RecordRun stamps last_run_at/next_run_at after a task fires.
func (r *ScheduledTaskRepo) RecordRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run_at = $2, next_run_at = $3 WHERE id = $1::uuid`,
		id, lastRun, nextRun)
	if err != nil {
		return fmt.Errorf("record scheduled task run: %w", err)
	}
	return nil
}

// Disable marks a task disabled, e.g. once until_at has passed.
func (r *ScheduledTaskRepo) Disable(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled = false WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("disable scheduled task: %w", err)
	}
	return nil
}

// Get reads a single scheduled task by id.
func (r *ScheduledTaskRepo) Get(ctx context.Context, id string) (*ScheduledTaskRow, error) {
	var row ScheduledTaskRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id::text, butler, name, cron, prompt, until_at, calendar_event_id, last_run_at, next_run_at, enabled
		FROM scheduled_tasks WHERE id = $1::uuid`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return &row, nil
}
