package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SessionRow is the sessions table's row shape.
type SessionRow struct {
	ID              string                   `db:"id"`
	Butler          string                   `db:"butler"`
	Prompt          string                   `db:"prompt"`
	TriggerSource   string                   `db:"trigger_source"`
	Model           sql.NullString           `db:"model"`
	InputTokens     int                      `db:"input_tokens"`
	OutputTokens    int                      `db:"output_tokens"`
	StartedAt       time.Time                `db:"started_at"`
	CompletedAt     sql.NullTime             `db:"completed_at"`
	Success         sql.NullBool             `db:"success"`
	Error           sql.NullString           `db:"error"`
	ParentSessionID sql.NullString           `db:"parent_session_id"`
	TraceID         sql.NullString           `db:"trace_id"`
	ToolCalls       JSON[[]ToolCall]         `db:"tool_calls"`
	Cost            JSON[SessionCost]        `db:"cost"`
}

// SessionRepo is the sqlx-backed store over the sessions table.
type SessionRepo struct {
	db *sqlx.DB
}

// NewSessionRepo constructs a SessionRepo.
func NewSessionRepo(c *Client) *SessionRepo {
	return &SessionRepo{db: c.DB}
}

// InsertStarted records a session at trigger time, before the runtime
// invocation completes, so a cancelled or crashed daemon still leaves an
// auditable row.
func (r *SessionRepo) InsertStarted(ctx context.Context, row SessionRow) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO sessions (id, butler, prompt, trigger_source, started_at, parent_session_id, trace_id, tool_calls, cost)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text)::uuid, $2, $3, $4, $5, NULLIF($6, '')::uuid, $7, $8, $9)
		RETURNING id::text`,
		row.ID, row.Butler, row.Prompt, row.TriggerSource, row.StartedAt,
		row.ParentSessionID.String, row.TraceID.String, row.ToolCalls, row.Cost)
	if err != nil {
		return "", fmt.Errorf("insert started session: %w", err)
	}
	return id, nil
}

// Complete records the terminal state of a session: tool calls, usage,
// success/error, and completion time.
func (r *SessionRepo) Complete(ctx context.Context, id string, model string, inputTokens, outputTokens int, success bool, errMsg string, toolCalls []ToolCall, cost SessionCost) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET model = $2, input_tokens = $3, output_tokens = $4, completed_at = now(),
		    success = $5, error = NULLIF($6, ''), tool_calls = $7, cost = $8
		WHERE id = $1::uuid`,
		id, model, inputTokens, outputTokens, success, errMsg, NewJSON(toolCalls), NewJSON(cost))
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return nil
}

// Get loads a single session row by id.
func (r *SessionRepo) Get(ctx context.Context, id string) (*SessionRow, error) {
	var row SessionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id::text, butler, prompt, trigger_source, model, input_tokens, output_tokens,
		       started_at, completed_at, success, error, parent_session_id::text, trace_id,
		       tool_calls, cost
		FROM sessions WHERE id = $1::uuid`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &row, nil
}

// ListRecentByButler returns up to limit sessions for one butler, newest
// first, for dashboard/recent-activity views. The pipeline's history
// hydration does not use sessions; it reads message_inbox directly (see
// MessageInboxRepo).
func (r *SessionRepo) ListRecentByButler(ctx context.Context, butler string, limit int) ([]SessionRow, error) {
	var rows []SessionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, butler, prompt, trigger_source, model, input_tokens, output_tokens,
		       started_at, completed_at, success, error, parent_session_id::text, trace_id,
		       tool_calls, cost
		FROM sessions WHERE butler = $1 ORDER BY started_at DESC LIMIT $2`, butler, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	return rows, nil
}
