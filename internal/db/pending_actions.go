package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PendingActionRow is the pending_actions table's row shape.
type PendingActionRow struct {
	ID              string               `db:"id"`
	Butler          string               `db:"butler"`
	ToolName        string               `db:"tool_name"`
	ToolArgs        JSON[map[string]any] `db:"tool_args"`
	Summary         string               `db:"summary"`
	Status          string               `db:"status"`
	RequestID       sql.NullString       `db:"request_id"`
	RequestedAt     time.Time            `db:"requested_at"`
	ExpiresAt       sql.NullTime         `db:"expires_at"`
	DecidedAt       sql.NullTime         `db:"decided_at"`
	DecidedBy       sql.NullString       `db:"decided_by"`
	DecisionReason  sql.NullString       `db:"decision_reason"`
	SourceContext   JSON[map[string]any] `db:"source_context"`
	ExecutionResult JSON[map[string]any] `db:"execution_result"`
}

// PendingActionRepo is the sqlx-backed store over pending_actions.
type PendingActionRepo struct {
	db *sqlx.DB
}

// NewPendingActionRepo constructs a PendingActionRepo.
func NewPendingActionRepo(c *Client) *PendingActionRepo {
	return &PendingActionRepo{db: c.DB}
}

// ErrAlreadyExists signals that Insert found an existing row for the same
// request_id and returned it instead of inserting a duplicate.
var ErrAlreadyExists = errors.New("db: pending action already exists for request_id")

// Insert creates a pending action, or — if requestID is set and a row
// already exists for it — returns the existing row and ErrAlreadyExists,
// implementing approvals' idempotent-enqueue contract.
func (r *PendingActionRepo) Insert(ctx context.Context, row PendingActionRow) (*PendingActionRow, error) {
	if row.RequestID.Valid {
		existing, err := r.GetByRequestID(ctx, row.RequestID.String)
		if err == nil {
			return existing, ErrAlreadyExists
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO pending_actions (butler, tool_name, tool_args, summary, status, request_id, expires_at, source_context)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		RETURNING id::text`,
		row.Butler, row.ToolName, row.ToolArgs, row.Summary, row.Status, row.RequestID.String, row.ExpiresAt, row.SourceContext)
	if err != nil {
		return nil, fmt.Errorf("insert pending action: %w", err)
	}
	row.ID = id
	return &row, nil
}

// GetByRequestID looks up a pending action by its idempotency key.
func (r *PendingActionRepo) GetByRequestID(ctx context.Context, requestID string) (*PendingActionRow, error) {
	var row PendingActionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id::text, butler, tool_name, tool_args, summary, status, request_id, requested_at,
		       expires_at, decided_at, decided_by, decision_reason, source_context, execution_result
		FROM pending_actions WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending action by request_id: %w", err)
	}
	return &row, nil
}

// Get reads a single pending action by id.
func (r *PendingActionRepo) Get(ctx context.Context, id string) (*PendingActionRow, error) {
	var row PendingActionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id::text, butler, tool_name, tool_args, summary, status, request_id, requested_at,
		       expires_at, decided_at, decided_by, decision_reason, source_context, execution_result
		FROM pending_actions WHERE id = $1::uuid`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	return &row, nil
}

// Decide transitions a pending action to approved/rejected.
func (r *PendingActionRepo) Decide(ctx context.Context, id, status, decidedBy, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_actions SET status = $2, decided_at = now(), decided_by = $3, decision_reason = $4
		WHERE id = $1::uuid`, id, status, decidedBy, reason)
	if err != nil {
		return fmt.Errorf("decide pending action: %w", err)
	}
	return nil
}

// RecordExecutionResult stores the outcome of executing an approved action.
func (r *PendingActionRepo) RecordExecutionResult(ctx context.Context, id string, result map[string]any) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_actions SET execution_result = $2 WHERE id = $1::uuid`, id, NewJSON(result))
	if err != nil {
		return fmt.Errorf("record execution result: %w", err)
	}
	return nil
}

// ListExpired returns pending rows whose expiry has passed, for the expiry sweeper.
func (r *PendingActionRepo) ListExpired(ctx context.Context, asOf time.Time) ([]PendingActionRow, error) {
	var rows []PendingActionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, butler, tool_name, tool_args, summary, status, request_id, requested_at,
		       expires_at, decided_at, decided_by, decision_reason, source_context, execution_result
		FROM pending_actions
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < $1`, asOf)
	if err != nil {
		return nil, fmt.Errorf("list expired pending actions: %w", err)
	}
	return rows, nil
}

// ListPending returns pending rows awaiting a decision, newest first, for
// the dashboard's approval queue view.
func (r *PendingActionRepo) ListPending(ctx context.Context, limit int) ([]PendingActionRow, error) {
	var rows []PendingActionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, butler, tool_name, tool_args, summary, status, request_id, requested_at,
		       expires_at, decided_at, decided_by, decision_reason, source_context, execution_result
		FROM pending_actions
		WHERE status = 'pending'
		ORDER BY requested_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	return rows, nil
}

// DeleteOlderThan removes terminal-state rows whose decided_at is older than
// cutoff; pending rows are never touched regardless of age, per the
// retention sweep's 90-day window (spec §4.10).
func (r *PendingActionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_actions WHERE status != 'pending' AND decided_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old pending actions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
