package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ApprovalRuleRow is the approval_rules table's row shape.
type ApprovalRuleRow struct {
	ID             string               `db:"id"`
	MatchPredicate JSON[map[string]any] `db:"match_predicate"`
	Decision       string               `db:"decision"`
	Active         bool                 `db:"active"`
	CreatedAt      time.Time            `db:"created_at"`
}

// ApprovalRuleRepo is the sqlx-backed store over approval_rules.
type ApprovalRuleRepo struct {
	db *sqlx.DB
}

// NewApprovalRuleRepo constructs an ApprovalRuleRepo.
func NewApprovalRuleRepo(c *Client) *ApprovalRuleRepo {
	return &ApprovalRuleRepo{db: c.DB}
}

// ListActive returns active approval rules.
func (r *ApprovalRuleRepo) ListActive(ctx context.Context) ([]ApprovalRuleRow, error) {
	var rows []ApprovalRuleRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, match_predicate, decision, active, created_at
		FROM approval_rules WHERE active = true ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active approval rules: %w", err)
	}
	return rows, nil
}

// Create inserts a new approval rule.
func (r *ApprovalRuleRepo) Create(ctx context.Context, row ApprovalRuleRow) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO approval_rules (match_predicate, decision, active)
		VALUES ($1, $2, $3) RETURNING id::text`,
		row.MatchPredicate, row.Decision, row.Active)
	if err != nil {
		return "", fmt.Errorf("create approval rule: %w", err)
	}
	return id, nil
}

// Deactivate marks a rule inactive rather than deleting it.
func (r *ApprovalRuleRepo) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE approval_rules SET active = false WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("deactivate approval rule: %w", err)
	}
	return nil
}

// DeleteInactiveOlderThan removes inactive rules older than cutoff, per the
// retention sweep's 180-day inactive-only window (spec §4.10).
func (r *ApprovalRuleRepo) DeleteInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM approval_rules WHERE active = false AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old inactive approval rules: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ApprovalEventRow is the approval_events table's row shape.
type ApprovalEventRow struct {
	ID              int64                `db:"id"`
	PendingActionID string               `db:"pending_action_id"`
	EventType       string               `db:"event_type"`
	Detail          JSON[map[string]any] `db:"detail"`
	OccurredAt      time.Time            `db:"occurred_at"`
}

// ApprovalEventRepo is the sqlx-backed store over approval_events.
type ApprovalEventRepo struct {
	db *sqlx.DB
}

// NewApprovalEventRepo constructs an ApprovalEventRepo.
func NewApprovalEventRepo(c *Client) *ApprovalEventRepo {
	return &ApprovalEventRepo{db: c.DB}
}

// Insert records an approval lifecycle event.
func (r *ApprovalEventRepo) Insert(ctx context.Context, pendingActionID, eventType string, detail map[string]any) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO approval_events (pending_action_id, event_type, detail)
		VALUES ($1::uuid, $2, $3)`, pendingActionID, eventType, NewJSON(detail))
	if err != nil {
		return fmt.Errorf("insert approval event: %w", err)
	}
	return nil
}

// DeletePrivilegedOlderThan removes privileged-event rows older than cutoff,
// per the retention sweep's 365-day privileged-only window (spec §4.10).
func (r *ApprovalEventRepo) DeletePrivilegedOlderThan(ctx context.Context, cutoff time.Time, privilegedEventTypes []string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM approval_events WHERE event_type = ANY($1) AND occurred_at < $2`,
		privilegedEventTypes, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old privileged approval events: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
