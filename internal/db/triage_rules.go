package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// TriageRuleRow is the triage_rules table's row shape.
type TriageRuleRow struct {
	ID        string               `db:"id"`
	RuleType  string               `db:"rule_type"`
	Condition JSON[map[string]any] `db:"condition"`
	Action    string               `db:"action"`
	Priority  int                  `db:"priority"`
	Enabled   bool                 `db:"enabled"`
	CreatedBy string               `db:"created_by"`
	CreatedAt time.Time            `db:"created_at"`
}

// TriageRuleRepo is the sqlx-backed store over triage_rules.
type TriageRuleRepo struct {
	db *sqlx.DB
}

// NewTriageRuleRepo constructs a TriageRuleRepo.
func NewTriageRuleRepo(c *Client) *TriageRuleRepo {
	return &TriageRuleRepo{db: c.DB}
}

// ListActive returns enabled, non-deleted rules ordered priority ASC,
// created_at ASC, id — the exact first-match-wins evaluation order.
func (r *TriageRuleRepo) ListActive(ctx context.Context) ([]TriageRuleRow, error) {
	var rows []TriageRuleRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, rule_type, condition, action, priority, enabled, created_by, created_at
		FROM triage_rules
		WHERE enabled = true AND deleted_at IS NULL
		ORDER BY priority ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active triage rules: %w", err)
	}
	return rows, nil
}

// Create inserts a new triage rule.
func (r *TriageRuleRepo) Create(ctx context.Context, row TriageRuleRow) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO triage_rules (rule_type, condition, action, priority, enabled, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id::text`,
		row.RuleType, row.Condition, row.Action, row.Priority, row.Enabled, row.CreatedBy)
	if err != nil {
		return "", fmt.Errorf("create triage rule: %w", err)
	}
	return id, nil
}

// SoftDelete marks a rule deleted; it is excluded from future ListActive calls.
func (r *TriageRuleRepo) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE triage_rules SET deleted_at = now() WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("soft delete triage rule: %w", err)
	}
	return nil
}
