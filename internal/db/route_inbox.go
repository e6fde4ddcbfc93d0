package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// RouteInboxRow is the route_inbox table's row shape.
type RouteInboxRow struct {
	ID              string                     `db:"id"`
	TargetButler    string                     `db:"target_butler"`
	SourceButler    string                     `db:"source_butler"`
	ToolName        string                     `db:"tool_name"`
	Args            JSON[map[string]any]       `db:"args"`
	RequestContext  JSON[RequestContext]       `db:"request_context"`
	DedupeKey       sql.NullString             `db:"dedupe_key"`
	AcceptedAt      time.Time                  `db:"accepted_at"`
	StartedAt       sql.NullTime               `db:"started_at"`
	CompletedAt     sql.NullTime               `db:"completed_at"`
	Result          JSON[map[string]any]       `db:"result"`
	Error           sql.NullString             `db:"error"`
	Status          string                     `db:"status"`
	Attempts        int                        `db:"attempts"`
}

// RouteInboxRepo is the sqlx-backed store over route_inbox.
type RouteInboxRepo struct {
	db *sqlx.DB
}

// NewRouteInboxRepo constructs a RouteInboxRepo.
func NewRouteInboxRepo(c *Client) *RouteInboxRepo {
	return &RouteInboxRepo{db: c.DB}
}

// Accept inserts a new accepted row. A partial unique index enforces at most
// one non-terminal row per (target_butler, dedupe_key) at the database level;
// callers should treat a unique_violation as "already accepted" per spec §4.5.
func (r *RouteInboxRepo) Accept(ctx context.Context, row RouteInboxRow) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO route_inbox (target_butler, source_butler, tool_name, args, request_context, dedupe_key, accepted_at, status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now(), 'accepted')
		RETURNING id::text`,
		row.TargetButler, row.SourceButler, row.ToolName, row.Args, row.RequestContext, row.DedupeKey.String)
	if err != nil {
		return "", fmt.Errorf("accept route_inbox row: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest accepted row for targetButler using
// SELECT ... FOR UPDATE SKIP LOCKED, transitioning it to processing.
func (r *RouteInboxRepo) ClaimNext(ctx context.Context, targetButler string) (*RouteInboxRow, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row RouteInboxRow
	err = tx.GetContext(ctx, &row, `
		SELECT id::text, target_butler, source_butler, tool_name, args, request_context,
		       dedupe_key, accepted_at, started_at, completed_at, result, error, status, attempts
		FROM route_inbox
		WHERE target_butler = $1 AND status = 'accepted'
		ORDER BY accepted_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, targetButler)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRowsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE route_inbox SET status = 'processing', started_at = now() WHERE id = $1::uuid`, row.ID); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	row.Status = "processing"
	row.StartedAt = sql.NullTime{Time: time.Now(), Valid: true}
	return &row, nil
}

// Complete transitions a row to completed with a result summary.
func (r *RouteInboxRepo) Complete(ctx context.Context, id string, result map[string]any) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE route_inbox SET status = 'completed', completed_at = now(), result = $2 WHERE id = $1::uuid`,
		id, NewJSON(result))
	if err != nil {
		return fmt.Errorf("complete route_inbox row: %w", err)
	}
	return nil
}

// Fail transitions a row to failed (or dead_lettered once attempts reaches
// maxRetries) and records the error.
func (r *RouteInboxRepo) Fail(ctx context.Context, id, errMsg string, attempts, maxRetries int) error {
	status := "failed"
	if attempts >= maxRetries {
		status = "dead_lettered"
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE route_inbox SET status = $2, completed_at = now(), error = $3, attempts = $4 WHERE id = $1::uuid`,
		id, status, errMsg, attempts)
	if err != nil {
		return fmt.Errorf("fail route_inbox row: %w", err)
	}
	return nil
}

// RequeueStale sets accepted_at = now() on accepted rows whose accepted_at is
// older than olderThan, leaving their status accepted; used by the startup
// recovery sweep.
func (r *RouteInboxRepo) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE route_inbox SET accepted_at = now()
		WHERE status = 'accepted' AND accepted_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// FailOrphanedProcessing moves processing rows older than olderThan to
// failed with error='orphaned'; used by the startup recovery sweep.
func (r *RouteInboxRepo) FailOrphanedProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE route_inbox SET status = 'failed', completed_at = now(), error = 'orphaned'
		WHERE status = 'processing' AND started_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned processing: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// CountAcceptedByButler returns the number of accepted (not yet claimed) rows
// per target butler, used by the dashboard health/events feed to report
// route_inbox queue depth.
func (r *RouteInboxRepo) CountAcceptedByButler(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		TargetButler string `db:"target_butler"`
		Count        int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT target_butler, count(*) AS count FROM route_inbox
		WHERE status = 'accepted' GROUP BY target_butler`)
	if err != nil {
		return nil, fmt.Errorf("count accepted by butler: %w", err)
	}
	depths := make(map[string]int, len(rows))
	for _, row := range rows {
		depths[row.TargetButler] = row.Count
	}
	return depths, nil
}

// ErrNoRowsAvailable is returned by ClaimNext when no accepted row exists for
// the given butler.
var ErrNoRowsAvailable = errors.New("db: no route_inbox rows available")
