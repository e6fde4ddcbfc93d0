package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned by repository lookups that find no matching row.
var ErrNotFound = errors.New("db: not found")

// ButlerRegistryRow is the butler_registry table's row shape.
type ButlerRegistryRow struct {
	ButlerName            string    `db:"butler_name"`
	EndpointURL           string    `db:"endpoint_url"`
	LastSeenAt            time.Time `db:"last_seen_at"`
	EligibilityState      string    `db:"eligibility_state"`
	EligibilityUpdatedAt  time.Time `db:"eligibility_updated_at"`
}

// ButlerRegistryRepo is the sqlx-backed store over butler_registry and its
// paired eligibility log, used by internal/registry.
type ButlerRegistryRepo struct {
	db *sqlx.DB
}

// NewButlerRegistryRepo constructs a ButlerRegistryRepo.
func NewButlerRegistryRepo(c *Client) *ButlerRegistryRepo {
	return &ButlerRegistryRepo{db: c.DB}
}

// Get loads a single row by butler name.
func (r *ButlerRegistryRepo) Get(ctx context.Context, name string) (*ButlerRegistryRow, error) {
	var row ButlerRegistryRow
	err := r.db.GetContext(ctx, &row, `
		SELECT butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at
		FROM butler_registry WHERE butler_name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get butler_registry row: %w", err)
	}
	return &row, nil
}

// Register inserts a new row with eligibility_state='active', used for
// self-healing registration of a configured-but-unknown butler.
func (r *ButlerRegistryRepo) Register(ctx context.Context, name, endpointURL string) (*ButlerRegistryRow, error) {
	var row ButlerRegistryRow
	err := r.db.GetContext(ctx, &row, `
		INSERT INTO butler_registry (butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at)
		VALUES ($1, $2, now(), 'active', now())
		ON CONFLICT (butler_name) DO UPDATE SET endpoint_url = EXCLUDED.endpoint_url
		RETURNING butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at`,
		name, endpointURL)
	if err != nil {
		return nil, fmt.Errorf("register butler_registry row: %w", err)
	}
	return &row, nil
}

// TouchLastSeen updates last_seen_at without touching eligibility_state,
// used for the active→active heartbeat fast path.
func (r *ButlerRegistryRepo) TouchLastSeen(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE butler_registry SET last_seen_at = now() WHERE butler_name = $1`, name)
	if err != nil {
		return fmt.Errorf("touch last_seen_at: %w", err)
	}
	return nil
}

// CompareAndSetEligibility performs the CAS update used by Heartbeat and the
// sweeper: it updates eligibility_state only if the row's current state
// still matches fromState, and reports whether the row actually changed.
func (r *ButlerRegistryRepo) CompareAndSetEligibility(ctx context.Context, name, fromState, toState string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE butler_registry
		SET eligibility_state = $3, eligibility_updated_at = now(), last_seen_at = CASE WHEN $3 = 'active' THEN now() ELSE last_seen_at END
		WHERE butler_name = $1 AND eligibility_state = $2`,
		name, fromState, toState)
	if err != nil {
		return false, fmt.Errorf("cas eligibility: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas eligibility rows affected: %w", err)
	}
	return n == 1, nil
}

// InsertEligibilityLog records one state transition.
func (r *ButlerRegistryRepo) InsertEligibilityLog(ctx context.Context, name, previousState, newState, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO butler_registry_eligibility_log (butler_name, previous_state, new_state, reason, occurred_at)
		VALUES ($1, $2, $3, $4, now())`, name, previousState, newState, reason)
	if err != nil {
		return fmt.Errorf("insert eligibility log: %w", err)
	}
	return nil
}

// ListStaleCandidates returns active rows whose last_seen_at predates the
// given cutoff — the sweeper's active→stale scan.
func (r *ButlerRegistryRepo) ListStaleCandidates(ctx context.Context, olderThan time.Time) ([]ButlerRegistryRow, error) {
	var rows []ButlerRegistryRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at
		FROM butler_registry WHERE eligibility_state = 'active' AND last_seen_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale candidates: %w", err)
	}
	return rows, nil
}

// ListQuarantineCandidates returns stale rows whose eligibility_updated_at
// predates the given cutoff — the sweeper's stale→quarantined scan.
func (r *ButlerRegistryRepo) ListQuarantineCandidates(ctx context.Context, olderThan time.Time) ([]ButlerRegistryRow, error) {
	var rows []ButlerRegistryRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at
		FROM butler_registry WHERE eligibility_state = 'stale' AND eligibility_updated_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list quarantine candidates: %w", err)
	}
	return rows, nil
}

// List returns every registered butler, for dashboard reads.
func (r *ButlerRegistryRepo) List(ctx context.Context) ([]ButlerRegistryRow, error) {
	var rows []ButlerRegistryRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT butler_name, endpoint_url, last_seen_at, eligibility_state, eligibility_updated_at
		FROM butler_registry ORDER BY butler_name`)
	if err != nil {
		return nil, fmt.Errorf("list butler_registry: %w", err)
	}
	return rows, nil
}
