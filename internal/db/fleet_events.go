package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// FleetEventRow is the fleet_events table's row shape — one persisted copy
// of a dashboard NOTIFY broadcast, kept for catchup replay.
type FleetEventRow struct {
	ID         int64                `db:"id"`
	Channel    string               `db:"channel"`
	Payload    JSON[map[string]any] `db:"payload"`
	OccurredAt time.Time            `db:"occurred_at"`
}

// FleetEventsRepo is the sqlx-backed store over fleet_events.
type FleetEventsRepo struct {
	db *sqlx.DB
}

// NewFleetEventsRepo constructs a FleetEventsRepo.
func NewFleetEventsRepo(c *Client) *FleetEventsRepo {
	return &FleetEventsRepo{db: c.DB}
}

// Insert persists payload on channel and returns the row's id for injection
// into the NOTIFY envelope as db_event_id.
func (r *FleetEventsRepo) Insert(ctx context.Context, channel string, payload map[string]any) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO fleet_events (channel, payload) VALUES ($1, $2) RETURNING id`,
		channel, NewJSON(payload))
	if err != nil {
		return 0, fmt.Errorf("insert fleet_events row: %w", err)
	}
	return id, nil
}

// SinceID returns events on channel with id > sinceID, oldest first, capped
// at limit rows. A caller that needs to detect overflow passes one more than
// the number it will deliver and checks whether that many came back.
func (r *FleetEventsRepo) SinceID(ctx context.Context, channel string, sinceID int64, limit int) ([]FleetEventRow, error) {
	var rows []FleetEventRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, channel, payload, occurred_at FROM fleet_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("fleet_events since id: %w", err)
	}
	return rows, nil
}

// DeleteOlderThan removes rows older than cutoff. internal/retention does not
// sweep fleet_events, and nothing in the daemon calls this method.
func (r *FleetEventsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM fleet_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old fleet_events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
