package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Publisher persists a fleet telemetry event and broadcasts it via NOTIFY,
// both inside one transaction so pg_notify (transactional — held until
// COMMIT) never fires for an event the dashboard's catchup query can't yet see.
type Publisher struct {
	db *sqlx.DB
}

// NewPublisher constructs a Publisher over db's connection pool.
func NewPublisher(db *sqlx.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishRegistryEligibility persists and broadcasts a registry eligibility flip.
func (p *Publisher) PublishRegistryEligibility(ctx context.Context, payload RegistryEligibilityPayload) error {
	payload.Type = EventTypeRegistryEligibility
	return p.persistAndNotify(ctx, payload)
}

// PublishRouteInboxDepth persists and broadcasts a route_inbox depth sample.
func (p *Publisher) PublishRouteInboxDepth(ctx context.Context, payload RouteInboxDepthPayload) error {
	payload.Type = EventTypeRouteInboxDepth
	return p.persistAndNotify(ctx, payload)
}

// PublishCircuitState persists and broadcasts a circuit breaker state transition.
func (p *Publisher) PublishCircuitState(ctx context.Context, payload CircuitStatePayload) error {
	payload.Type = EventTypeCircuitState
	return p.persistAndNotify(ctx, payload)
}

func (p *Publisher) persistAndNotify(ctx context.Context, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal fleet event payload: %w", err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fleet event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	if err := tx.QueryRowxContext(ctx,
		`INSERT INTO fleet_events (channel, payload) VALUES ($1, $2) RETURNING id`,
		FleetChannel, payloadJSON,
	).Scan(&eventID); err != nil {
		return fmt.Errorf("persist fleet event: %w", err)
	}

	notifyPayload, err := injectDBEventID(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", FleetChannel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify fleet event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fleet event transaction: %w", err)
	}
	return nil
}

// injectDBEventID adds db_event_id to the marshaled payload so reconnecting
// clients can resume catchup from the id they last saw.
func injectDBEventID(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("unmarshal fleet event payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal enriched fleet event payload: %w", err)
	}
	return string(enriched), nil
}
