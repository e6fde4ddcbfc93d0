package events

import (
	"context"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

// eventsRepo abstracts the fleet_events query method FleetEventsAdapter needs.
// Implemented by *db.FleetEventsRepo.
type eventsRepo interface {
	SinceID(ctx context.Context, channel string, sinceID int64, limit int) ([]db.FleetEventRow, error)
}

// FleetEventsAdapter wraps an eventsRepo to implement CatchupQuerier.
type FleetEventsAdapter struct {
	repo eventsRepo
}

// NewFleetEventsAdapter creates a CatchupQuerier over repo.
func NewFleetEventsAdapter(repo eventsRepo) *FleetEventsAdapter {
	return &FleetEventsAdapter{repo: repo}
}

// GetCatchupEvents queries fleet_events since sinceID up to limit.
func (a *FleetEventsAdapter) GetCatchupEvents(ctx context.Context, sinceID int64, limit int) ([]CatchupEvent, error) {
	rows, err := a.repo.SinceID(ctx, FleetChannel, sinceID, limit)
	if err != nil {
		return nil, err
	}
	result := make([]CatchupEvent, len(rows))
	for i, row := range rows {
		result[i] = CatchupEvent{ID: row.ID, Payload: row.Payload.Value}
	}
	return result, nil
}
