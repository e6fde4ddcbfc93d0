package events

import "context"

// CircuitEventPublisher adapts a *Publisher to the primitive-arg shape
// obsv.BreakerCollector's FleetEventPublisher seam wants, so internal/obsv
// doesn't need to import internal/events to build the payload itself.
type CircuitEventPublisher struct {
	publisher *Publisher
}

// NewCircuitEventPublisher wraps publisher.
func NewCircuitEventPublisher(publisher *Publisher) *CircuitEventPublisher {
	return &CircuitEventPublisher{publisher: publisher}
}

// PublishCircuitState implements obsv.FleetEventPublisher.
func (a *CircuitEventPublisher) PublishCircuitState(ctx context.Context, provider, state string, consecutiveFailures int) error {
	return a.publisher.PublishCircuitState(ctx, CircuitStatePayload{
		Provider:            provider,
		State:               state,
		ConsecutiveFailures: consecutiveFailures,
	})
}
