package notify

import (
	"context"

	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
)

// Breakers is the per-provider breaker seam a CircuitBreakingDispatcher
// depends on; *breaker.Registry satisfies it in production.
type Breakers interface {
	Get(provider string) *breaker.Breaker
}

// CircuitBreakingDispatcher wraps a Dispatcher with the per-channel circuit
// breaker of spec §4.1, guarding the outbound call to each channel's
// external API. Composes with RateLimitedDispatcher — admission control
// decides whether to attempt the send at all; the breaker decides whether
// the channel is healthy enough to try.
type CircuitBreakingDispatcher struct {
	next     Dispatcher
	breakers Breakers
	channel  string
}

// NewCircuitBreakingDispatcher wraps next with a breaker scoped to channel.
func NewCircuitBreakingDispatcher(next Dispatcher, breakers Breakers, channel string) *CircuitBreakingDispatcher {
	return &CircuitBreakingDispatcher{next: next, breakers: breakers, channel: channel}
}

// Dispatch runs next.Dispatch through the channel's breaker, short-circuiting
// with a CircuitOpenError when the breaker is open.
func (d *CircuitBreakingDispatcher) Dispatch(ctx context.Context, reply Reply) error {
	_, err := breaker.Execute(ctx, d.breakers.Get(d.channel), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.next.Dispatch(ctx, reply)
	})
	return err
}
