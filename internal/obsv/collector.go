package obsv

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
)

// FleetEventPublisher is the dashboard-notification seam BreakerCollector
// publishes state transitions to; *events.Publisher satisfies it in
// production. A nil FleetEventPublisher means no dashboard wiring — the
// gauges are still recorded either way.
type FleetEventPublisher interface {
	PublishCircuitState(ctx context.Context, provider, state string, consecutiveFailures int) error
}

// BreakerCollector periodically snapshots a breaker.Registry into the
// circuit_breaker_state/consecutive_failures gauges, and — when a
// FleetEventPublisher is wired — publishes a dashboard event for each
// provider whose state changed since the previous poll. Circuit breakers
// have no natural "publish on change" hook (gobreaker doesn't expose one),
// so both the gauges and the dashboard feed are kept fresh by polling, the
// same loop shape internal/retention.Service uses for its sweeps.
type BreakerCollector struct {
	registry  *breaker.Registry
	interval  time.Duration
	publisher FleetEventPublisher

	lastState map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBreakerCollector constructs a BreakerCollector polling registry every
// interval. publisher may be nil.
func NewBreakerCollector(registry *breaker.Registry, interval time.Duration, publisher FleetEventPublisher) *BreakerCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &BreakerCollector{registry: registry, interval: interval, publisher: publisher, lastState: make(map[string]string)}
}

// Start launches the poll loop.
func (c *BreakerCollector) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (c *BreakerCollector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *BreakerCollector) loop(ctx context.Context) {
	defer close(c.done)
	c.poll(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *BreakerCollector) poll(ctx context.Context) {
	statuses := c.registry.Statuses()
	RecordCircuitBreakerStatuses(statuses)

	if c.publisher == nil {
		return
	}
	for _, status := range statuses {
		if c.lastState[status.Provider] == status.State {
			continue
		}
		c.lastState[status.Provider] = status.State
		if err := c.publisher.PublishCircuitState(ctx, status.Provider, status.State, status.ConsecutiveFailures); err != nil {
			slog.Error("publish circuit state event failed", "provider", status.Provider, "error", err)
		}
	}
}
