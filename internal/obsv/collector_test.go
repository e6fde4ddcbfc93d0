package obsv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
)

type fakeFleetEventPublisher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFleetEventPublisher) PublishCircuitState(_ context.Context, provider, state string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, provider+":"+state)
	return nil
}

func (f *fakeFleetEventPublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestBreakerCollector_PublishesGaugesOnStartAndOnEachTick(t *testing.T) {
	registry := breaker.NewRegistry(breaker.DefaultConfig())
	b := registry.Get("dashboard")
	_, _ = b, registry

	collector := NewBreakerCollector(registry, 5*time.Millisecond, nil)
	collector.Start(context.Background())
	defer collector.Stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(circuitState.WithLabelValues("dashboard", "closed")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBreakerCollector_StopWaitsForLoopExit(t *testing.T) {
	registry := breaker.NewRegistry(breaker.DefaultConfig())
	collector := NewBreakerCollector(registry, time.Millisecond, nil)
	collector.Start(context.Background())
	collector.Stop()
	// Calling Stop twice must not hang or panic.
	collector.Stop()
}

func TestBreakerCollector_PublishesOnlyOnStateChange(t *testing.T) {
	registry := breaker.NewRegistry(breaker.DefaultConfig())
	registry.Get("dashboard")
	publisher := &fakeFleetEventPublisher{}

	collector := NewBreakerCollector(registry, 2*time.Millisecond, publisher)
	collector.Start(context.Background())
	defer collector.Stop()

	require.Eventually(t, func() bool {
		return publisher.callCount() >= 1
	}, time.Second, 2*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, publisher.callCount(), "state never changed, so only the first poll should publish")
}
