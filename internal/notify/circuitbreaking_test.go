package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
)

func TestCircuitBreakingDispatcher_PassesThroughOnSuccess(t *testing.T) {
	next := &fakeDispatcher{}
	registry := breaker.NewRegistry(breaker.DefaultConfig())
	d := NewCircuitBreakingDispatcher(next, registry, "slack")

	err := d.Dispatch(context.Background(), Reply{Channel: "slack", Text: "hi"})
	require.NoError(t, err)
	assert.Len(t, next.received, 1)
}

func TestCircuitBreakingDispatcher_OpensAfterThreshold(t *testing.T) {
	next := &fakeDispatcher{err: errors.New("boom")}
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 2
	registry := breaker.NewRegistry(cfg)
	d := NewCircuitBreakingDispatcher(next, registry, "slack")

	for i := 0; i < 2; i++ {
		err := d.Dispatch(context.Background(), Reply{Channel: "slack"})
		assert.Error(t, err)
	}

	err := d.Dispatch(context.Background(), Reply{Channel: "slack"})
	var openErr *breaker.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "slack", openErr.Provider)
}

func TestCircuitBreakingDispatcher_ScopedPerChannel(t *testing.T) {
	failing := &fakeDispatcher{err: errors.New("boom")}
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 1
	registry := breaker.NewRegistry(cfg)

	slackDispatcher := NewCircuitBreakingDispatcher(failing, registry, "slack")
	_ = slackDispatcher.Dispatch(context.Background(), Reply{Channel: "slack"})

	telegramDispatcher := NewCircuitBreakingDispatcher(&fakeDispatcher{}, registry, "telegram")
	err := telegramDispatcher.Dispatch(context.Background(), Reply{Channel: "telegram"})
	assert.NoError(t, err)
}

func TestCircuitBreakingDispatcher_RecoversAfterTimeout(t *testing.T) {
	failing := &fakeDispatcher{err: errors.New("boom")}
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Millisecond
	cfg.HalfOpenSuccessThreshold = 1
	registry := breaker.NewRegistry(cfg)
	d := NewCircuitBreakingDispatcher(failing, registry, "slack")

	_ = d.Dispatch(context.Background(), Reply{Channel: "slack"})

	time.Sleep(5 * time.Millisecond)
	failing.err = nil
	err := d.Dispatch(context.Background(), Reply{Channel: "slack"})
	assert.NoError(t, err)
}
