package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	return Config{
		GlobalInFlightMax:       5,
		GlobalCapacity:          2,
		GlobalRefillPerSec:      0, // no refill within the test window
		ChannelCapacity:         10,
		ChannelRefillPerSec:     0,
		RecipientCapacity:       10,
		RecipientRefillPerSec:   0,
		ReplyPriorityMultiplier: 2.0,
	}
}

func TestAdmit_AdmitsUnderCapacity(t *testing.T) {
	l := NewLimiter(smallConfig())
	d := l.Admit(AdmitRequest{Channel: "slack", IdentityScope: "team-1", Recipient: "u1", Intent: IntentOther})
	assert.True(t, d.Admitted)
	assert.Equal(t, 1, l.InFlight())
}

func TestAdmit_ReplyPriorityBoundaryScenario(t *testing.T) {
	// Spec boundary scenario 4: global capacity 2 tokens, reply multiplier
	// 2.0 (reply cost 0.5), no refill. The first send leaves 1.0 and the
	// reply leaves 0.5, so the second send (cost 1) is rejected with
	// retry_after_seconds > 0, while the final reply still fits in the
	// remaining 0.5.
	l := NewLimiter(smallConfig())
	req := func(intent Intent) AdmitRequest {
		return AdmitRequest{Channel: "telegram", IdentityScope: "scope-a", Recipient: "r1", Intent: intent}
	}

	d1 := l.Admit(req(IntentOther))
	require.True(t, d1.Admitted)
	d2 := l.Admit(req(IntentReply))
	require.True(t, d2.Admitted)
	d3 := l.Admit(req(IntentOther))
	require.False(t, d3.Admitted)
	assert.Equal(t, ErrorOverloadRejected, d3.ErrorClass)
	assert.Greater(t, d3.RetryAfter, time.Duration(0))

	d4 := l.Admit(req(IntentReply))
	assert.True(t, d4.Admitted)
}

func TestAdmit_GlobalInFlightLimit(t *testing.T) {
	cfg := smallConfig()
	cfg.GlobalCapacity = 1000
	cfg.GlobalInFlightMax = 1
	l := NewLimiter(cfg)

	d1 := l.Admit(AdmitRequest{Channel: "c", IdentityScope: "s", Recipient: "r1", Intent: IntentOther})
	require.True(t, d1.Admitted)

	d2 := l.Admit(AdmitRequest{Channel: "c", IdentityScope: "s", Recipient: "r2", Intent: IntentOther})
	require.False(t, d2.Admitted)
	assert.Equal(t, LimitGlobalInFlight, d2.LimitType)

	l.Release()
	d3 := l.Admit(AdmitRequest{Channel: "c", IdentityScope: "s", Recipient: "r3", Intent: IntentOther})
	assert.True(t, d3.Admitted)
}

func TestAdmit_RecipientRejectionRefundsEarlierLayers(t *testing.T) {
	cfg := smallConfig()
	cfg.GlobalCapacity = 2
	cfg.ChannelCapacity = 2
	cfg.RecipientCapacity = 1
	l := NewLimiter(cfg)

	d1 := l.Admit(AdmitRequest{Channel: "c", IdentityScope: "s", Recipient: "only", Intent: IntentOther})
	require.True(t, d1.Admitted)

	d2 := l.Admit(AdmitRequest{Channel: "c", IdentityScope: "s", Recipient: "only", Intent: IntentOther})
	require.False(t, d2.Admitted)
	assert.Equal(t, LimitRecipient, d2.LimitType)

	// Global and channel buckets must have been refunded: a different
	// recipient on the same channel should still be admitted.
	d3 := l.Admit(AdmitRequest{Channel: "c", IdentityScope: "s", Recipient: "other", Intent: IntentOther})
	assert.True(t, d3.Admitted)
}

func TestAdmit_ChannelRejectionRefundsGlobalLayer(t *testing.T) {
	cfg := smallConfig()
	cfg.GlobalCapacity = 2
	cfg.ChannelCapacity = 1
	l := NewLimiter(cfg)

	d1 := l.Admit(AdmitRequest{Channel: "c1", IdentityScope: "s", Recipient: "r1", Intent: IntentOther})
	require.True(t, d1.Admitted)

	d2 := l.Admit(AdmitRequest{Channel: "c1", IdentityScope: "s", Recipient: "r2", Intent: IntentOther})
	require.False(t, d2.Admitted)
	assert.Equal(t, LimitChannel, d2.LimitType)

	// Different channel must still be admitted - proves the global bucket's
	// borrow from the rejected attempt was refunded rather than leaked.
	d3 := l.Admit(AdmitRequest{Channel: "c2", IdentityScope: "s", Recipient: "r3", Intent: IntentOther})
	assert.True(t, d3.Admitted)
}

func TestAdmit_ProviderThrottleRejectsUntilCleared(t *testing.T) {
	l := NewLimiter(smallConfig())
	l.RecordProviderThrottle("telegram", 100*time.Millisecond, "rate limited by upstream")

	d1 := l.Admit(AdmitRequest{Channel: "telegram", IdentityScope: "s", Recipient: "r1", Intent: IntentOther})
	require.False(t, d1.Admitted)
	assert.Equal(t, LimitProvider, d1.LimitType)
	assert.Equal(t, ErrorTargetUnavailable, d1.ErrorClass)

	l.ClearProviderThrottle("telegram")
	d2 := l.Admit(AdmitRequest{Channel: "telegram", IdentityScope: "s", Recipient: "r1", Intent: IntentOther})
	assert.True(t, d2.Admitted)
}

func TestManualBucket_RefillOverTime(t *testing.T) {
	b := newManualBucket(2, 10) // 10 tokens/sec refill
	now := time.Now()
	require.True(t, b.tryConsume(now, 2))
	require.False(t, b.tryConsume(now, 1))

	later := now.Add(200 * time.Millisecond) // +2 tokens
	assert.True(t, b.tryConsume(later, 1))
}

func TestManualBucket_RefundCapsAtCapacity(t *testing.T) {
	b := newManualBucket(2, 0)
	b.refund(10)
	assert.Equal(t, 2.0, b.tokens)
}
