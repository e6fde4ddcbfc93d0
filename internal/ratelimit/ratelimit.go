// Package ratelimit implements the five-layer token-bucket admission
// control described in spec §4.2: provider throttle, global in-flight,
// global per-minute, channel+identity per-minute, and per-recipient
// anti-flood, evaluated in order with borrowed tokens refunded on a later
// layer's rejection.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// manualBucket is a lazy-refill token bucket implementing spec §4.2's
// formula directly: on each consume, refill by elapsed_seconds*refill_rate
// capped at capacity, and time_until_available(count) = max(0,
// (count-tokens)/refill_rate).
//
// golang.org/x/time/rate (the ecosystem token-bucket library used elsewhere
// in the pack, e.g. r3e-network-service_layer's infrastructure/ratelimit)
// only exposes an approximate Reserve/Cancel pair for "giving back" a token,
// with no exact refund primitive and integer-only costs. Layer rejection
// here requires refunding an exact fractional cost borrowed from earlier
// layers under a single mutex (spec §5), so this package keeps its own float
// state guarded by Limiter.mu instead of composing several approximate
// rate.Limiter instances. golang.org/x/time/rate remains wired in
// internal/httpapi, which fronts the ingest endpoint with a plain
// requests-per-second limiter ahead of this layered admission control.
type manualBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

func newManualBucket(capacity, refillRate float64) *manualBucket {
	return &manualBucket{capacity: capacity, tokens: capacity, refillRate: refillRate, lastRefill: time.Now()}
}

func (m *manualBucket) refill(now time.Time) {
	elapsed := now.Sub(m.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	m.tokens += elapsed * m.refillRate
	if m.tokens > m.capacity {
		m.tokens = m.capacity
	}
	m.lastRefill = now
}

// tryConsume refills then attempts to remove cost tokens. Must be called
// with the owning Limiter's mutex held.
func (m *manualBucket) tryConsume(now time.Time, cost float64) bool {
	m.refill(now)
	if m.tokens < cost {
		return false
	}
	m.tokens -= cost
	return true
}

// refund returns cost tokens, capped at capacity. Must be called with the
// owning Limiter's mutex held.
func (m *manualBucket) refund(cost float64) {
	m.tokens += cost
	if m.tokens > m.capacity {
		m.tokens = m.capacity
	}
}

// timeUntilAvailable returns max(0, (count-tokens)/refill_rate) per spec §4.2.
// Must be called with the owning Limiter's mutex held.
func (m *manualBucket) timeUntilAvailable(now time.Time, count float64) time.Duration {
	m.refill(now)
	deficit := count - m.tokens
	if deficit <= 0 {
		return 0
	}
	if m.refillRate <= 0 {
		return time.Hour
	}
	return time.Duration(deficit / m.refillRate * float64(time.Second))
}

// Intent is the admission request's semantic intent; it determines token cost.
type Intent string

const (
	IntentReply Intent = "reply"
	IntentOther Intent = "send"
)

// LimitType names which layer produced a rejection, per spec §4.2.
type LimitType string

const (
	LimitProvider       LimitType = "provider"
	LimitGlobalInFlight LimitType = "global_in_flight"
	LimitGlobal         LimitType = "global"
	LimitChannel        LimitType = "channel"
	LimitRecipient      LimitType = "recipient"
)

// ErrorClass mirrors the two classes admission rejection can produce.
type ErrorClass string

const (
	ErrorOverloadRejected  ErrorClass = "overload_rejected"
	ErrorTargetUnavailable ErrorClass = "target_unavailable"
)

// AdmitRequest describes one admission attempt.
type AdmitRequest struct {
	Channel       string
	IdentityScope string
	Recipient     string
	Intent        Intent
}

// Decision is the admission result, matching spec §4.2's structured output.
type Decision struct {
	Admitted         bool
	ErrorClass       ErrorClass
	ErrorMessage     string
	RetryAfter       time.Duration
	LimitType        LimitType
}

// Config configures a Limiter's capacities and the reply priority multiplier.
type Config struct {
	GlobalInFlightMax       int     `yaml:"global_in_flight_max"`
	GlobalCapacity          float64 `yaml:"global_capacity"`
	GlobalRefillPerSec      float64 `yaml:"global_refill_per_sec"`
	ChannelCapacity         float64 `yaml:"channel_capacity"`
	ChannelRefillPerSec     float64 `yaml:"channel_refill_per_sec"`
	RecipientCapacity       float64 `yaml:"recipient_capacity"`
	RecipientRefillPerSec   float64 `yaml:"recipient_refill_per_sec"`
	ReplyPriorityMultiplier float64 `yaml:"reply_priority_multiplier"`
}

// DefaultConfig matches the reply-priority-multiplier default named in §4.2.
func DefaultConfig() Config {
	return Config{
		GlobalInFlightMax:       50,
		GlobalCapacity:          120,
		GlobalRefillPerSec:      2,
		ChannelCapacity:         30,
		ChannelRefillPerSec:     0.5,
		RecipientCapacity:       5,
		RecipientRefillPerSec:   0.1,
		ReplyPriorityMultiplier: 2.0,
	}
}

// Limiter composes the five admission layers behind one mutex, per spec §5's
// serialization requirement ("tokens are consumed atomically across all
// layers").
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	globalInFlight    int
	global            *manualBucket
	channelBuckets    map[string]*manualBucket
	recipientBuckets  map[string]*manualBucket
	providerThrottles map[string]time.Time
}

// NewLimiter constructs a Limiter from cfg.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:               cfg,
		global:            newManualBucket(cfg.GlobalCapacity, cfg.GlobalRefillPerSec),
		channelBuckets:    make(map[string]*manualBucket),
		recipientBuckets:  make(map[string]*manualBucket),
		providerThrottles: make(map[string]time.Time),
	}
}

func (l *Limiter) cost(intent Intent) float64 {
	if intent == IntentReply {
		mult := l.cfg.ReplyPriorityMultiplier
		if mult <= 0 {
			mult = 1
		}
		return 1 / mult
	}
	return 1.0
}

func (l *Limiter) channelBucket(key string) *manualBucket {
	b, ok := l.channelBuckets[key]
	if !ok {
		b = newManualBucket(l.cfg.ChannelCapacity, l.cfg.ChannelRefillPerSec)
		l.channelBuckets[key] = b
	}
	return b
}

func (l *Limiter) recipientBucket(key string) *manualBucket {
	b, ok := l.recipientBuckets[key]
	if !ok {
		b = newManualBucket(l.cfg.RecipientCapacity, l.cfg.RecipientRefillPerSec)
		l.recipientBuckets[key] = b
	}
	return b
}

// Admit evaluates the five layers in order, borrowing tokens from each and
// refunding earlier borrows if a later layer rejects (spec §4.2's two-phase
// commit). Release must be called once delivery completes to decrement the
// in-flight counter.
func (l *Limiter) Admit(req AdmitRequest) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cost := l.cost(req.Intent)
	channelKey := fmt.Sprintf("%s.%s", req.Channel, req.IdentityScope)

	// Layer 1: provider throttle.
	if until, ok := l.providerThrottles[req.Channel]; ok && until.After(now) {
		return Decision{
			Admitted:     false,
			ErrorClass:   ErrorTargetUnavailable,
			ErrorMessage: fmt.Sprintf("provider %q throttled", req.Channel),
			RetryAfter:   until.Sub(now),
			LimitType:    LimitProvider,
		}
	}

	// Layer 2: global in-flight.
	if l.globalInFlight >= l.cfg.GlobalInFlightMax {
		return Decision{
			Admitted:     false,
			ErrorClass:   ErrorOverloadRejected,
			ErrorMessage: "global in-flight admission limit reached",
			RetryAfter:   50 * time.Millisecond,
			LimitType:    LimitGlobalInFlight,
		}
	}

	// Layer 3: global per-minute bucket.
	if !l.global.tryConsume(now, cost) {
		return Decision{
			Admitted:     false,
			ErrorClass:   ErrorOverloadRejected,
			ErrorMessage: "global rate limit exceeded",
			RetryAfter:   l.global.timeUntilAvailable(now, cost),
			LimitType:    LimitGlobal,
		}
	}

	// Layer 4: channel+identity per-minute bucket.
	chBucket := l.channelBucket(channelKey)
	if !chBucket.tryConsume(now, cost) {
		l.global.refund(cost) // refund layer 3's borrow
		return Decision{
			Admitted:     false,
			ErrorClass:   ErrorOverloadRejected,
			ErrorMessage: fmt.Sprintf("channel rate limit exceeded for %q", channelKey),
			RetryAfter:   chBucket.timeUntilAvailable(now, cost),
			LimitType:    LimitChannel,
		}
	}

	// Layer 5: per-recipient anti-flood bucket.
	if req.Recipient != "" {
		recvBucket := l.recipientBucket(req.Recipient)
		if !recvBucket.tryConsume(now, cost) {
			chBucket.refund(cost)
			l.global.refund(cost)
			return Decision{
				Admitted:     false,
				ErrorClass:   ErrorOverloadRejected,
				ErrorMessage: fmt.Sprintf("recipient anti-flood limit exceeded for %q", req.Recipient),
				RetryAfter:   recvBucket.timeUntilAvailable(now, cost),
				LimitType:    LimitRecipient,
			}
		}
	}

	l.globalInFlight++
	return Decision{Admitted: true}
}

// Release decrements the global in-flight counter after delivery completes
// (success or failure). Tokens already spent on admission are not returned.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.globalInFlight > 0 {
		l.globalInFlight--
	}
}

// RecordProviderThrottle sets a retry-after deadline for channel, per
// spec §4.2's provider-throttle contract.
func (l *Limiter) RecordProviderThrottle(channel string, retryAfter time.Duration, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.providerThrottles[channel] = time.Now().Add(retryAfter)
}

// ClearProviderThrottle clears a previously recorded throttle.
func (l *Limiter) ClearProviderThrottle(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.providerThrottles, channel)
}

// InFlight returns the current global in-flight count, for health/metrics.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalInFlight
}
