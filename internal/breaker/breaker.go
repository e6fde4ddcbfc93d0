// Package breaker implements the per-provider circuit breaker described in
// spec §4.1: closed → open → half_open → {closed | open}, with configurable
// classification of which error classes count toward tripping.
//
// The state machine itself is delegated to sony/gobreaker, which already
// implements exactly this shape (closed/open/half-open, consecutive-failure
// counting, a timed recovery probe). We adapt it with ReadyToTrip/IsSuccessful
// hooks so the spec's error-classification rules plug in without
// reimplementing the FSM.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
)

// Config matches spec §4.1's configuration fields.
type Config struct {
	FailureThreshold         uint32        `yaml:"failure_threshold"`
	RecoveryTimeout          time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxAttempts      uint32        `yaml:"half_open_max_attempts"`
	HalfOpenSuccessThreshold uint32        `yaml:"half_open_success_threshold"`
	CountTimeoutAsFailure    bool          `yaml:"count_timeout_as_failure"`
	CountTargetUnavailable   bool          `yaml:"count_target_unavailable_as_failure"`
}

// DefaultConfig returns the defaults named in spec §4.1.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		RecoveryTimeout:          60 * time.Second,
		HalfOpenMaxAttempts:      3,
		HalfOpenSuccessThreshold: 2,
		CountTimeoutAsFailure:    true,
		CountTargetUnavailable:   true,
	}
}

// CircuitOpenError is returned by Execute when the breaker short-circuits
// the call without invoking fn.
type CircuitOpenError struct {
	Provider        string
	OpenedAt        time.Time
	LastErrorClass  errtax.Class
	LastErrorReason string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %q (opened %s ago, last error: %s)",
		e.Provider, time.Since(e.OpenedAt).Round(time.Second), e.LastErrorClass)
}

// Status is a structured snapshot returned by GetStatus.
type Status struct {
	Provider            string
	State               string // closed | open | half_open
	ConsecutiveFailures uint32
	OpenedAt            time.Time
	HalfOpenAttempts    uint32
	HalfOpenSuccesses   uint32
	LastErrorClass      errtax.Class
	LastErrorMessage    string
	Config              Config
}

// Breaker guards calls to a single provider/channel.
type Breaker struct {
	provider string
	cfg      Config
	cb       *gobreaker.CircuitBreaker

	mu               sync.Mutex
	openedAt         time.Time
	lastErrorClass   errtax.Class
	lastErrorMessage string
}

// New creates a Breaker for the given provider key.
func New(provider string, cfg Config) *Breaker {
	b := &Breaker{provider: provider, cfg: cfg}

	settings := gobreaker.Settings{
		Name: provider,
		// gobreaker closes the breaker once MaxRequests consecutive
		// half-open successes are observed, so MaxRequests is the knob that
		// actually implements half_open_success_threshold. HalfOpenMaxAttempts
		// itself is not independently enforced by gobreaker: per spec §9,
		// "half-open max-attempts is configured but never enforced in the
		// source... the spec treats it as an upper bound... but does not
		// mandate concurrency control since the breaker mutex serializes
		// calls" — the same is true here.
		MaxRequests: cfg.HalfOpenSuccessThreshold,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn through the breaker per spec §4.1's operation contract.
// Validation-class errors never count toward tripping. Timeout and
// target-unavailable errors count only when their respective flags are set.
//
// gobreaker counts every non-nil error returned from its wrapped closure as
// a failure. To let non-counting error classes reach the caller without
// tripping the breaker, the closure reports those calls as successful to
// gobreaker and the real error is smuggled out via passthroughErr, restored
// once Execute returns.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if b.cb.State() == gobreaker.StateOpen {
		b.mu.Lock()
		openedAt, class := b.openedAt, b.lastErrorClass
		b.mu.Unlock()
		if time.Since(openedAt) < b.cfg.RecoveryTimeout {
			return zero, &CircuitOpenError{Provider: b.provider, OpenedAt: openedAt, LastErrorClass: class}
		}
	}

	var passthroughErr error
	result, err := b.cb.Execute(func() (interface{}, error) {
		v, callErr := fn(ctx)
		if callErr == nil {
			return v, nil
		}
		if !b.countsAsFailure(callErr) {
			passthroughErr = callErr
			return v, nil
		}
		b.mu.Lock()
		b.lastErrorClass = errtax.ClassOf(callErr)
		b.lastErrorMessage = callErr.Error()
		b.mu.Unlock()
		return nil, callErr
	})

	if passthroughErr != nil {
		typed, _ := result.(T)
		return typed, passthroughErr
	}
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

// countsAsFailure applies the spec's classification rules.
func (b *Breaker) countsAsFailure(err error) bool {
	class := errtax.ClassOf(err)
	switch class {
	case errtax.ClassValidation:
		return false
	case errtax.ClassTimeout:
		return b.cfg.CountTimeoutAsFailure
	case errtax.ClassTargetUnavailable:
		return b.cfg.CountTargetUnavailable
	default:
		return true
	}
}

// GetStatus returns a structured snapshot for observability/dashboard use.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := b.cb.Counts()
	var state string
	switch b.cb.State() {
	case gobreaker.StateClosed:
		state = "closed"
	case gobreaker.StateHalfOpen:
		state = "half_open"
	case gobreaker.StateOpen:
		state = "open"
	}

	return Status{
		Provider:            b.provider,
		State:               state,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		OpenedAt:            b.openedAt,
		HalfOpenAttempts:    counts.Requests,
		HalfOpenSuccesses:   counts.ConsecutiveSuccesses,
		LastErrorClass:      b.lastErrorClass,
		LastErrorMessage:    b.lastErrorMessage,
		Config:              b.cfg,
	}
}

// Registry holds one Breaker per provider key, created lazily.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a Registry that lazily creates breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns (creating if necessary) the Breaker for provider.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[provider]; ok {
		return b
	}
	b = New(provider, r.cfg)
	r.breakers[provider] = b
	return b
}

// Statuses returns a snapshot of every breaker currently tracked.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.GetStatus())
	}
	return out
}

// ErrCircuitOpen is a sentinel used by callers with errors.Is.
var ErrCircuitOpen = errors.New("circuit open")
