// Package registry implements the Butler Registry & Heartbeat contract of
// spec §4.3: liveness tracking that gates routing eligibility, backed by
// internal/db's ButlerRegistryRepo and an LRU read-through cache to avoid a
// round trip on every route.execute routability check.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

const (
	StateActive      = "active"
	StateStale       = "stale"
	StateQuarantined = "quarantined"

	ReasonHealthRestored    = "health_restored"
	ReasonHeartbeatRecovery = "heartbeat_recovery"
	ReasonStaleTimeout      = "stale_timeout"
	ReasonQuarantineTimeout = "quarantine_timeout"
)

// KnownButler is a statically configured butler the registry can
// self-register on first heartbeat.
type KnownButler struct {
	Name        string
	EndpointURL string
}

// Config configures the sweeper's grace windows, per spec §4.3.
type Config struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	QuarantineAfter time.Duration `yaml:"quarantine_after"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the built-in registry defaults: stale after 2m,
// quarantined after 15m, swept every 30s.
func DefaultConfig() Config {
	return Config{
		StaleAfter:      2 * time.Minute,
		QuarantineAfter: 15 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

// Result is the heartbeat response contract: {status, eligibility_state}.
type Result struct {
	Status           string
	EligibilityState string
}

// Store is the persistence seam Registry depends on; *db.ButlerRegistryRepo
// satisfies it in production, letting tests substitute an in-memory fake.
type Store interface {
	Get(ctx context.Context, name string) (*db.ButlerRegistryRow, error)
	Register(ctx context.Context, name, endpointURL string) (*db.ButlerRegistryRow, error)
	TouchLastSeen(ctx context.Context, name string) error
	CompareAndSetEligibility(ctx context.Context, name, fromState, toState string) (bool, error)
	InsertEligibilityLog(ctx context.Context, name, previousState, newState, reason string) error
	ListStaleCandidates(ctx context.Context, olderThan time.Time) ([]db.ButlerRegistryRow, error)
	ListQuarantineCandidates(ctx context.Context, olderThan time.Time) ([]db.ButlerRegistryRow, error)
	List(ctx context.Context) ([]db.ButlerRegistryRow, error)
}

// Registry answers heartbeat and routability queries.
type Registry struct {
	repo   Store
	known  map[string]KnownButler
	cache  *lru.Cache[string, db.ButlerRegistryRow]
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Registry. known lists the butlers present in
// configuration, used for self-healing registration on first heartbeat.
func New(repo Store, known []KnownButler, cfg Config) (*Registry, error) {
	cache, err := lru.New[string, db.ButlerRegistryRow](256)
	if err != nil {
		return nil, fmt.Errorf("create registry cache: %w", err)
	}
	byName := make(map[string]KnownButler, len(known))
	for _, k := range known {
		byName[k.Name] = k
	}
	return &Registry{repo: repo, known: byName, cache: cache, cfg: cfg, logger: slog.Default()}, nil
}

// Heartbeat implements spec §4.3's handler contract exactly.
func (r *Registry) Heartbeat(ctx context.Context, butlerName string) (Result, error) {
	row, err := r.repo.Get(ctx, butlerName)
	if err != nil {
		if err != db.ErrNotFound {
			return Result{}, fmt.Errorf("load butler_registry row: %w", err)
		}
		known, ok := r.known[butlerName]
		if !ok {
			return Result{}, ErrUnknownButler
		}
		registered, err := r.repo.Register(ctx, butlerName, known.EndpointURL)
		if err != nil {
			return Result{}, fmt.Errorf("self-heal register: %w", err)
		}
		r.cache.Add(butlerName, *registered)
		return Result{Status: "ok", EligibilityState: registered.EligibilityState}, nil
	}

	switch row.EligibilityState {
	case StateStale, StateQuarantined:
		reason := ReasonHealthRestored
		if row.EligibilityState == StateQuarantined {
			reason = ReasonHeartbeatRecovery
		}
		changed, err := r.repo.CompareAndSetEligibility(ctx, butlerName, row.EligibilityState, StateActive)
		if err != nil {
			return Result{}, fmt.Errorf("cas to active: %w", err)
		}
		if changed {
			if err := r.repo.InsertEligibilityLog(ctx, butlerName, row.EligibilityState, StateActive, reason); err != nil {
				return Result{}, fmt.Errorf("log eligibility transition: %w", err)
			}
			r.invalidate(butlerName)
			return Result{Status: "ok", EligibilityState: StateActive}, nil
		}
		// Concurrent modification: re-read and return without a log entry.
		current, err := r.repo.Get(ctx, butlerName)
		if err != nil {
			return Result{}, fmt.Errorf("re-read after cas race: %w", err)
		}
		r.invalidate(butlerName)
		return Result{Status: "ok", EligibilityState: current.EligibilityState}, nil
	case StateActive:
		if err := r.repo.TouchLastSeen(ctx, butlerName); err != nil {
			return Result{}, fmt.Errorf("touch last_seen_at: %w", err)
		}
		r.invalidate(butlerName)
		return Result{Status: "ok", EligibilityState: StateActive}, nil
	default:
		return Result{}, fmt.Errorf("unrecognized eligibility_state %q", row.EligibilityState)
	}
}

// IsRoutable reports whether butlerName currently accepts routed requests.
// allowStale widens eligibility to include StateStale per caller policy
// (spec §5's "degradation metric ... allow_stale=false policies").
func (r *Registry) IsRoutable(ctx context.Context, butlerName string, allowStale bool) (bool, error) {
	row, err := r.lookup(ctx, butlerName)
	if err != nil {
		return false, err
	}
	if row.EligibilityState == StateActive {
		return true, nil
	}
	return allowStale && row.EligibilityState == StateStale, nil
}

// lookup is the read-through cache path used by hot routing checks.
func (r *Registry) lookup(ctx context.Context, butlerName string) (db.ButlerRegistryRow, error) {
	if row, ok := r.cache.Get(butlerName); ok {
		return row, nil
	}
	rowPtr, err := r.repo.Get(ctx, butlerName)
	if err != nil {
		return db.ButlerRegistryRow{}, err
	}
	r.cache.Add(butlerName, *rowPtr)
	return *rowPtr, nil
}

func (r *Registry) invalidate(butlerName string) {
	r.cache.Remove(butlerName)
}

// Start launches the background sweeper loop (active→stale→quarantined).
func (r *Registry) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.sweepLoop(ctx)
}

// Stop halts the sweeper and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
	r.cancel = nil
	r.done = nil
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	now := time.Now()

	stale, err := r.repo.ListStaleCandidates(ctx, now.Add(-r.cfg.StaleAfter))
	if err != nil {
		r.logger.Warn("registry sweep: list stale candidates failed", "error", err)
	} else {
		for _, row := range stale {
			r.transition(ctx, row.ButlerName, StateActive, StateStale, ReasonStaleTimeout)
		}
	}

	quarantine, err := r.repo.ListQuarantineCandidates(ctx, now.Add(-r.cfg.QuarantineAfter))
	if err != nil {
		r.logger.Warn("registry sweep: list quarantine candidates failed", "error", err)
	} else {
		for _, row := range quarantine {
			r.transition(ctx, row.ButlerName, StateStale, StateQuarantined, ReasonQuarantineTimeout)
		}
	}
}

func (r *Registry) transition(ctx context.Context, name, from, to, reason string) {
	changed, err := r.repo.CompareAndSetEligibility(ctx, name, from, to)
	if err != nil {
		r.logger.Warn("registry sweep: cas failed", "butler", name, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := r.repo.InsertEligibilityLog(ctx, name, from, to, reason); err != nil {
		r.logger.Warn("registry sweep: log transition failed", "butler", name, "error", err)
	}
	r.invalidate(name)
}

// List returns every registered butler for dashboard reads.
func (r *Registry) List(ctx context.Context) ([]db.ButlerRegistryRow, error) {
	return r.repo.List(ctx)
}
