// Package routeinbox implements the two-phase inter-butler RPC described in
// spec §4.5: a synchronous accept phase that only validates routability and
// inserts a row, and an asynchronous process phase driven by a background
// loop per target butler.
package routeinbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
)

// Registrar is the routability seam routeinbox depends on.
type Registrar interface {
	IsRoutable(ctx context.Context, butlerName string, allowStale bool) (bool, error)
}

// Store is the persistence seam routeinbox depends on;
// *db.RouteInboxRepo satisfies it in production.
type Store interface {
	Accept(ctx context.Context, row db.RouteInboxRow) (string, error)
	ClaimNext(ctx context.Context, targetButler string) (*db.RouteInboxRow, error)
	Complete(ctx context.Context, id string, result map[string]any) error
	Fail(ctx context.Context, id, errMsg string, attempts, maxRetries int) error
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
	FailOrphanedProcessing(ctx context.Context, olderThan time.Time) (int64, error)
}

// AcceptRequest is the inbound route.execute payload, per spec §4.5/§6.3.
type AcceptRequest struct {
	TargetButler     string
	SourceButler     string
	ToolName         string
	Args             map[string]any
	RequestContext   db.RequestContext
	AllowStale       bool
	AllowQuarantined bool
}

// AcceptResult is the synchronous reply; the caller's latency budget ends
// once this is returned.
type AcceptResult struct {
	Status    string
	RequestID string
}

// Metrics is the accept_latency_ms observability seam; a nil Metrics is
// valid and means no observability wiring.
type Metrics interface {
	ObserveAcceptLatency(targetButler string, d time.Duration, status string)
}

// Inbox handles the caller-facing accept phase.
type Inbox struct {
	store    Store
	registry Registrar
	metrics  Metrics
}

// NewInbox constructs an Inbox. metrics may be nil.
func NewInbox(store Store, registry Registrar, metrics Metrics) *Inbox {
	return &Inbox{store: store, registry: registry, metrics: metrics}
}

// Accept validates routability and inserts an accepted row. Quarantined
// targets are never routable regardless of AllowQuarantined — the registry's
// IsRoutable already encodes active/stale eligibility; AllowQuarantined is
// reserved for a future caller policy and currently has no effect beyond
// what IsRoutable enforces (see SPEC_FULL.md Open Questions).
func (i *Inbox) Accept(ctx context.Context, req AcceptRequest) (AcceptResult, error) {
	started := time.Now()

	routable, err := i.registry.IsRoutable(ctx, req.TargetButler, req.AllowStale)
	if err != nil {
		i.observe(req.TargetButler, started, "error")
		return AcceptResult{}, fmt.Errorf("check routability: %w", err)
	}
	if !routable {
		i.observe(req.TargetButler, started, "target_unavailable")
		return AcceptResult{}, errtax.TargetUnavailable("butler %q is not currently eligible to receive routed requests", req.TargetButler)
	}

	id, err := i.store.Accept(ctx, db.RouteInboxRow{
		TargetButler:   req.TargetButler,
		SourceButler:   req.SourceButler,
		ToolName:       req.ToolName,
		Args:           db.NewJSON(req.Args),
		RequestContext: db.NewJSON(req.RequestContext),
		DedupeKey:      sql.NullString{String: req.RequestContext.DedupeKey, Valid: req.RequestContext.DedupeKey != ""},
	})
	if err != nil {
		i.observe(req.TargetButler, started, "error")
		return AcceptResult{}, fmt.Errorf("insert route_inbox row: %w", err)
	}

	i.observe(req.TargetButler, started, "ok")
	return AcceptResult{Status: "ok", RequestID: id}, nil
}

func (i *Inbox) observe(targetButler string, started time.Time, status string) {
	if i.metrics == nil {
		return
	}
	i.metrics.ObserveAcceptLatency(targetButler, time.Since(started), status)
}
