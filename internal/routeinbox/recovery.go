package routeinbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recovery runs the startup sweep described in spec §4.5: accepted rows
// older than a grace window are requeued (accepted_at is bumped so the
// claim loop picks them up again), and processing rows older than a long
// timeout are treated as orphaned by a crashed processor and moved to
// failed.
type Recovery struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewRecovery constructs a Recovery sweep using cfg's AcceptedGraceWindow
// and ProcessingTimeout.
func NewRecovery(store Store, cfg Config) *Recovery {
	return &Recovery{store: store, cfg: cfg, logger: slog.Default()}
}

// Run performs one sweep pass. Intended to be called once at daemon
// startup, before any Processor loops are started.
func (r *Recovery) Run(ctx context.Context) error {
	now := time.Now()

	requeued, err := r.store.RequeueStale(ctx, now.Add(-r.cfg.AcceptedGraceWindow))
	if err != nil {
		return fmt.Errorf("requeue stale accepted rows: %w", err)
	}
	if requeued > 0 {
		r.logger.Info("route inbox recovery: requeued stale accepted rows", "count", requeued)
	}

	orphaned, err := r.store.FailOrphanedProcessing(ctx, now.Add(-r.cfg.ProcessingTimeout))
	if err != nil {
		return fmt.Errorf("fail orphaned processing rows: %w", err)
	}
	if orphaned > 0 {
		r.logger.Warn("route inbox recovery: failed orphaned processing rows", "count", orphaned)
	}

	return nil
}
