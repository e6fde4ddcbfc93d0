// Package retention implements the Retention & Partition Cleanup service
// (spec §4.10): three independently-configured sweeps over pending_actions,
// approval_rules, and approval_events, plus monthly partition maintenance.
// Modeled directly on tarsy's pkg/cleanup.Service (Start/Stop/run/runAll
// loop shape), generalized from two sweeps to five retention concerns.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// PendingActionStore is the persistence seam for the pending_actions sweep;
// *db.PendingActionRepo satisfies it in production.
type PendingActionStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ApprovalRuleStore is the persistence seam for the approval_rules sweep;
// *db.ApprovalRuleRepo satisfies it in production.
type ApprovalRuleStore interface {
	DeleteInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ApprovalEventStore is the persistence seam for the approval_events sweep;
// *db.ApprovalEventRepo satisfies it in production.
type ApprovalEventStore interface {
	DeletePrivilegedOlderThan(ctx context.Context, cutoff time.Time, privilegedEventTypes []string) (int64, error)
}

// PartitionMaintainer creates the upcoming month's partition and drops
// partitions older than the retention window, keeping message_inbox (and
// analogous partitioned tables) from growing catalog entries forever.
type PartitionMaintainer interface {
	EnsureUpcomingPartition(ctx context.Context, parent string) error
	DropPartitionsOlderThan(ctx context.Context, parent string, cutoff time.Time) (int, error)
}

// Config holds the three independent retention windows named in spec §4.10,
// plus the privileged event types the approval_events sweep is scoped to,
// and the sweep interval.
type Config struct {
	PendingActionRetention   time.Duration `yaml:"pending_action_retention"`
	ApprovalRuleRetention    time.Duration `yaml:"approval_rule_retention"`
	ApprovalEventRetention   time.Duration `yaml:"approval_event_retention"`
	PrivilegedApprovalEvents []string      `yaml:"privileged_approval_events"`
	PartitionedTables        []string      `yaml:"partitioned_tables"`
	PartitionRetention       time.Duration `yaml:"partition_retention"`
	SweepInterval            time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig matches the windows named in spec §4.10: 90d / 180d / 365d.
func DefaultConfig() Config {
	return Config{
		PendingActionRetention:   90 * 24 * time.Hour,
		ApprovalRuleRetention:    180 * 24 * time.Hour,
		ApprovalEventRetention:   365 * 24 * time.Hour,
		PrivilegedApprovalEvents: []string{"approved", "rejected", "executed", "execution_failed"},
		PartitionedTables:        []string{"message_inbox"},
		PartitionRetention:       365 * 24 * time.Hour,
		SweepInterval:            time.Hour,
	}
}

// Service periodically enforces all five retention concerns. Every
// operation is idempotent and safe to run from multiple daemons.
type Service struct {
	cfg            Config
	pendingActions PendingActionStore
	approvalRules  ApprovalRuleStore
	approvalEvents ApprovalEventStore
	partitions     PartitionMaintainer
	logger         *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs a Service. partitions may be nil, in which case
// partition maintenance is skipped.
func NewService(cfg Config, pendingActions PendingActionStore, approvalRules ApprovalRuleStore, approvalEvents ApprovalEventStore, partitions PartitionMaintainer) *Service {
	return &Service{
		cfg:            cfg,
		pendingActions: pendingActions,
		approvalRules:  approvalRules,
		approvalEvents: approvalEvents,
		partitions:     partitions,
		logger:         slog.Default(),
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepPendingActions(ctx)
	s.sweepApprovalRules(ctx)
	s.sweepApprovalEvents(ctx)
	s.maintainPartitions(ctx)
}

func (s *Service) sweepPendingActions(ctx context.Context) {
	n, err := s.pendingActions.DeleteOlderThan(ctx, time.Now().Add(-s.cfg.PendingActionRetention))
	if err != nil {
		s.logger.Error("retention: pending_actions sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention: deleted old pending actions", "count", n)
	}
}

func (s *Service) sweepApprovalRules(ctx context.Context) {
	n, err := s.approvalRules.DeleteInactiveOlderThan(ctx, time.Now().Add(-s.cfg.ApprovalRuleRetention))
	if err != nil {
		s.logger.Error("retention: approval_rules sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention: deleted old inactive approval rules", "count", n)
	}
}

func (s *Service) sweepApprovalEvents(ctx context.Context) {
	n, err := s.approvalEvents.DeletePrivilegedOlderThan(ctx, time.Now().Add(-s.cfg.ApprovalEventRetention), s.cfg.PrivilegedApprovalEvents)
	if err != nil {
		s.logger.Error("retention: approval_events sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention: deleted old privileged approval events", "count", n)
	}
}

func (s *Service) maintainPartitions(ctx context.Context) {
	if s.partitions == nil {
		return
	}
	for _, table := range s.cfg.PartitionedTables {
		if err := s.partitions.EnsureUpcomingPartition(ctx, table); err != nil {
			s.logger.Error("retention: failed to ensure upcoming partition", "table", table, "error", err)
			continue
		}
		dropped, err := s.partitions.DropPartitionsOlderThan(ctx, table, time.Now().Add(-s.cfg.PartitionRetention))
		if err != nil {
			s.logger.Error("retention: failed to drop old partitions", "table", table, "error", err)
			continue
		}
		if dropped > 0 {
			s.logger.Info("retention: dropped old partitions", "table", table, "count", dropped)
		}
	}
}
