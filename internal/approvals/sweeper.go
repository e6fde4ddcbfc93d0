package approvals

import (
	"context"
	"log/slog"
	"time"
)

// SweeperConfig configures the expiry sweeper's cadence.
type SweeperConfig struct {
	Interval time.Duration `yaml:"sweep_interval"`
}

// DefaultSweeperConfig matches the cadence tarsy's cleanup.Service uses for
// its periodic sweeps.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: time.Minute}
}

// ExpirySweeper moves pending actions whose expires_at has passed to
// expired, per spec §4.9. Modeled on tarsy's pkg/cleanup.Service loop shape.
type ExpirySweeper struct {
	actions ActionStore
	cfg     SweeperConfig
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewExpirySweeper constructs an ExpirySweeper.
func NewExpirySweeper(actions ActionStore, cfg SweeperConfig) *ExpirySweeper {
	return &ExpirySweeper{actions: actions, cfg: cfg, logger: slog.Default()}
}

// Start launches the sweeper's background loop.
func (s *ExpirySweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (s *ExpirySweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *ExpirySweeper) loop(ctx context.Context) {
	defer close(s.done)
	s.runOnce(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *ExpirySweeper) runOnce(ctx context.Context) {
	expired, err := s.actions.ListExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error("approvals: expiry sweep failed to list expired actions", "error", err)
		return
	}
	for _, action := range expired {
		if err := s.actions.Decide(ctx, action.ID, StatusExpired, "system", "expires_at passed"); err != nil {
			s.logger.Error("approvals: failed to expire pending action", "id", action.ID, "error", err)
		}
	}
}
