// Package scheduler fires ScheduledTask prompts on their cron schedule,
// described by the ScheduledTask row shape in spec §4's data model: each
// butler runs its own scheduler over the tasks assigned to it, driving the
// same Spawner.Trigger path a routed or ticked session would use.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/spawner"
)

// Store is the persistence seam Scheduler depends on;
// *db.ScheduledTaskRepo satisfies it in production.
type Store interface {
	ListEnabled(ctx context.Context) ([]db.ScheduledTaskRow, error)
	RecordRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
	Disable(ctx context.Context, id string) error
}

// Trigger is the session-spawning seam; *spawner.Spawner satisfies it.
type Trigger interface {
	Trigger(ctx context.Context, prompt string, source spawner.TriggerSource, llmCtx, systemPrompt, traceID string) (*spawner.SessionResult, error)
}

// Scheduler polls enabled ScheduledTask rows for this butler and fires due
// ones through Trigger.
type Scheduler struct {
	butlerName string
	store      Store
	trigger    Trigger
	interval   time.Duration
	parser     cron.Parser
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler. pollInterval controls how often due tasks are
// checked; it need not match any individual task's cron granularity.
func New(butlerName string, store Store, trigger Trigger, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		butlerName: butlerName,
		store:      store,
		trigger:    trigger,
		interval:   pollInterval,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     slog.Default(),
	}
}

// Start begins the poll loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)
}

// Stop cancels the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	tasks, err := s.store.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("scheduler: list enabled tasks failed", "error", err)
		return
	}

	now := time.Now()
	for _, task := range tasks {
		if task.Butler != s.butlerName {
			continue
		}
		s.evaluate(ctx, task, now)
	}
}

// evaluate fires task if its cron schedule is due, then advances
// last_run_at/next_run_at. Tasks past their until_at guard are disabled
// instead of fired.
func (s *Scheduler) evaluate(ctx context.Context, task db.ScheduledTaskRow, now time.Time) {
	if task.UntilAt.Valid && now.After(task.UntilAt.Time) {
		if err := s.store.Disable(ctx, task.ID); err != nil {
			s.logger.Error("scheduler: disable expired task failed", "task", task.Name, "error", err)
		}
		return
	}

	schedule, err := s.parser.Parse(task.Cron)
	if err != nil {
		s.logger.Error("scheduler: invalid cron expression", "task", task.Name, "cron", task.Cron, "error", err)
		return
	}

	due := task.NextRunAt.Valid && !now.Before(task.NextRunAt.Time)
	if !task.NextRunAt.Valid {
		// Never evaluated before: seed next_run_at without firing immediately.
		if err := s.store.RecordRun(ctx, task.ID, task.LastRunAt.Time, schedule.Next(now)); err != nil {
			s.logger.Error("scheduler: seed next_run_at failed", "task", task.Name, "error", err)
		}
		return
	}
	if !due {
		return
	}

	s.fire(ctx, task)

	if err := s.store.RecordRun(ctx, task.ID, now, schedule.Next(now)); err != nil {
		s.logger.Error("scheduler: record run failed", "task", task.Name, "error", err)
	}
}

func (s *Scheduler) fire(ctx context.Context, task db.ScheduledTaskRow) {
	traceID := fmt.Sprintf("scheduled-%s", task.ID)
	if _, err := s.trigger.Trigger(ctx, task.Prompt, spawner.TriggerSchedule, "", "", traceID); err != nil {
		s.logger.Error("scheduler: trigger failed", "task", task.Name, "error", err)
	}
}
