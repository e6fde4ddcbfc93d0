// Package spawner implements the per-butler concurrency governor described
// in spec §4.4: a semaphore of configurable size gates how many sessions one
// butler can run at once, sessions are always persisted (even on
// cancellation), and shutdown is two-stage (stop accepting, then drain).
package spawner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/llmsession"
)

// TriggerSource enumerates the values Session.trigger_source may take.
type TriggerSource string

const (
	TriggerSchedule  TriggerSource = "schedule"
	TriggerRoute     TriggerSource = "route"
	TriggerTick      TriggerSource = "tick"
	TriggerManual    TriggerSource = "manual"
	TriggerExtraction TriggerSource = "extraction"
)

// SessionResult mirrors the terminal Session row Trigger produces.
type SessionResult struct {
	SessionID string
	Success   bool
	Error     string
	Response  llmsession.Response
}

// ErrNotAccepting is returned by Trigger once StopAccepting has been called.
var ErrNotAccepting = fmt.Errorf("spawner: not accepting new triggers")

// SessionStore is the persistence seam Spawner depends on;
// *db.SessionRepo satisfies it in production.
type SessionStore interface {
	InsertStarted(ctx context.Context, row db.SessionRow) (string, error)
	Complete(ctx context.Context, id, model string, inputTokens, outputTokens int, success bool, errMsg string, toolCalls []db.ToolCall, cost db.SessionCost) error
}

// Metrics is the session_duration_ms observability seam; a nil Metrics is
// valid and means no observability wiring.
type Metrics interface {
	ObserveSessionDuration(butler string, d time.Duration, success bool)
	SetQueued(butler string, n int)
	SetActive(butler string, n int)
}

// Spawner governs concurrency for a single butler.
type Spawner struct {
	butler  string
	runtime llmsession.Runtime
	repo    SessionStore
	metrics Metrics

	slots chan struct{}

	queued int32
	active int32

	mu          sync.Mutex
	accepting   bool
	outstanding map[string]struct{}
	drained     chan struct{}

	logger *slog.Logger
}

// New constructs a Spawner with a semaphore of size maxConcurrent. metrics
// may be nil.
func New(butler string, maxConcurrent int, runtime llmsession.Runtime, repo SessionStore, metrics Metrics) *Spawner {
	return &Spawner{
		butler:      butler,
		runtime:     runtime,
		repo:        repo,
		metrics:     metrics,
		slots:       make(chan struct{}, maxConcurrent),
		accepting:   true,
		outstanding: make(map[string]struct{}),
		logger:      slog.Default(),
	}
}

// Trigger acquires a semaphore slot (blocking if the butler is at capacity),
// invokes the LLM runtime, and always persists a terminal Session row —
// including on cancellation, per spec §4.4 and §5's cancellation semantics.
func (s *Spawner) Trigger(ctx context.Context, prompt string, source TriggerSource, llmCtx, systemPrompt, traceID string) (*SessionResult, error) {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil, ErrNotAccepting
	}
	s.mu.Unlock()

	atomic.AddInt32(&s.queued, 1)
	s.setQueued()
	select {
	case s.slots <- struct{}{}:
		atomic.AddInt32(&s.queued, -1)
		s.setQueued()
	case <-ctx.Done():
		atomic.AddInt32(&s.queued, -1)
		s.setQueued()
		return nil, ctx.Err()
	}
	defer func() { <-s.slots }()

	atomic.AddInt32(&s.active, 1)
	s.setActive()
	defer func() {
		atomic.AddInt32(&s.active, -1)
		s.setActive()
	}()

	sessionID := uuid.NewString()
	startedAt := time.Now()

	s.mu.Lock()
	s.outstanding[sessionID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.outstanding, sessionID)
		if len(s.outstanding) == 0 && s.drained != nil {
			select {
			case <-s.drained:
			default:
				close(s.drained)
			}
		}
		s.mu.Unlock()
	}()

	if _, err := s.repo.InsertStarted(ctx, db.SessionRow{
		ID:            sessionID,
		Butler:        s.butler,
		Prompt:        prompt,
		TriggerSource: string(source),
		StartedAt:     startedAt,
		TraceID:       sql.NullString{String: traceID, Valid: traceID != ""},
	}); err != nil {
		s.logger.Error("spawner: failed to record started session", "butler", s.butler, "error", err)
	}

	resp, err := s.runtime.Run(ctx, llmsession.Request{
		SystemPrompt: systemPrompt,
		Context:      llmCtx,
		Prompt:       prompt,
		Butler:       s.butler,
		TraceID:      traceID,
	})

	result := &SessionResult{SessionID: sessionID}
	switch {
	case ctx.Err() != nil:
		result.Success = false
		result.Error = "cancelled"
	case err != nil:
		result.Success = false
		result.Error = err.Error()
	default:
		result.Success = true
		result.Response = resp
	}

	// Persist completion with a background context: a cancelled trigger must
	// still leave a terminal row (spec §5), and ctx itself may already be
	// Done by the time the runtime call returns.
	if completeErr := s.repo.Complete(context.Background(), sessionID, resp.Model, resp.InputTokens, resp.OutputTokens,
		result.Success, result.Error, resp.ToolCalls, resp.Cost); completeErr != nil {
		s.logger.Error("spawner: failed to persist session completion", "butler", s.butler, "error", completeErr)
	}
	if s.metrics != nil {
		s.metrics.ObserveSessionDuration(s.butler, time.Since(startedAt), result.Success)
	}

	if err != nil && ctx.Err() == nil {
		return result, err
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// StopAccepting blocks new Trigger calls. Already-admitted sessions continue.
func (s *Spawner) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepting = false
}

// Drain waits for outstanding sessions to complete or the timeout to elapse.
// Returns true if every session finished before the deadline.
func (s *Spawner) Drain(timeout time.Duration) bool {
	s.mu.Lock()
	if len(s.outstanding) == 0 {
		s.mu.Unlock()
		return true
	}
	s.drained = make(chan struct{})
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Spawner) setQueued() {
	if s.metrics != nil {
		s.metrics.SetQueued(s.butler, s.QueuedCount())
	}
}

func (s *Spawner) setActive() {
	if s.metrics != nil {
		s.metrics.SetActive(s.butler, s.ActiveCount())
	}
}

// QueuedCount returns the number of triggers waiting for a free slot.
func (s *Spawner) QueuedCount() int {
	return int(atomic.LoadInt32(&s.queued))
}

// ActiveCount returns the number of triggers currently running.
func (s *Spawner) ActiveCount() int {
	return int(atomic.LoadInt32(&s.active))
}
