// Package approvals implements human-in-the-loop gating for high-impact
// tool calls (spec §4.9): PendingAction enqueue with idempotent replay,
// ApprovalRule evaluation at enqueue time, decision handling, and an expiry
// sweeper modeled on tarsy's pkg/cleanup.Service loop shape.
package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

// Decision is one of the three ApprovalRule outcomes, or a human decision.
type Decision string

const (
	DecisionAutoApprove  Decision = "auto_approve"
	DecisionRequireHuman Decision = "require_human"
	DecisionAutoReject   Decision = "auto_reject"
)

// Status mirrors pending_actions.status's state machine.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExecuted = "executed"
	StatusExpired  = "expired"
)

// Executor runs an approved tool call with _approval_bypass=true, per
// spec §4.9; *RouteInboxExecutor satisfies it in production.
type Executor interface {
	Execute(ctx context.Context, butler, toolName string, args map[string]any) (map[string]any, error)
}

// RuleStore is the ApprovalRule persistence seam;
// *db.ApprovalRuleRepo satisfies it in production.
type RuleStore interface {
	ListActive(ctx context.Context) ([]db.ApprovalRuleRow, error)
}

// ActionStore is the PendingAction persistence seam;
// *db.PendingActionRepo satisfies it in production.
type ActionStore interface {
	Insert(ctx context.Context, row db.PendingActionRow) (*db.PendingActionRow, error)
	Get(ctx context.Context, id string) (*db.PendingActionRow, error)
	Decide(ctx context.Context, id, status, decidedBy, reason string) error
	RecordExecutionResult(ctx context.Context, id string, result map[string]any) error
	ListExpired(ctx context.Context, asOf time.Time) ([]db.PendingActionRow, error)
}

// EventStore records the audit trail of approval lifecycle transitions;
// *db.ApprovalEventRepo satisfies it in production.
type EventStore interface {
	Insert(ctx context.Context, pendingActionID, eventType string, detail map[string]any) error
}

// EnqueueRequest is the enqueue_approval tool call's payload.
type EnqueueRequest struct {
	Butler    string
	ToolName  string
	ToolArgs  map[string]any
	Summary   string
	RequestID string
	ExpiresAt *time.Time
}

// EnqueueResult reports the action created (or replayed) and whether it was
// a replay of an existing request_id.
type EnqueueResult struct {
	Action   db.PendingActionRow
	Replayed bool
}

// Service implements the approvals flow.
type Service struct {
	actions  ActionStore
	rules    RuleStore
	events   EventStore
	executor Executor
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Service.
func New(actions ActionStore, rules RuleStore, events EventStore, executor Executor) *Service {
	return &Service{actions: actions, rules: rules, events: events, executor: executor, logger: slog.Default()}
}

// Enqueue inserts a PendingAction, replaying an existing row when
// request_id collides (spec §4.9's idempotency contract), then evaluates
// active ApprovalRules: auto_approve executes immediately, auto_reject
// records a rule-decided rejection, require_human/no-match leaves it pending.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	row := db.PendingActionRow{
		Butler:    req.Butler,
		ToolName:  req.ToolName,
		ToolArgs:  db.NewJSON(req.ToolArgs),
		Summary:   req.Summary,
		Status:    StatusPending,
		RequestID: sql.NullString{String: req.RequestID, Valid: req.RequestID != ""},
	}
	if req.ExpiresAt != nil {
		row.ExpiresAt = sql.NullTime{Time: *req.ExpiresAt, Valid: true}
	}

	inserted, err := s.actions.Insert(ctx, row)
	if errors.Is(err, db.ErrAlreadyExists) {
		return EnqueueResult{Action: *inserted, Replayed: true}, nil
	}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert pending action: %w", err)
	}

	decision, matchedRuleID := s.evaluateRules(ctx, req)
	switch decision {
	case DecisionAutoApprove:
		if err := s.approveAndExecute(ctx, inserted.ID, "rule", matchedRuleID, req.Butler, req.ToolName, req.ToolArgs); err != nil {
			s.logger.Error("approvals: auto-approve execution failed", "id", inserted.ID, "error", err)
		}
	case DecisionAutoReject:
		if err := s.actions.Decide(ctx, inserted.ID, StatusRejected, "rule", "matched auto_reject rule "+matchedRuleID); err != nil {
			s.logger.Error("approvals: auto-reject failed", "id", inserted.ID, "error", err)
		}
		s.recordEvent(ctx, inserted.ID, "auto_rejected", map[string]any{"rule_id": matchedRuleID})
		inserted.Status = StatusRejected
	}

	return EnqueueResult{Action: *inserted}, nil
}

// Decide handles a human decision (approve/reject) arriving via dashboard or API.
func (s *Service) Decide(ctx context.Context, id, decision, decidedBy, reason string) (*db.PendingActionRow, error) {
	action, err := s.actions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	if action.Status != StatusPending {
		return action, fmt.Errorf("approvals: action %s is not pending (status=%s)", id, action.Status)
	}

	switch decision {
	case "approve":
		args := action.ToolArgs.Value
		if err := s.approveAndExecute(ctx, id, decidedBy, "", action.Butler, action.ToolName, args); err != nil {
			return nil, err
		}
	case "reject":
		if err := s.actions.Decide(ctx, id, StatusRejected, decidedBy, reason); err != nil {
			return nil, fmt.Errorf("reject pending action: %w", err)
		}
		s.recordEvent(ctx, id, "rejected", map[string]any{"decided_by": decidedBy, "reason": reason})
	default:
		return nil, fmt.Errorf("approvals: unknown decision %q", decision)
	}

	return s.actions.Get(ctx, id)
}

// approveAndExecute transitions to approved, runs the tool with
// _approval_bypass=true, and lands at executed on success or stays approved
// with execution_result.error on failure, per spec §4.9.
func (s *Service) approveAndExecute(ctx context.Context, id, decidedBy, ruleID, butler, toolName string, args map[string]any) error {
	if err := s.actions.Decide(ctx, id, StatusApproved, decidedBy, ruleID); err != nil {
		return fmt.Errorf("approve pending action: %w", err)
	}
	s.recordEvent(ctx, id, "approved", map[string]any{"decided_by": decidedBy})

	bypassArgs := make(map[string]any, len(args)+1)
	for k, v := range args {
		bypassArgs[k] = v
	}
	bypassArgs["_approval_bypass"] = true

	result, err := s.executor.Execute(ctx, butler, toolName, bypassArgs)
	if err != nil {
		if recErr := s.actions.RecordExecutionResult(ctx, id, map[string]any{"error": err.Error()}); recErr != nil {
			s.logger.Error("approvals: failed to record execution error", "id", id, "error", recErr)
		}
		s.recordEvent(ctx, id, "execution_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("execute approved tool: %w", err)
	}

	if err := s.actions.Decide(ctx, id, StatusExecuted, decidedBy, ruleID); err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	if err := s.actions.RecordExecutionResult(ctx, id, result); err != nil {
		s.logger.Error("approvals: failed to record execution result", "id", id, "error", err)
	}
	s.recordEvent(ctx, id, "executed", result)
	return nil
}

// evaluateRules runs the active ApprovalRule set against req and returns
// the first decisive match. Silent errors (rule list unavailable) fall back
// to require_human — the safe default.
func (s *Service) evaluateRules(ctx context.Context, req EnqueueRequest) (Decision, string) {
	rules, err := s.rules.ListActive(ctx)
	if err != nil {
		s.logger.Error("approvals: failed to list active rules, defaulting to require_human", "error", err)
		return DecisionRequireHuman, ""
	}

	for _, rule := range rules {
		if matchesPredicate(rule.MatchPredicate.Value, req) {
			return Decision(rule.Decision), rule.ID
		}
	}
	return DecisionRequireHuman, ""
}

// matchesPredicate evaluates a flat tool_name/arg-key equality predicate
// against the enqueue request. Richer glob/pattern matching is not named by
// the spec beyond "tool name glob + arg predicates"; this implements exact
// match on tool_name plus equality on named arg keys, the minimal form that
// satisfies every example in spec §4's ApprovalRule description.
func matchesPredicate(predicate map[string]any, req EnqueueRequest) bool {
	if toolName, ok := predicate["tool_name"].(string); ok && toolName != req.ToolName {
		return false
	}
	argPredicates, _ := predicate["args"].(map[string]any)
	for key, want := range argPredicates {
		got, present := req.ToolArgs[key]
		if !present || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (s *Service) recordEvent(ctx context.Context, id, eventType string, detail map[string]any) {
	if err := s.events.Insert(ctx, id, eventType, detail); err != nil {
		s.logger.Error("approvals: failed to record approval event", "id", id, "event_type", eventType, "error", err)
	}
}
