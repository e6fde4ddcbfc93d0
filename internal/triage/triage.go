// Package triage evaluates the active triage_rules against an inbound
// envelope's attributes before ingest accepts it, per spec §4.6's triage
// hook: active rules are evaluated in priority order, and the first rule
// whose condition matches decides the outcome.
package triage

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

// Action is one of the five triage outcomes named in spec §4.6.
type Action string

const (
	ActionSkip             Action = "skip"
	ActionMetadataOnly     Action = "metadata_only"
	ActionLowPriorityQueue Action = "low_priority_queue"
	ActionPassThrough      Action = "pass_through"
	ActionRouteToPrefix           = "route_to:"
)

// Decision is the outcome of evaluating the active rule set against an
// envelope. ForcedTarget is only set for route_to:<butler> matches.
type Decision struct {
	Action       Action
	ForcedTarget string
	MatchedRule  string
}

// Attributes is the subset of an envelope's fields triage conditions may
// match against. Each condition row is a flat map of attribute name to
// expected value; a rule matches when every key in its condition equals the
// corresponding attribute (conjunctive match, no wildcards — spec §4.6 does
// not name a richer predicate language).
type Attributes map[string]string

// Store is the persistence seam Evaluate depends on;
// *db.TriageRuleRepo satisfies it in production.
type Store interface {
	ListActive(ctx context.Context) ([]db.TriageRuleRow, error)
}

// Evaluator evaluates the active triage rule set.
type Evaluator struct {
	store Store
}

// New constructs an Evaluator.
func New(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate runs the active rules, priority-ordered, against attrs and
// returns the first match. A nil Decision means no rule matched: ingest
// continues with normal classification.
func (e *Evaluator) Evaluate(ctx context.Context, attrs Attributes) (*Decision, error) {
	rules, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active triage rules: %w", err)
	}

	for _, rule := range rules {
		if !matches(rule.Condition.Value, attrs) {
			continue
		}

		action := Action(rule.Action)
		d := &Decision{Action: action, MatchedRule: rule.ID}
		if len(rule.Action) > len(ActionRouteToPrefix) && rule.Action[:len(ActionRouteToPrefix)] == ActionRouteToPrefix {
			d.Action = Action(rule.Action)
			d.ForcedTarget = rule.Action[len(ActionRouteToPrefix):]
		}
		return d, nil
	}

	return nil, nil
}

// matches reports whether every key/value pair in condition is present and
// equal in attrs. An empty condition matches everything.
func matches(condition map[string]any, attrs Attributes) bool {
	for key, want := range condition {
		wantStr, ok := want.(string)
		if !ok {
			return false
		}
		if got, present := attrs[key]; !present || got != wantStr {
			return false
		}
	}
	return true
}
