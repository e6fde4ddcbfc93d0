package triage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

type fakeStore struct {
	rules []db.TriageRuleRow
}

func (f *fakeStore) ListActive(ctx context.Context) ([]db.TriageRuleRow, error) {
	return f.rules, nil
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	store := &fakeStore{rules: []db.TriageRuleRow{
		{ID: "r1", Action: "skip", Priority: 0, Condition: db.NewJSON(map[string]any{"source_channel": "spam"})},
		{ID: "r2", Action: "metadata_only", Priority: 1, Condition: db.NewJSON(map[string]any{"source_channel": "email"})},
	}}
	e := New(store)

	d, err := e.Evaluate(context.Background(), Attributes{"source_channel": "email"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ActionMetadataOnly, d.Action)
	assert.Equal(t, "r2", d.MatchedRule)
}

func TestEvaluate_NoMatchReturnsNilDecision(t *testing.T) {
	store := &fakeStore{rules: []db.TriageRuleRow{
		{ID: "r1", Action: "skip", Condition: db.NewJSON(map[string]any{"source_channel": "spam"})},
	}}
	e := New(store)

	d, err := e.Evaluate(context.Background(), Attributes{"source_channel": "api"})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestEvaluate_RouteToExtractsForcedTarget(t *testing.T) {
	store := &fakeStore{rules: []db.TriageRuleRow{
		{ID: "r1", Action: "route_to:mail", Condition: db.NewJSON(map[string]any{"source_channel": "email"})},
	}}
	e := New(store)

	d, err := e.Evaluate(context.Background(), Attributes{"source_channel": "email"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "mail", d.ForcedTarget)
}

func TestEvaluate_EmptyConditionMatchesEverything(t *testing.T) {
	store := &fakeStore{rules: []db.TriageRuleRow{
		{ID: "catch-all", Action: "pass_through", Condition: db.NewJSON(map[string]any{})},
	}}
	e := New(store)

	d, err := e.Evaluate(context.Background(), Attributes{"source_channel": "anything"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ActionPassThrough, d.Action)
}
