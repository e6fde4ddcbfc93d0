package pipeline

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/extract"
	"github.com/codeready-toolchain/butlerfleet/internal/llmsession"
)

func TestLLMClassifier_ParsesTargets(t *testing.T) {
	runtime := &llmsession.FakeRuntime{
		Response: llmsession.Response{FinalText: `[{"butler": "ops", "prompt": "investigate"}]`},
	}
	c := NewLLMClassifier(runtime)

	targets, err := c.Classify(context.Background(), nil, "pod crashing")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "ops", targets[0].Butler)
	assert.Equal(t, "investigate", targets[0].Prompt)
}

func TestLLMClassifier_StripsJSONFence(t *testing.T) {
	runtime := &llmsession.FakeRuntime{
		Response: llmsession.Response{FinalText: "```json\n[{\"butler\": \"ops\", \"prompt\": \"x\"}]\n```"},
	}
	c := NewLLMClassifier(runtime)

	targets, err := c.Classify(context.Background(), nil, "x")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "ops", targets[0].Butler)
}

func TestLLMClassifier_EmptyResponseIsEmptyArray(t *testing.T) {
	runtime := &llmsession.FakeRuntime{Response: llmsession.Response{FinalText: "   "}}
	c := NewLLMClassifier(runtime)

	targets, err := c.Classify(context.Background(), nil, "x")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestLLMClassifier_PropagatesRuntimeError(t *testing.T) {
	runtime := &llmsession.FakeRuntime{Err: assert.AnError}
	c := NewLLMClassifier(runtime)

	_, err := c.Classify(context.Background(), nil, "x")
	assert.Error(t, err)
}

func TestLLMExtractor_ParsesExtractions(t *testing.T) {
	runtime := &llmsession.FakeRuntime{
		Response: llmsession.Response{FinalText: `[{"type": "incident", "confidence": "HIGH", "tool_name": "page_oncall", "tool_args": {"severity": "sev1"}, "target_butler": "ops"}]`},
	}
	e := NewLLMExtractor(runtime)
	schemas := []extract.Schema{{Name: "incident", Description: "an incident report", ToolName: "page_oncall", TargetButler: "ops"}}

	extractions, err := e.Extract(context.Background(), nil, "prod is down", schemas)
	require.NoError(t, err)
	require.Len(t, extractions, 1)
	assert.Equal(t, "incident", extractions[0].Type)
	assert.Equal(t, "ops", extractions[0].TargetButler)
}

func TestLLMExtractor_EmptyResponseIsEmptyArray(t *testing.T) {
	runtime := &llmsession.FakeRuntime{Response: llmsession.Response{FinalText: "[]"}}
	e := NewLLMExtractor(runtime)

	extractions, err := e.Extract(context.Background(), nil, "x", nil)
	require.NoError(t, err)
	assert.Empty(t, extractions)
}

func TestRenderHistory_SkipsEmptyNormalizedText(t *testing.T) {
	history := []db.MessageInboxRow{
		{SourceChannel: "slack", NormalizedText: sql.NullString{String: "hello", Valid: true}},
		{SourceChannel: "slack"},
	}
	rendered := renderHistory(history)
	assert.Equal(t, "slack: hello\n", rendered)
}
