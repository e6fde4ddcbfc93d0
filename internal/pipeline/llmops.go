package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/extract"
	"github.com/codeready-toolchain/butlerfleet/internal/llmsession"
)

// classifierSystemPrompt is the classification pass's system prompt (spec
// §4.8 point 2): decide which butler(s) should receive the message.
const classifierSystemPrompt = `You are the classification pass of a fleet message pipeline. Given the conversation history and the newest message, decide which butler(s) should handle it.

Respond with a JSON array of objects shaped:
[{"butler": "<butler name>", "prompt": "<what that butler should do>"}]

The first entry is authoritative; later entries are routed as additional fan-out targets. Respond with JSON only, no prose.`

// extractorSystemTemplate is the extraction pass's system prompt (spec §4.8
// point 4). %s is the rendered registered extraction shapes.
const extractorSystemTemplate = `You are the extraction pass of a fleet message pipeline, running concurrently with classification. Given the registered extraction shapes below and the newest message, return every structured intent you find.

Registered extraction shapes:
%s

Respond with a JSON array of objects shaped:
[{"type": "<shape name>", "confidence": "HIGH|MEDIUM|LOW", "tool_name": "<tool>", "tool_args": {...}, "target_butler": "<butler>"}]

Return an empty array if nothing matches. Respond with JSON only, no prose.`

// LLMClassifier implements Classifier over an llmsession.Runtime: the only
// concrete classification pass this repository ships, since the real model
// adapter behind Runtime is out of scope (see internal/llmsession).
type LLMClassifier struct {
	runtime llmsession.Runtime
}

// NewLLMClassifier constructs an LLMClassifier.
func NewLLMClassifier(runtime llmsession.Runtime) *LLMClassifier {
	return &LLMClassifier{runtime: runtime}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, history []db.MessageInboxRow, normalizedText string) ([]ClassificationTarget, error) {
	resp, err := c.runtime.Run(ctx, llmsession.Request{
		SystemPrompt: classifierSystemPrompt,
		Context:      renderHistory(history),
		Prompt:       normalizedText,
	})
	if err != nil {
		return nil, fmt.Errorf("classification pass: %w", err)
	}

	var targets []ClassificationTarget
	if err := json.Unmarshal([]byte(stripJSONFence(resp.FinalText)), &targets); err != nil {
		return nil, fmt.Errorf("parse classification response: %w", err)
	}
	return targets, nil
}

// LLMExtractor implements Extractor over an llmsession.Runtime, folding the
// registered ExtractorSchema set into the system prompt on every call.
type LLMExtractor struct {
	runtime llmsession.Runtime
}

// NewLLMExtractor constructs an LLMExtractor.
func NewLLMExtractor(runtime llmsession.Runtime) *LLMExtractor {
	return &LLMExtractor{runtime: runtime}
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, history []db.MessageInboxRow, normalizedText string, schemas []extract.Schema) ([]Extraction, error) {
	resp, err := e.runtime.Run(ctx, llmsession.Request{
		SystemPrompt: fmt.Sprintf(extractorSystemTemplate, renderSchemas(schemas)),
		Context:      renderHistory(history),
		Prompt:       normalizedText,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction pass: %w", err)
	}

	var extractions []Extraction
	if err := json.Unmarshal([]byte(stripJSONFence(resp.FinalText)), &extractions); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	return extractions, nil
}

func renderHistory(history []db.MessageInboxRow) string {
	var b strings.Builder
	for _, row := range history {
		if !row.NormalizedText.Valid || row.NormalizedText.String == "" {
			continue
		}
		b.WriteString(row.SourceChannel)
		b.WriteString(": ")
		b.WriteString(row.NormalizedText.String)
		b.WriteString("\n")
	}
	return b.String()
}

func renderSchemas(schemas []extract.Schema) string {
	var b strings.Builder
	for _, s := range schemas {
		fmt.Fprintf(&b, "- %s (tool %q, target %q): %s\n", s.Name, s.ToolName, s.TargetButler, s.Description)
	}
	return b.String()
}

// stripJSONFence trims a ```json ... ``` fence if the model wrapped its
// response in one. Empty responses parse as an empty array rather than
// failing, since "nothing matched" is a valid terminal outcome for both passes.
func stripJSONFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if trimmed == "" {
		return "[]"
	}
	return trimmed
}
