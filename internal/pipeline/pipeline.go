// Package pipeline implements the Message Pipeline (spec §4.8): history
// hydration, LLM classification, route.execute fan-out, a concurrent
// extraction pass, outbound recording, and Telegram reaction emission.
// Modeled on tarsy's agent/orchestrator fan-out/collector shape
// (pkg/agent/orchestrator/collector.go) for the classify+extract
// parallelism.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/butlerfleet/internal/buffer"
	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/extract"
	"github.com/codeready-toolchain/butlerfleet/internal/routeinbox"
)

// MessageRef is the reference the Durable Buffer hands to Process; a type
// alias onto buffer.MessageRef so *Pipeline.Process satisfies
// buffer.ProcessFunc directly.
type MessageRef = buffer.MessageRef

// Confidence is one of the three extraction confidence levels named in
// spec §4.8.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

var confidenceRank = map[Confidence]int{
	ConfidenceLow:    0,
	ConfidenceMedium: 1,
	ConfidenceHigh:   2,
}

// atLeast reports whether c meets or exceeds min. An unrecognized
// confidence value ranks below every named level.
func (c Confidence) atLeast(min Confidence) bool {
	return confidenceRank[c] >= confidenceRank[min]
}

// ClassificationTarget is one entry of the classifier's
// [{butler, prompt}, …] result; the first entry is authoritative.
type ClassificationTarget struct {
	Butler string
	Prompt string
}

// Extraction is a single parsed extraction from the concurrent extraction pass.
type Extraction struct {
	Type         string
	Confidence   Confidence
	ToolName     string
	ToolArgs     map[string]any
	TargetButler string
}

// HistoryStore hydrates thread-scoped conversation history and records
// outbound replies; *db.MessageInboxRepo satisfies it in production.
type HistoryStore interface {
	HistoryByThread(ctx context.Context, threadIdentity string, since time.Time, limit int) ([]db.MessageInboxRow, error)
	InsertOrGetExisting(ctx context.Context, row db.MessageInboxRow) (id string, duplicate bool, err error)
	Get(ctx context.Context, id string) (*db.MessageInboxRow, error)
}

// Classifier runs the primary classification LLM pass.
type Classifier interface {
	Classify(ctx context.Context, history []db.MessageInboxRow, normalizedText string) ([]ClassificationTarget, error)
}

// Extractor runs the concurrent extraction LLM pass against the unified
// ExtractorSchema set.
type Extractor interface {
	Extract(ctx context.Context, history []db.MessageInboxRow, normalizedText string, schemas []extract.Schema) ([]Extraction, error)
}

// Router dispatches to a target butler; *routeinbox.Inbox satisfies it in production.
type Router interface {
	Accept(ctx context.Context, req routeinbox.AcceptRequest) (routeinbox.AcceptResult, error)
}

// Reaction is one of the three lifecycle reactions named in spec §4.8.
type Reaction string

const (
	ReactionAccepted Reaction = "👀"
	ReactionSuccess  Reaction = "✅"
	ReactionFailure  Reaction = "👾"
)

// ReactionEmitter emits Telegram lifecycle reactions on the composite
// chat_id:message_id thread id. internal/notify's Telegram client satisfies
// it in production.
type ReactionEmitter interface {
	EmitReaction(ctx context.Context, chatID, messageID string, reaction Reaction) error
}

// Config configures history hydration's window and the extraction
// confidence threshold for auto-dispatch.
type Config struct {
	HistoryWindow             time.Duration `yaml:"history_window"`
	HistoryCountFloor         int           `yaml:"history_count_floor"`
	AutoDispatchMinConfidence Confidence    `yaml:"auto_dispatch_min_confidence"`
	Extractors                *extract.Registry `yaml:"-"`
}

// DefaultConfig matches spec §4.8's example window/count.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:             15 * time.Minute,
		HistoryCountFloor:         30,
		AutoDispatchMinConfidence: ConfidenceHigh,
	}
}

// Pipeline implements Process, the single entry point the Durable Buffer's
// workers invoke for each accepted Tier 1 message.
type Pipeline struct {
	history    HistoryStore
	classifier Classifier
	extractor  Extractor
	router     Router
	reactions  ReactionEmitter
	cfg        Config
	logger     *slog.Logger
}

// New constructs a Pipeline. reactions may be nil (no Telegram integration configured).
func New(history HistoryStore, classifier Classifier, extractor Extractor, router Router, reactions ReactionEmitter, cfg Config) *Pipeline {
	return &Pipeline{history: history, classifier: classifier, extractor: extractor, router: router, reactions: reactions, cfg: cfg, logger: slog.Default()}
}

// Process runs the full pipeline for one inbound message, satisfying
// buffer.ProcessFunc.
func (p *Pipeline) Process(ctx context.Context, ref MessageRef) error {
	row, err := p.history.Get(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("load message_inbox row: %w", err)
	}

	threadID := row.SourceThreadIdentity.String
	chatID, messageID, isTelegram := parseTelegramThread(row, threadID)
	if isTelegram {
		p.emitReaction(ctx, chatID, messageID, ReactionAccepted)
	}

	history, err := p.hydrateHistory(ctx, threadID)
	if err != nil {
		return fmt.Errorf("hydrate history: %w", err)
	}

	normalizedText := row.NormalizedText.String

	var classifyTargets []ClassificationTarget
	var extractions []Extraction
	var classifyErr, extractErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		classifyTargets, classifyErr = p.classifier.Classify(ctx, history, normalizedText)
	}()
	go func() {
		defer wg.Done()
		extractions, extractErr = p.extractor.Extract(ctx, history, normalizedText, p.schemas())
	}()
	wg.Wait()

	if classifyErr != nil {
		if isTelegram {
			p.emitReaction(ctx, chatID, messageID, ReactionFailure)
		}
		return fmt.Errorf("classify: %w", classifyErr)
	}
	if extractErr != nil {
		p.logger.Error("pipeline: extraction pass failed, continuing with classification only", "message_id", ref.ID, "error", extractErr)
	}

	reqCtx := db.RequestContext{
		SourceChannel:          row.SourceChannel,
		SourceEndpointIdentity: row.SourceEndpointIdentity.String,
		SourceSenderIdentity:   row.SourceSenderIdentity.String,
		SourceThreadIdentity:   threadID,
	}

	acked := 0
	for i, target := range classifyTargets {
		if _, err := p.router.Accept(ctx, routeinbox.AcceptRequest{
			TargetButler:   target.Butler,
			SourceButler:   "switchboard",
			ToolName:       "route.execute",
			Args:           map[string]any{"prompt": target.Prompt},
			RequestContext: reqCtx,
		}); err != nil {
			p.logger.Error("pipeline: route.execute failed", "message_id", ref.ID, "target_butler", target.Butler, "primary", i == 0, "error", err)
			continue
		}
		acked++
	}

	for _, extraction := range extractions {
		if !extraction.Confidence.atLeast(p.cfg.AutoDispatchMinConfidence) {
			continue
		}
		if _, err := p.router.Accept(ctx, routeinbox.AcceptRequest{
			TargetButler:   extraction.TargetButler,
			SourceButler:   "switchboard",
			ToolName:       extraction.ToolName,
			Args:           extraction.ToolArgs,
			RequestContext: reqCtx,
		}); err != nil {
			p.logger.Error("pipeline: extraction auto-dispatch failed", "message_id", ref.ID, "type", extraction.Type, "error", err)
		}
	}

	if isTelegram {
		if acked > 0 {
			p.emitReaction(ctx, chatID, messageID, ReactionSuccess)
		} else {
			p.emitReaction(ctx, chatID, messageID, ReactionFailure)
		}
	}

	return nil
}

// RecordOutbound writes an outbound message_inbox row when a butler
// replies, mirroring the inbound request_context plus the replying
// butler's identity (spec §4.8 point 5).
func (p *Pipeline) RecordOutbound(ctx context.Context, inbound db.RequestContext, butlerName, text string) error {
	_, _, err := p.history.InsertOrGetExisting(ctx, db.MessageInboxRow{
		ReceivedAt:           time.Now(),
		SourceChannel:        inbound.SourceChannel,
		SourceThreadIdentity: sql.NullString{String: inbound.SourceThreadIdentity, Valid: inbound.SourceThreadIdentity != ""},
		SourceSenderIdentity: sql.NullString{String: butlerName, Valid: butlerName != ""},
		IngestionTier:        "full",
		NormalizedText:       sql.NullString{String: text, Valid: text != ""},
		Direction:            "outbound",
		LifecycleState:       "accepted",
		SchemaVersion:        "ingest.v1",
	})
	if err != nil {
		return fmt.Errorf("record outbound message: %w", err)
	}
	return nil
}

func (p *Pipeline) schemas() []extract.Schema {
	if p.cfg.Extractors == nil {
		return nil
	}
	return p.cfg.Extractors.Schemas()
}

func (p *Pipeline) hydrateHistory(ctx context.Context, threadID string) ([]db.MessageInboxRow, error) {
	if threadID == "" {
		return nil, nil
	}
	since := time.Now().Add(-p.cfg.HistoryWindow)
	byTime, err := p.history.HistoryByThread(ctx, threadID, since, p.cfg.HistoryCountFloor*4)
	if err != nil {
		return nil, err
	}
	if len(byTime) >= p.cfg.HistoryCountFloor {
		return byTime, nil
	}
	// Time window admitted fewer than the count floor: widen to "since the
	// beginning of time" bounded by the count, taking whichever window
	// admits more per spec §4.8's "time window OR count, whichever admits more".
	return p.history.HistoryByThread(ctx, threadID, time.Time{}, p.cfg.HistoryCountFloor)
}

func (p *Pipeline) emitReaction(ctx context.Context, chatID, messageID string, reaction Reaction) {
	if p.reactions == nil {
		return
	}
	if err := p.reactions.EmitReaction(ctx, chatID, messageID, reaction); err != nil {
		p.logger.Error("pipeline: failed to emit telegram reaction", "chat_id", chatID, "message_id", messageID, "reaction", reaction, "error", err)
	}
}

// parseTelegramThread splits Telegram's composite chat_id:message_id thread
// identity, per spec §4.8's reaction step.
func parseTelegramThread(row *db.MessageInboxRow, threadID string) (chatID, messageID string, isTelegram bool) {
	if row.SourceChannel != "telegram" || threadID == "" {
		return "", "", false
	}
	parts := strings.SplitN(threadID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
