// Package ingest implements the Ingestion Pipeline (spec §4.6): validates
// the versioned ingest.v1 envelope, runs the triage hook, branches on
// ingestion tier, and writes a dedupe-aware message_inbox row.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/codeready-toolchain/butlerfleet/internal/buffer"
	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
	"github.com/codeready-toolchain/butlerfleet/internal/obsv"
	"github.com/codeready-toolchain/butlerfleet/internal/triage"
)

// Source is the envelope's source block.
type Source struct {
	Channel          string `json:"channel" validate:"required,oneof=telegram email api mcp scheduler system"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

// Event is the envelope's event block.
type Event struct {
	ExternalEventID  string    `json:"external_event_id" validate:"required"`
	ExternalThreadID *string   `json:"external_thread_id"`
	ObservedAt       time.Time `json:"observed_at" validate:"required"`
}

// Sender is the envelope's sender block.
type Sender struct {
	Identity string `json:"identity"`
}

// Payload is the envelope's payload block. Raw may be nil for Tier 2.
type Payload struct {
	Raw            map[string]any `json:"raw"`
	NormalizedText string         `json:"normalized_text"`
}

// Control is the envelope's control block; all fields are optional and
// backward-compatible envelopes omit it entirely, defaulting to full tier.
type Control struct {
	IdempotencyKey string `json:"idempotency_key"`
	IngestionTier  string `json:"ingestion_tier" validate:"omitempty,oneof=full metadata"`
	PolicyTier     string `json:"policy_tier"`
}

// Envelope is the ingest.v1 wire format from spec §6.1.
type Envelope struct {
	SchemaVersion string  `json:"schema_version" validate:"required"`
	Source        Source  `json:"source" validate:"required"`
	Event         Event   `json:"event" validate:"required"`
	Sender        Sender  `json:"sender"`
	Payload       Payload `json:"payload" validate:"required"`
	Control       *Control `json:"control"`
}

// IngestionTier resolves the envelope's effective tier, defaulting to full
// per spec §4.6's backward-compatibility rule.
func (e Envelope) IngestionTier() string {
	if e.Control == nil || e.Control.IngestionTier == "" {
		return "full"
	}
	return e.Control.IngestionTier
}

// DedupeKey resolves the envelope's effective dedupe key, empty when no
// idempotency_key was supplied.
func (e Envelope) DedupeKey() string {
	if e.Control == nil {
		return ""
	}
	return e.Control.IdempotencyKey
}

// Result is the ingest API's response body, per spec §6.1.
type Result struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Store is the persistence seam Service depends on;
// *db.MessageInboxRepo satisfies it in production.
type Store interface {
	InsertOrGetExisting(ctx context.Context, row db.MessageInboxRow) (id string, duplicate bool, err error)
}

// Buffer is the hot-path enqueue seam Service depends on for Tier 1 rows;
// *buffer.Buffer satisfies it in production.
type Buffer interface {
	Enqueue(ref buffer.MessageRef) bool
}

// MessageRef is an alias for the reference type the buffer/pipeline share,
// so ingest can construct one without every caller importing internal/buffer
// directly.
type MessageRef = buffer.MessageRef

// Evaluator is the triage seam Service depends on;
// *triage.Evaluator satisfies it in production.
type Evaluator interface {
	Evaluate(ctx context.Context, attrs triage.Attributes) (*triage.Decision, error)
}

var validate = validator.New()

// Service implements the ingest API's core logic.
type Service struct {
	store  Store
	buffer Buffer
	triage Evaluator
}

// New constructs a Service.
func New(store Store, buffer Buffer, triage Evaluator) *Service {
	return &Service{store: store, buffer: buffer, triage: triage}
}

// Ingest validates env, runs the triage hook, and writes a message_inbox
// row, enqueueing Tier 1 rows into the buffer. Tier 2 rows and triage-skipped
// requests never reach the buffer.
func (s *Service) Ingest(ctx context.Context, env Envelope) (Result, error) {
	ctx, _, span := obsv.StartSpan(ctx, "ingest.message")
	defer span.End()

	if err := validate.Struct(env); err != nil {
		return Result{}, errtax.Validation("invalid ingest envelope: %v", err)
	}

	attrs := triage.Attributes{
		"source_channel":   env.Source.Channel,
		"source_provider":  env.Source.Provider,
		"sender_identity":  env.Sender.Identity,
	}
	decision, err := s.triage.Evaluate(ctx, attrs)
	if err != nil {
		return Result{}, fmt.Errorf("triage evaluation: %w", err)
	}

	tier := env.IngestionTier()
	processingMetadata := map[string]any{}

	if decision != nil {
		switch {
		case decision.Action == triage.ActionSkip:
			return Result{Status: "rejected", Reason: "triage_skip"}, nil
		case decision.Action == triage.ActionMetadataOnly:
			tier = "metadata"
		case decision.Action == triage.ActionLowPriorityQueue:
			processingMetadata["priority"] = "low"
		case strings.HasPrefix(string(decision.Action), triage.ActionRouteToPrefix):
			processingMetadata["forced_target"] = decision.ForcedTarget
		}
	}

	lifecycleState := "accepted"
	normalizedText := env.Payload.NormalizedText
	rawPayload := map[string]any{"payload": map[string]any{"raw": env.Payload.Raw}}

	if tier == "metadata" {
		lifecycleState = "metadata_ref"
		rawPayload = map[string]any{"payload": map[string]any{"raw": nil}}
	}

	var threadID *string
	if env.Event.ExternalThreadID != nil {
		threadID = env.Event.ExternalThreadID
	}

	row := db.MessageInboxRow{
		ReceivedAt:             env.Event.ObservedAt,
		SourceChannel:          env.Source.Channel,
		SourceEndpointIdentity: nullString(env.Source.EndpointIdentity),
		SourceSenderIdentity:   nullString(env.Sender.Identity),
		SourceThreadIdentity:   nullStringPtr(threadID),
		RequestID:              nullString(env.Event.ExternalEventID),
		DedupeKey:              nullString(env.DedupeKey()),
		IngestionTier:          tier,
		RawPayload:             db.NewJSON(rawPayload),
		NormalizedText:         nullString(normalizedText),
		Direction:              "inbound",
		LifecycleState:         lifecycleState,
		SchemaVersion:          env.SchemaVersion,
		ProcessingMetadata:     db.NewJSON(processingMetadata),
	}

	id, duplicate, err := s.store.InsertOrGetExisting(ctx, row)
	if err != nil {
		return Result{}, fmt.Errorf("insert message_inbox row: %w", err)
	}

	if !duplicate && tier == "full" {
		s.buffer.Enqueue(MessageRef{ID: id, ReceivedAt: row.ReceivedAt, SourceThreadID: threadIDOrEmpty(threadID)})
	}

	return Result{Status: "accepted", RequestID: id, Duplicate: duplicate}, nil
}

func threadIDOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return nullString(*p)
}
