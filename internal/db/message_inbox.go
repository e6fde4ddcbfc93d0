package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// MessageInboxRow is the message_inbox table's row shape. Tier 2 (metadata)
// rows carry raw_payload with payload.raw=null and normalized_text subject-like,
// per spec §6.1.
type MessageInboxRow struct {
	ID                     string               `db:"id"`
	ReceivedAt             time.Time            `db:"received_at"`
	SourceChannel          string               `db:"source_channel"`
	SourceEndpointIdentity sql.NullString        `db:"source_endpoint_identity"`
	SourceSenderIdentity   sql.NullString        `db:"source_sender_identity"`
	SourceThreadIdentity   sql.NullString        `db:"source_thread_identity"`
	RequestID              sql.NullString        `db:"request_id"`
	DedupeKey              sql.NullString        `db:"dedupe_key"`
	IngestionTier          string               `db:"ingestion_tier"`
	RawPayload             JSON[map[string]any] `db:"raw_payload"`
	NormalizedText         sql.NullString        `db:"normalized_text"`
	Direction              string               `db:"direction"`
	LifecycleState         string               `db:"lifecycle_state"`
	FinalStateAt           sql.NullTime          `db:"final_state_at"`
	SchemaVersion          string               `db:"schema_version"`
	Attachments            JSON[[]map[string]any] `db:"attachments"`
	ProcessingMetadata     JSON[map[string]any] `db:"processing_metadata"`
}

// MessageInboxRepo is the sqlx-backed store over message_inbox.
type MessageInboxRepo struct {
	db *sqlx.DB
}

// NewMessageInboxRepo constructs a MessageInboxRepo.
func NewMessageInboxRepo(c *Client) *MessageInboxRepo {
	return &MessageInboxRepo{db: c.DB}
}

// InsertOrGetExisting inserts a new row, or — when a row with the same
// dedupeKey already exists in any month — returns the most recent such row's
// id and duplicate=true without writing a second row. This implements spec
// §6.1's "a second arrival returns duplicate: true without re-enqueuing"
// contract with a lookup by dedupe_key followed by a plain INSERT, since the
// partial unique index is scoped to (dedupe_key, received_at) rather than a
// single key.
func (r *MessageInboxRepo) InsertOrGetExisting(ctx context.Context, row MessageInboxRow) (id string, duplicate bool, err error) {
	if err := r.ensurePartition(ctx, row.ReceivedAt); err != nil {
		return "", false, fmt.Errorf("ensure partition: %w", err)
	}

	if row.DedupeKey.Valid {
		var existingID string
		err := r.db.GetContext(ctx, &existingID, `
			SELECT id::text FROM message_inbox
			WHERE dedupe_key = $1
			ORDER BY received_at DESC
			LIMIT 1`, row.DedupeKey.String)
		if err == nil {
			return existingID, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("dedupe lookup: %w", err)
		}
	}

	var newID string
	err = r.db.GetContext(ctx, &newID, `
		INSERT INTO message_inbox (
			received_at, source_channel, source_endpoint_identity, source_sender_identity,
			source_thread_identity, request_id, dedupe_key, ingestion_tier, raw_payload,
			normalized_text, direction, lifecycle_state, schema_version, attachments, processing_metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id::text`,
		row.ReceivedAt, row.SourceChannel, row.SourceEndpointIdentity, row.SourceSenderIdentity,
		row.SourceThreadIdentity, row.RequestID, row.DedupeKey, row.IngestionTier, row.RawPayload,
		row.NormalizedText, row.Direction, row.LifecycleState, row.SchemaVersion, row.Attachments, row.ProcessingMetadata)
	if err != nil {
		return "", false, fmt.Errorf("insert message_inbox row: %w", err)
	}
	return newID, false, nil
}

// ensurePartition calls the ensure_partition(parent, reference_ts) function
// created by the schema migration so the insert above never hits a missing
// partition, even on the first message of a new month.
func (r *MessageInboxRepo) ensurePartition(ctx context.Context, referenceTS time.Time) error {
	_, err := r.db.ExecContext(ctx, `SELECT ensure_partition('message_inbox', $1)`, referenceTS)
	return err
}

// MarkFinalState transitions a row's lifecycle_state and stamps final_state_at.
func (r *MessageInboxRepo) MarkFinalState(ctx context.Context, id, state string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_inbox SET lifecycle_state = $2, final_state_at = now() WHERE id = $1::uuid`,
		id, state)
	if err != nil {
		return fmt.Errorf("mark final state: %w", err)
	}
	return nil
}

// Get reads a single row by id.
func (r *MessageInboxRepo) Get(ctx context.Context, id string) (*MessageInboxRow, error) {
	var row MessageInboxRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id::text, received_at, source_channel, source_endpoint_identity, source_sender_identity,
		       source_thread_identity, request_id, dedupe_key, ingestion_tier, raw_payload,
		       normalized_text, direction, lifecycle_state, final_state_at, schema_version,
		       attachments, processing_metadata
		FROM message_inbox WHERE id = $1::uuid`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message_inbox row: %w", err)
	}
	return &row, nil
}

// HistoryByThread hydrates the most recent rows for a thread, bounded by
// both a time window and a count ceiling, per the pipeline's history
// hydration step (spec §4.8 / SPEC_FULL.md §4.8).
func (r *MessageInboxRepo) HistoryByThread(ctx context.Context, threadIdentity string, since time.Time, limit int) ([]MessageInboxRow, error) {
	var rows []MessageInboxRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, received_at, source_channel, source_endpoint_identity, source_sender_identity,
		       source_thread_identity, request_id, dedupe_key, ingestion_tier, raw_payload,
		       normalized_text, direction, lifecycle_state, final_state_at, schema_version,
		       attachments, processing_metadata
		FROM message_inbox
		WHERE source_thread_identity = $1 AND received_at >= $2
		ORDER BY received_at DESC
		LIMIT $3`, threadIdentity, since, limit)
	if err != nil {
		return nil, fmt.Errorf("history by thread: %w", err)
	}
	return rows, nil
}

// ListEmptyTextOlderThan finds accepted rows with empty normalized_text
// older than cutoff, oldest first, used by the buffer's cold-path scanner
// (buffer.MessageInboxScanner) to mark them errored (spec §4's bullet
// "For each row with empty normalized_text: transition to errored").
func (r *MessageInboxRepo) ListEmptyTextOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]MessageInboxRow, error) {
	var rows []MessageInboxRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, received_at, source_channel, source_endpoint_identity, source_sender_identity,
		       source_thread_identity, request_id, dedupe_key, ingestion_tier, raw_payload,
		       normalized_text, direction, lifecycle_state, final_state_at, schema_version,
		       attachments, processing_metadata
		FROM message_inbox
		WHERE lifecycle_state = 'accepted' AND (normalized_text IS NULL OR normalized_text = '') AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list empty text rows: %w", err)
	}
	return rows, nil
}

// ListAcceptedWithTextOlderThan finds accepted rows with routable
// normalized_text older than cutoff, the buffer scanner's cold-path
// re-enqueue candidates (spec §4.7's scanner sweep).
func (r *MessageInboxRepo) ListAcceptedWithTextOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]MessageInboxRow, error) {
	var rows []MessageInboxRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id::text, received_at, source_channel, source_endpoint_identity, source_sender_identity,
		       source_thread_identity, request_id, dedupe_key, ingestion_tier, raw_payload,
		       normalized_text, direction, lifecycle_state, final_state_at, schema_version,
		       attachments, processing_metadata
		FROM message_inbox
		WHERE lifecycle_state = 'accepted' AND normalized_text IS NOT NULL AND normalized_text != '' AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list accepted rows with text: %w", err)
	}
	return rows, nil
}
