package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
	"github.com/codeready-toolchain/butlerfleet/internal/triage"
)

type fakeStore struct {
	rows      []db.MessageInboxRow
	dedupeIdx map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{dedupeIdx: make(map[string]string)}
}

func (f *fakeStore) InsertOrGetExisting(ctx context.Context, row db.MessageInboxRow) (string, bool, error) {
	if row.DedupeKey.Valid {
		if id, ok := f.dedupeIdx[row.DedupeKey.String]; ok {
			return id, true, nil
		}
	}
	id := "row-" + time.Now().Format("150405.000000000")
	row.ID = id
	f.rows = append(f.rows, row)
	if row.DedupeKey.Valid {
		f.dedupeIdx[row.DedupeKey.String] = id
	}
	return id, false, nil
}

type fakeBuffer struct {
	enqueued []MessageRef
}

func (f *fakeBuffer) Enqueue(ref MessageRef) bool {
	f.enqueued = append(f.enqueued, ref)
	return true
}

type fakeTriage struct {
	decision *triage.Decision
}

func (f *fakeTriage) Evaluate(ctx context.Context, attrs triage.Attributes) (*triage.Decision, error) {
	return f.decision, nil
}

func validEnvelope() Envelope {
	return Envelope{
		SchemaVersion: "ingest.v1",
		Source:        Source{Channel: "api"},
		Event:         Event{ExternalEventID: "evt-1", ObservedAt: time.Now()},
		Sender:        Sender{Identity: "user-1"},
		Payload:       Payload{NormalizedText: "hello"},
	}
}

func TestIngest_Tier1EnqueuesToBuffer(t *testing.T) {
	store := newFakeStore()
	buf := &fakeBuffer{}
	svc := New(store, buf, &fakeTriage{})

	res, err := svc.Ingest(context.Background(), validEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)
	assert.False(t, res.Duplicate)
	require.Len(t, buf.enqueued, 1)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "accepted", store.rows[0].LifecycleState)
}

func TestIngest_Tier2MetadataDoesNotEnqueue(t *testing.T) {
	store := newFakeStore()
	buf := &fakeBuffer{}
	svc := New(store, buf, &fakeTriage{})

	env := validEnvelope()
	env.Control = &Control{IngestionTier: "metadata"}
	env.Payload.Raw = nil

	res, err := svc.Ingest(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)
	assert.Empty(t, buf.enqueued)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "metadata_ref", store.rows[0].LifecycleState)
}

func TestIngest_DuplicateDedupeKeyDoesNotReEnqueue(t *testing.T) {
	store := newFakeStore()
	buf := &fakeBuffer{}
	svc := New(store, buf, &fakeTriage{})

	env := validEnvelope()
	env.Control = &Control{IdempotencyKey: "idem-1"}

	first, err := svc.Ingest(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	env2 := validEnvelope()
	env2.Event.ExternalEventID = "evt-2"
	env2.Control = &Control{IdempotencyKey: "idem-1"}

	second, err := svc.Ingest(context.Background(), env2)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Len(t, buf.enqueued, 1, "duplicate must not be re-enqueued")
}

func TestIngest_TriageSkipRejectsWithoutWritingRow(t *testing.T) {
	store := newFakeStore()
	buf := &fakeBuffer{}
	svc := New(store, buf, &fakeTriage{decision: &triage.Decision{Action: triage.ActionSkip}})

	res, err := svc.Ingest(context.Background(), validEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "rejected", res.Status)
	assert.Equal(t, "triage_skip", res.Reason)
	assert.Empty(t, store.rows)
	assert.Empty(t, buf.enqueued)
}

func TestIngest_TriageMetadataOnlyForcesTier(t *testing.T) {
	store := newFakeStore()
	buf := &fakeBuffer{}
	svc := New(store, buf, &fakeTriage{decision: &triage.Decision{Action: triage.ActionMetadataOnly}})

	_, err := svc.Ingest(context.Background(), validEnvelope())
	require.NoError(t, err)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "metadata_ref", store.rows[0].LifecycleState)
	assert.Empty(t, buf.enqueued)
}

func TestIngest_TriageRouteToAnnotatesForcedTarget(t *testing.T) {
	store := newFakeStore()
	buf := &fakeBuffer{}
	svc := New(store, buf, &fakeTriage{decision: &triage.Decision{Action: "route_to:mail", ForcedTarget: "mail"}})

	_, err := svc.Ingest(context.Background(), validEnvelope())
	require.NoError(t, err)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "mail", store.rows[0].ProcessingMetadata.Value["forced_target"])
}

func TestIngest_InvalidEnvelopeReturnsValidationError(t *testing.T) {
	store := newFakeStore()
	buf := &fakeBuffer{}
	svc := New(store, buf, &fakeTriage{})

	env := validEnvelope()
	env.Source.Channel = "not-a-real-channel"

	_, err := svc.Ingest(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, errtax.ClassValidation, errtax.ClassOf(err))
}

func TestIngest_BackwardCompatibleEnvelopeDefaultsToFullTier(t *testing.T) {
	env := validEnvelope()
	assert.Equal(t, "full", env.IngestionTier())
}
