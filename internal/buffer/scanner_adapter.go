package buffer

import (
	"context"
	"time"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

// messageInboxStore is the narrow slice of db.MessageInboxRepo the cold-path
// scanner needs.
type messageInboxStore interface {
	ListAcceptedWithTextOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]db.MessageInboxRow, error)
	ListEmptyTextOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]db.MessageInboxRow, error)
	MarkFinalState(ctx context.Context, id, state string) error
}

// MessageInboxScanner adapts a db.MessageInboxRepo to the Scanner seam.
type MessageInboxScanner struct {
	store messageInboxStore
}

// NewMessageInboxScanner constructs a MessageInboxScanner.
func NewMessageInboxScanner(store messageInboxStore) *MessageInboxScanner {
	return &MessageInboxScanner{store: store}
}

// ScanRecoverable implements Scanner.
func (a *MessageInboxScanner) ScanRecoverable(ctx context.Context, olderThan time.Time, limit int) ([]MessageRef, []MessageRef, error) {
	withText, err := a.store.ListAcceptedWithTextOlderThan(ctx, olderThan, limit)
	if err != nil {
		return nil, nil, err
	}
	emptyText, err := a.store.ListEmptyTextOlderThan(ctx, olderThan, limit)
	if err != nil {
		return nil, nil, err
	}
	// Both lists are oldest first; drop the newest rows until at most limit
	// remain across the two.
	for limit >= 0 && len(withText)+len(emptyText) > limit {
		lastWith, lastEmpty := len(withText)-1, len(emptyText)-1
		if lastEmpty < 0 || (lastWith >= 0 && withText[lastWith].ReceivedAt.After(emptyText[lastEmpty].ReceivedAt)) {
			withText = withText[:lastWith]
		} else {
			emptyText = emptyText[:lastEmpty]
		}
	}
	return toRefs(withText), toRefs(emptyText), nil
}

// MarkErrored implements Scanner.
func (a *MessageInboxScanner) MarkErrored(ctx context.Context, id string) error {
	return a.store.MarkFinalState(ctx, id, "errored")
}

func toRefs(rows []db.MessageInboxRow) []MessageRef {
	refs := make([]MessageRef, 0, len(rows))
	for _, row := range rows {
		threadID := ""
		if row.SourceThreadIdentity.Valid {
			threadID = row.SourceThreadIdentity.String
		}
		refs = append(refs, MessageRef{ID: row.ID, ReceivedAt: row.ReceivedAt, SourceThreadID: threadID})
	}
	return refs
}
