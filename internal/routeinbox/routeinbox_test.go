package routeinbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
)

type fakeRegistrar struct {
	routable map[string]bool
}

func (f *fakeRegistrar) IsRoutable(ctx context.Context, butlerName string, allowStale bool) (bool, error) {
	return f.routable[butlerName], nil
}

type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]*db.RouteInboxRow
	nextID   int
	requeued int64
	orphaned int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*db.RouteInboxRow)}
}

func (f *fakeStore) Accept(ctx context.Context, row db.RouteInboxRow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("row-%d", f.nextID)
	row.ID = id
	row.Status = "accepted"
	row.AcceptedAt = time.Now()
	f.rows[id] = &row
	return id, nil
}

func (f *fakeStore) ClaimNext(ctx context.Context, targetButler string) (*db.RouteInboxRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *db.RouteInboxRow
	for _, r := range f.rows {
		if r.TargetButler != targetButler || r.Status != "accepted" {
			continue
		}
		if oldest == nil || r.AcceptedAt.Before(oldest.AcceptedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, db.ErrNoRowsAvailable
	}
	oldest.Status = "processing"
	copyRow := *oldest
	return &copyRow, nil
}

func (f *fakeStore) Complete(ctx context.Context, id string, result map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.Status = "completed"
	}
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, id, errMsg string, attempts, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.Attempts = attempts
		if attempts >= maxRetries {
			r.Status = "dead_lettered"
		} else {
			r.Status = "accepted"
		}
	}
	return nil
}

func (f *fakeStore) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	return f.requeued, nil
}

func (f *fakeStore) FailOrphanedProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	return f.orphaned, nil
}

func TestAccept_RejectsUnroutableTarget(t *testing.T) {
	store := newFakeStore()
	registry := &fakeRegistrar{routable: map[string]bool{}}
	inbox := NewInbox(store, registry, nil)

	_, err := inbox.Accept(context.Background(), AcceptRequest{TargetButler: "mail", ToolName: "notify"})
	require.Error(t, err)
	assert.Equal(t, errtax.ClassTargetUnavailable, errtax.ClassOf(err))
}

func TestAccept_InsertsRowForRoutableTarget(t *testing.T) {
	store := newFakeStore()
	registry := &fakeRegistrar{routable: map[string]bool{"mail": true}}
	inbox := NewInbox(store, registry, nil)

	res, err := inbox.Accept(context.Background(), AcceptRequest{
		TargetButler: "mail",
		SourceButler: "concierge",
		ToolName:     "send_email",
		Args:         map[string]any{"prompt": "draft a reply"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.NotEmpty(t, res.RequestID)
}

func TestProcessor_ClaimsAndCompletesOnSuccess(t *testing.T) {
	store := newFakeStore()
	id, err := store.Accept(context.Background(), db.RouteInboxRow{
		TargetButler:   "mail",
		Args:           db.NewJSON(map[string]any{"prompt": "do it"}),
		RequestContext: db.NewJSON(db.RequestContext{SourceChannel: "api"}),
	})
	require.NoError(t, err)

	trigger := func(ctx context.Context, prompt, source, llmCtx, systemPrompt, traceID string) (bool, map[string]any, string, error) {
		assert.Contains(t, prompt, "do it")
		return true, map[string]any{"ok": true}, "", nil
	}

	p := NewProcessor("mail", store, trigger, DefaultConfig(), nil)
	processed, err := p.processOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, "completed", store.rows[id].Status)
}

func TestProcessor_PrependsInteractiveBlockForTelegram(t *testing.T) {
	store := newFakeStore()
	_, err := store.Accept(context.Background(), db.RouteInboxRow{
		TargetButler:   "mail",
		Args:           db.NewJSON(map[string]any{"prompt": "reply to chat"}),
		RequestContext: db.NewJSON(db.RequestContext{SourceChannel: "telegram"}),
	})
	require.NoError(t, err)

	var capturedPrompt string
	trigger := func(ctx context.Context, prompt, source, llmCtx, systemPrompt, traceID string) (bool, map[string]any, string, error) {
		capturedPrompt = prompt
		return true, nil, "", nil
	}

	p := NewProcessor("mail", store, trigger, DefaultConfig(), nil)
	_, err = p.processOne(context.Background())
	require.NoError(t, err)
	assert.Contains(t, capturedPrompt, "INTERACTIVE DATA SOURCE")
}

func TestProcessor_FailureIncrementsAttemptsAndDeadLettersAtMax(t *testing.T) {
	store := newFakeStore()
	id, err := store.Accept(context.Background(), db.RouteInboxRow{
		TargetButler:   "mail",
		Args:           db.NewJSON(map[string]any{"prompt": "x"}),
		RequestContext: db.NewJSON(db.RequestContext{}),
	})
	require.NoError(t, err)
	store.rows[id].Attempts = 2

	trigger := func(ctx context.Context, prompt, source, llmCtx, systemPrompt, traceID string) (bool, map[string]any, string, error) {
		return false, nil, "boom", nil
	}

	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	p := NewProcessor("mail", store, trigger, cfg, nil)
	_, err = p.processOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dead_lettered", store.rows[id].Status)
}

func TestProcessor_NoRowsReturnsNotProcessed(t *testing.T) {
	store := newFakeStore()
	trigger := func(ctx context.Context, prompt, source, llmCtx, systemPrompt, traceID string) (bool, map[string]any, string, error) {
		t.Fatal("trigger should not be called when no rows are available")
		return false, nil, "", nil
	}
	p := NewProcessor("mail", store, trigger, DefaultConfig(), nil)
	processed, err := p.processOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRecovery_RunRequeuesAndFailsOrphans(t *testing.T) {
	store := newFakeStore()
	store.requeued = 2
	store.orphaned = 1

	r := NewRecovery(store, DefaultConfig())
	err := r.Run(context.Background())
	require.NoError(t, err)
}
