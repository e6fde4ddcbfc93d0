package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

// fakeStore is an in-memory Store used to unit test Registry without a real
// database, mirroring the teacher's pattern of hand-rolled fakes over the
// narrow interfaces its components depend on.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]db.ButlerRegistryRow
	logs []eligibilityLogEntry
}

type eligibilityLogEntry struct {
	butler, previousState, newState, reason string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]db.ButlerRegistryRow)}
}

func (f *fakeStore) Get(ctx context.Context, name string) (*db.ButlerRegistryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := row
	return &cp, nil
}

func (f *fakeStore) Register(ctx context.Context, name, endpointURL string) (*db.ButlerRegistryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := db.ButlerRegistryRow{
		ButlerName:           name,
		EndpointURL:          endpointURL,
		LastSeenAt:           time.Now(),
		EligibilityState:     StateActive,
		EligibilityUpdatedAt: time.Now(),
	}
	f.rows[name] = row
	return &row, nil
}

func (f *fakeStore) TouchLastSeen(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[name]
	row.LastSeenAt = time.Now()
	f.rows[name] = row
	return nil
}

func (f *fakeStore) CompareAndSetEligibility(ctx context.Context, name, fromState, toState string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok || row.EligibilityState != fromState {
		return false, nil
	}
	row.EligibilityState = toState
	row.EligibilityUpdatedAt = time.Now()
	if toState == StateActive {
		row.LastSeenAt = time.Now()
	}
	f.rows[name] = row
	return true, nil
}

func (f *fakeStore) InsertEligibilityLog(ctx context.Context, name, previousState, newState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, eligibilityLogEntry{name, previousState, newState, reason})
	return nil
}

func (f *fakeStore) ListStaleCandidates(ctx context.Context, olderThan time.Time) ([]db.ButlerRegistryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.ButlerRegistryRow
	for _, row := range f.rows {
		if row.EligibilityState == StateActive && row.LastSeenAt.Before(olderThan) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) ListQuarantineCandidates(ctx context.Context, olderThan time.Time) ([]db.ButlerRegistryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.ButlerRegistryRow
	for _, row := range f.rows {
		if row.EligibilityState == StateStale && row.EligibilityUpdatedAt.Before(olderThan) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) List(ctx context.Context) ([]db.ButlerRegistryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.ButlerRegistryRow, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row)
	}
	return out, nil
}

func TestHeartbeat_SelfHealsKnownButlerMissingRow(t *testing.T) {
	store := newFakeStore()
	r, err := New(store, []KnownButler{{Name: "concierge", EndpointURL: "http://concierge:9000"}}, DefaultConfig())
	require.NoError(t, err)

	res, err := r.Heartbeat(context.Background(), "concierge")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, StateActive, res.EligibilityState)
}

func TestHeartbeat_UnknownButlerReturnsError(t *testing.T) {
	store := newFakeStore()
	r, err := New(store, nil, DefaultConfig())
	require.NoError(t, err)

	_, err = r.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownButler)
}

func TestHeartbeat_ActiveTouchesLastSeenOnly(t *testing.T) {
	store := newFakeStore()
	_, _ = store.Register(context.Background(), "mail", "http://mail:9000")
	r, err := New(store, nil, DefaultConfig())
	require.NoError(t, err)

	res, err := r.Heartbeat(context.Background(), "mail")
	require.NoError(t, err)
	assert.Equal(t, StateActive, res.EligibilityState)
	assert.Empty(t, store.logs)
}

func TestHeartbeat_StaleToActiveLogsHealthRestored(t *testing.T) {
	store := newFakeStore()
	_, _ = store.Register(context.Background(), "slack", "http://slack:9000")
	_, _ = store.CompareAndSetEligibility(context.Background(), "slack", StateActive, StateStale)
	r, err := New(store, nil, DefaultConfig())
	require.NoError(t, err)

	res, err := r.Heartbeat(context.Background(), "slack")
	require.NoError(t, err)
	assert.Equal(t, StateActive, res.EligibilityState)
	require.Len(t, store.logs, 1)
	assert.Equal(t, ReasonHealthRestored, store.logs[0].reason)
}

func TestHeartbeat_QuarantinedToActiveLogsHeartbeatRecovery(t *testing.T) {
	store := newFakeStore()
	_, _ = store.Register(context.Background(), "calendar", "http://calendar:9000")
	_, _ = store.CompareAndSetEligibility(context.Background(), "calendar", StateActive, StateQuarantined)
	r, err := New(store, nil, DefaultConfig())
	require.NoError(t, err)

	res, err := r.Heartbeat(context.Background(), "calendar")
	require.NoError(t, err)
	assert.Equal(t, StateActive, res.EligibilityState)
	require.Len(t, store.logs, 1)
	assert.Equal(t, ReasonHeartbeatRecovery, store.logs[0].reason)
}

func TestIsRoutable_RespectsAllowStalePolicy(t *testing.T) {
	store := newFakeStore()
	_, _ = store.Register(context.Background(), "telegram", "http://telegram:9000")
	_, _ = store.CompareAndSetEligibility(context.Background(), "telegram", StateActive, StateStale)
	r, err := New(store, nil, DefaultConfig())
	require.NoError(t, err)

	routable, err := r.IsRoutable(context.Background(), "telegram", false)
	require.NoError(t, err)
	assert.False(t, routable)

	routable, err = r.IsRoutable(context.Background(), "telegram", true)
	require.NoError(t, err)
	assert.True(t, routable)
}

func TestSweepOnce_TransitionsActiveToStaleAndStaleToQuarantined(t *testing.T) {
	store := newFakeStore()
	_, _ = store.Register(context.Background(), "old-active", "http://a:9000")
	row := store.rows["old-active"]
	row.LastSeenAt = time.Now().Add(-time.Hour)
	store.rows["old-active"] = row

	_, _ = store.Register(context.Background(), "old-stale", "http://b:9000")
	_, _ = store.CompareAndSetEligibility(context.Background(), "old-stale", StateActive, StateStale)
	row = store.rows["old-stale"]
	row.EligibilityUpdatedAt = time.Now().Add(-time.Hour)
	store.rows["old-stale"] = row

	cfg := DefaultConfig()
	cfg.StaleAfter = time.Minute
	cfg.QuarantineAfter = time.Minute
	r, err := New(store, nil, cfg)
	require.NoError(t, err)

	r.sweepOnce(context.Background())

	assert.Equal(t, StateStale, store.rows["old-active"].EligibilityState)
	assert.Equal(t, StateQuarantined, store.rows["old-stale"].EligibilityState)
}
