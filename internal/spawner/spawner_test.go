package spawner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/llmsession"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	started  []db.SessionRow
	completed []completedCall
}

type completedCall struct {
	id      string
	success bool
	errMsg  string
}

func (f *fakeSessionStore) InsertStarted(ctx context.Context, row db.SessionRow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == "" {
		row.ID = fmt.Sprintf("generated-%d", len(f.started))
	}
	f.started = append(f.started, row)
	return row.ID, nil
}

func (f *fakeSessionStore) Complete(ctx context.Context, id, model string, inputTokens, outputTokens int, success bool, errMsg string, toolCalls []db.ToolCall, cost db.SessionCost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, completedCall{id: id, success: success, errMsg: errMsg})
	return nil
}

func TestTrigger_SuccessPersistsCompletedSession(t *testing.T) {
	store := &fakeSessionStore{}
	runtime := &llmsession.FakeRuntime{Response: llmsession.Response{Model: "gpt", FinalText: "done"}}
	sp := New("concierge", 2, runtime, store, nil)

	result, err := sp.Trigger(context.Background(), "do the thing", TriggerManual, "", "", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, store.completed, 1)
	assert.True(t, store.completed[0].success)
}

func TestTrigger_CancelledStillPersistsErrorCancelled(t *testing.T) {
	store := &fakeSessionStore{}
	runtime := &llmsession.FakeRuntime{Delay: 50 * time.Millisecond}
	sp := New("concierge", 2, runtime, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	result, err := sp.Trigger(ctx, "slow thing", TriggerRoute, "", "", "")
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "cancelled", result.Error)
	require.Len(t, store.completed, 1)
	assert.Equal(t, "cancelled", store.completed[0].errMsg)
}

func TestTrigger_SemaphoreLimitsConcurrency(t *testing.T) {
	store := &fakeSessionStore{}
	release := make(chan struct{})
	var inFlight, maxSeen int32
	var mu sync.Mutex

	runtime := runtimeFunc(func(ctx context.Context, req llmsession.Request) (llmsession.Response, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return llmsession.Response{}, nil
	})

	sp := New("mail", 1, runtime, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = sp.Trigger(context.Background(), "x", TriggerManual, "", "", "")
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen, "semaphore of size 1 must never admit concurrent triggers")
}

func TestStopAccepting_RejectsNewTriggers(t *testing.T) {
	store := &fakeSessionStore{}
	runtime := &llmsession.FakeRuntime{}
	sp := New("calendar", 2, runtime, store, nil)

	sp.StopAccepting()
	_, err := sp.Trigger(context.Background(), "x", TriggerManual, "", "", "")
	assert.ErrorIs(t, err, ErrNotAccepting)
}

func TestDrain_WaitsForOutstandingThenReturnsTrue(t *testing.T) {
	store := &fakeSessionStore{}
	release := make(chan struct{})
	runtime := runtimeFunc(func(ctx context.Context, req llmsession.Request) (llmsession.Response, error) {
		<-release
		return llmsession.Response{}, nil
	})
	sp := New("slack", 2, runtime, store, nil)

	done := make(chan struct{})
	go func() {
		_, _ = sp.Trigger(context.Background(), "x", TriggerManual, "", "", "")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ok := sp.Drain(500 * time.Millisecond)
	assert.True(t, ok)
	<-done
}

func TestDrain_TimesOutWhenSessionNeverCompletes(t *testing.T) {
	store := &fakeSessionStore{}
	block := make(chan struct{})
	runtime := runtimeFunc(func(ctx context.Context, req llmsession.Request) (llmsession.Response, error) {
		<-block
		return llmsession.Response{}, nil
	})
	sp := New("email", 2, runtime, store, nil)

	go func() { _, _ = sp.Trigger(context.Background(), "x", TriggerManual, "", "", "") }()
	time.Sleep(10 * time.Millisecond)

	ok := sp.Drain(30 * time.Millisecond)
	assert.False(t, ok)
	close(block)
}

type runtimeFunc func(ctx context.Context, req llmsession.Request) (llmsession.Response, error)

func (f runtimeFunc) Run(ctx context.Context, req llmsession.Request) (llmsession.Response, error) {
	return f(ctx, req)
}
