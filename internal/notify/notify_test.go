package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	received []Reply
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, reply Reply) error {
	if f.err != nil {
		return f.err
	}
	f.received = append(f.received, reply)
	return nil
}

func TestRouter_DispatchesToRegisteredAdapter(t *testing.T) {
	slackAdapter := &fakeDispatcher{}
	r := NewRouter(map[string]Dispatcher{"slack": slackAdapter})

	err := r.Dispatch(context.Background(), Reply{Channel: "slack", Text: "hello"})
	require.NoError(t, err)
	require.Len(t, slackAdapter.received, 1)
	assert.Equal(t, "hello", slackAdapter.received[0].Text)
}

func TestRouter_FallsBackToLogAdapterForUnregisteredChannel(t *testing.T) {
	r := NewRouter(nil)
	err := r.Dispatch(context.Background(), Reply{Channel: "email", Text: "hi"})
	assert.NoError(t, err)
}

func TestRouter_RegisterInstallsAdapter(t *testing.T) {
	r := NewRouter(nil)
	adapter := &fakeDispatcher{}
	r.Register("api", adapter)

	err := r.Dispatch(context.Background(), Reply{Channel: "api", Text: "x"})
	require.NoError(t, err)
	assert.Len(t, adapter.received, 1)
}

func TestSlackAdapter_NilWhenUnconfigured(t *testing.T) {
	a := NewSlackAdapter(SlackConfig{})
	assert.Nil(t, a)

	var nilAdapter *SlackAdapter
	assert.NoError(t, nilAdapter.Dispatch(context.Background(), Reply{}))
}
