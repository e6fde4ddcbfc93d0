package approvals

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/routeinbox"
)

type fakeAccepter struct {
	lastReq routeinbox.AcceptRequest
	result  routeinbox.AcceptResult
	err     error
}

func (f *fakeAccepter) Accept(ctx context.Context, req routeinbox.AcceptRequest) (routeinbox.AcceptResult, error) {
	f.lastReq = req
	return f.result, f.err
}

func TestRouteInboxExecutor_AcceptsWithSelfAsSourceAndTarget(t *testing.T) {
	accepter := &fakeAccepter{result: routeinbox.AcceptResult{Status: "queued", RequestID: "req-1"}}
	e := NewRouteInboxExecutor(accepter)

	result, err := e.Execute(context.Background(), "ops", "restart_pod", map[string]any{"pod": "web-1"})
	require.NoError(t, err)
	assert.Equal(t, "queued", result["status"])
	assert.Equal(t, "req-1", result["request_id"])

	assert.Equal(t, "ops", accepter.lastReq.SourceButler)
	assert.Equal(t, "ops", accepter.lastReq.TargetButler)
	assert.Equal(t, "restart_pod", accepter.lastReq.ToolName)
	assert.Equal(t, "web-1", accepter.lastReq.Args["pod"])
	assert.Equal(t, "approval", accepter.lastReq.RequestContext.SourceChannel)
}

func TestRouteInboxExecutor_PropagatesAcceptError(t *testing.T) {
	accepter := &fakeAccepter{err: assert.AnError}
	e := NewRouteInboxExecutor(accepter)

	_, err := e.Execute(context.Background(), "ops", "restart_pod", nil)
	assert.ErrorIs(t, err, assert.AnError)
}
