package approvals

import (
	"context"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/routeinbox"
)

// RouteAccepter is the accept-phase seam RouteInboxExecutor depends on;
// *routeinbox.Inbox satisfies it in production.
type RouteAccepter interface {
	Accept(ctx context.Context, req routeinbox.AcceptRequest) (routeinbox.AcceptResult, error)
}

// RouteInboxExecutor implements Executor by accepting the approved call onto
// the same route_inbox two-phase RPC path a remote route.execute call would
// use, with the requesting butler as both source and target — approved tool
// calls run through the fleet's one RPC mechanism rather than a second ad
// hoc execution path. The processor then claims and runs it asynchronously
// like any other routed request, so the map Execute returns here reflects
// acceptance onto the queue, not completion.
type RouteInboxExecutor struct {
	accepter RouteAccepter
}

// NewRouteInboxExecutor constructs a RouteInboxExecutor.
func NewRouteInboxExecutor(accepter RouteAccepter) *RouteInboxExecutor {
	return &RouteInboxExecutor{accepter: accepter}
}

// Execute implements Executor.
func (e *RouteInboxExecutor) Execute(ctx context.Context, butler, toolName string, args map[string]any) (map[string]any, error) {
	result, err := e.accepter.Accept(ctx, routeinbox.AcceptRequest{
		TargetButler: butler,
		SourceButler: butler,
		ToolName:     toolName,
		Args:         args,
		RequestContext: db.RequestContext{
			SourceChannel: "approval",
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": result.Status, "request_id": result.RequestID}, nil
}
