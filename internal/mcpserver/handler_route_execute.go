package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
	"github.com/codeready-toolchain/butlerfleet/internal/errtax"
	"github.com/codeready-toolchain/butlerfleet/internal/routeinbox"
)

// routeExecuteHandler handles POST /mcp/tools/route.execute, the accept
// phase of spec §4.5/§6.3's two-phase inter-butler RPC. The caller's latency
// budget ends when this returns.
func (s *Server) routeExecuteHandler(w http.ResponseWriter, r *http.Request) {
	var in RouteExecuteInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, RouteExecuteOutput{Status: "error", Error: "malformed route.execute input: " + err.Error()})
		return
	}

	result, err := s.router.Accept(r.Context(), routeinbox.AcceptRequest{
		TargetButler: s.butlerName,
		SourceButler: in.RequestContext.SourceSenderIdentity,
		ToolName:     "route.execute",
		Args:         map[string]any{"prompt": in.Input.Prompt, "context": in.Input.Context},
		RequestContext: db.RequestContext{
			SourceChannel:          in.RequestContext.SourceChannel,
			SourceEndpointIdentity: in.RequestContext.SourceEndpointIdentity,
			SourceSenderIdentity:   in.RequestContext.SourceSenderIdentity,
			SourceThreadIdentity:   in.RequestContext.SourceThreadIdentity,
			RequestID:              in.RequestContext.RequestID,
		},
		AllowStale:       in.AllowStale,
		AllowQuarantined: in.AllowQuarantined,
	})
	if err != nil {
		writeJSON(w, httpStatusFor(err), RouteExecuteOutput{Status: "error", RequestID: in.RequestContext.RequestID, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, RouteExecuteOutput{Status: result.Status, RequestID: result.RequestID})
}

// httpStatusFor maps a classified error to an HTTP status for the MCP
// surface, reusing the same taxonomy mapServiceError uses at the Switchboard
// boundary (spec §7).
func httpStatusFor(err error) int {
	return errtax.HTTPStatus(errtax.ClassOf(err))
}
