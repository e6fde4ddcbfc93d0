package mcpserver

import (
	"net/http"
)

// statusHandler handles GET /mcp/tools/status, this butler's own operational
// snapshot per spec §6.4.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	out := StatusOutput{ButlerName: s.butlerName, Healthy: true}

	health, err := s.dbClient.Health(r.Context())
	if err != nil || health.Status != "healthy" {
		out.Healthy = false
		out.DatabaseStatus = "unhealthy"
	} else {
		out.DatabaseStatus = health.Status
	}

	if s.breakers != nil {
		for _, st := range s.breakers.Statuses() {
			out.Breakers = append(out.Breakers, st)
			if st.State == "open" {
				out.Healthy = false
			}
		}
	}

	if s.routeInbox != nil {
		depths, err := s.routeInbox.CountAcceptedByButler(r.Context())
		if err == nil {
			out.RouteInboxDepth = depths[s.butlerName]
		}
	}

	writeJSON(w, http.StatusOK, out)
}
