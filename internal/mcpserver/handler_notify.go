package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/codeready-toolchain/butlerfleet/internal/notify"
)

// notifyHandler handles POST /mcp/tools/notify, landing a butler's reply on
// its originating channel per spec §6.4.
func (s *Server) notifyHandler(w http.ResponseWriter, r *http.Request) {
	var in NotifyInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, NotifyOutput{Status: "error", Error: "malformed notify input: " + err.Error()})
		return
	}
	if in.Channel == "" {
		writeJSON(w, http.StatusUnprocessableEntity, NotifyOutput{Status: "error", Error: "channel is required"})
		return
	}

	if err := s.notifier.Dispatch(r.Context(), notify.Reply{
		Channel:        in.Channel,
		ThreadIdentity: in.ThreadIdentity,
		Text:           in.Text,
	}); err != nil {
		writeJSON(w, http.StatusOK, NotifyOutput{Status: "error", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, NotifyOutput{Status: "ok"})
}
