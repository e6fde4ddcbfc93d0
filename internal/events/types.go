// Package events delivers fleet telemetry to the dashboard over WebSocket,
// using PostgreSQL LISTEN/NOTIFY so any butlerd process (not just the one
// that produced the event) can fan it out to its own connected clients.
package events

// Persistent event types (stored in fleet_events + NOTIFY).
const (
	EventTypeRegistryEligibility = "registry.eligibility_changed"
	EventTypeRouteInboxDepth     = "route_inbox.depth"
	EventTypeCircuitState        = "circuit.state_changed"
)

// FleetChannel is the single NOTIFY channel fleet telemetry is published on.
// Unlike tarsy's per-session channel fan-out, a butler fleet has no
// per-entity drill-down granularity the dashboard subscribes to separately —
// every connected dashboard wants the whole fleet's state.
const FleetChannel = "fleet"

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "catchup", "ping"
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup
}

// RegistryEligibilityPayload reports a butler's route-eligibility flip.
type RegistryEligibilityPayload struct {
	Type      string `json:"type"`
	Butler    string `json:"butler"`
	Eligible  bool   `json:"eligible"`
	Reason    string `json:"reason,omitempty"`
	DBEventID int64  `json:"db_event_id,omitempty"`
}

// RouteInboxDepthPayload reports a target butler's pending route_inbox depth.
type RouteInboxDepthPayload struct {
	Type      string `json:"type"`
	Butler    string `json:"butler"`
	Depth     int    `json:"depth"`
	DBEventID int64  `json:"db_event_id,omitempty"`
}

// CircuitStatePayload reports a provider circuit breaker's state transition.
type CircuitStatePayload struct {
	Type                string `json:"type"`
	Provider            string `json:"provider"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	DBEventID           int64  `json:"db_event_id,omitempty"`
}
