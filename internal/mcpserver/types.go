// Package mcpserver exposes the inter-butler RPC surface named in spec §6.3:
// route.execute, notify, and status, the only three MCP tools the core
// itself consumes (every other tool — state CRUD, schedule CRUD, domain
// tools — belongs to the host adapter and is out of scope here). It runs on
// its own chi mux, distinct from the Switchboard-facing echo server in
// internal/httpapi.
package mcpserver

import "time"

// RequestContext mirrors db.RequestContext on the wire, per spec §6.3's
// route.v1 input contract. ReceivedAt is accepted for parity with the
// contract but not used — butlerfleet timestamps acceptance itself at
// insert time.
type RequestContext struct {
	RequestID              string    `json:"request_id"`
	ReceivedAt             time.Time `json:"received_at"`
	SourceChannel          string    `json:"source_channel"`
	SourceEndpointIdentity string    `json:"source_endpoint_identity"`
	SourceSenderIdentity   string    `json:"source_sender_identity"`
	SourceThreadIdentity   string    `json:"source_thread_identity,omitempty"`
}

// RouteExecuteInput is the route.execute tool's input, per spec §6.3.
type RouteExecuteInput struct {
	SchemaVersion  string         `json:"schema_version"`
	RequestContext RequestContext `json:"request_context"`
	Input          struct {
		Prompt  string `json:"prompt"`
		Context any    `json:"context,omitempty"`
	} `json:"input"`
	AllowStale       bool `json:"allow_stale,omitempty"`
	AllowQuarantined bool `json:"allow_quarantined,omitempty"`
}

// RouteExecuteOutput is the route.execute tool's output, per spec §6.3.
type RouteExecuteOutput struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NotifyInput is the notify tool's input: a reply destined for the channel
// and thread the originating message arrived on.
type NotifyInput struct {
	Channel        string `json:"channel"`
	ThreadIdentity string `json:"thread_identity"`
	Text           string `json:"text"`
}

// NotifyOutput is the notify tool's output.
type NotifyOutput struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusOutput is the status tool's output: this butler's own operational
// snapshot, consumed by fleet control-plane callers deciding whether to
// route to it.
type StatusOutput struct {
	ButlerName     string            `json:"butler_name"`
	Healthy        bool              `json:"healthy"`
	DatabaseStatus string            `json:"database_status"`
	Breakers       []BreakerStatus   `json:"breakers,omitempty"`
	RouteInboxDepth int              `json:"route_inbox_depth"`
}

// BreakerStatus is one provider's circuit state in the status output.
type BreakerStatus struct {
	Provider            string `json:"provider"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}
