package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMessage_RoundTripsLastEventID(t *testing.T) {
	last := int64(42)
	data, err := json.Marshal(ClientMessage{Action: "catchup", LastEventID: &last})
	require.NoError(t, err)

	var decoded ClientMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "catchup", decoded.Action)
	require.NotNil(t, decoded.LastEventID)
	assert.Equal(t, int64(42), *decoded.LastEventID)
}

func TestCircuitStatePayload_MarshalsType(t *testing.T) {
	payload := CircuitStatePayload{Type: EventTypeCircuitState, Provider: "slack", State: "open", ConsecutiveFailures: 5}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"circuit.state_changed"`)
}
