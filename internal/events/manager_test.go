package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCatchupQuerier struct {
	events []CatchupEvent
	err    error
}

func (m *mockCatchupQuerier) GetCatchupEvents(_ context.Context, _ int64, limit int) ([]CatchupEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit > 0 && len(m.events) > limit {
		return m.events[:limit], nil
	}
	return m.events, nil
}

func setupTestManager(t *testing.T, querier CatchupQuerier) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(querier, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionManager_ConnectionEstablishedThenCatchup(t *testing.T) {
	_, server := setupTestManager(t, &mockCatchupQuerier{
		events: []CatchupEvent{{ID: 1, Payload: map[string]any{"type": EventTypeCircuitState}}},
	})
	conn := connectWS(t, server)

	established := readJSON(t, conn)
	assert.Equal(t, "connection.established", established["type"])
	assert.NotEmpty(t, established["connection_id"])

	catchup := readJSON(t, conn)
	assert.Equal(t, EventTypeCircuitState, catchup["type"])
	assert.Equal(t, float64(1), catchup["db_event_id"])
}

func TestConnectionManager_CatchupOverflowWhenMoreThanLimit(t *testing.T) {
	events := make([]CatchupEvent, catchupLimit+1)
	for i := range events {
		events[i] = CatchupEvent{ID: int64(i + 1), Payload: map[string]any{"type": EventTypeRouteInboxDepth}}
	}
	_, server := setupTestManager(t, &mockCatchupQuerier{events: events})
	conn := connectWS(t, server)

	readJSON(t, conn) // connection.established
	for i := 0; i < catchupLimit; i++ {
		readJSON(t, conn)
	}
	overflow := readJSON(t, conn)
	assert.Equal(t, "catchup.overflow", overflow["type"])
	assert.Equal(t, true, overflow["has_more"])
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_Broadcast(t *testing.T) {
	manager, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	payload, err := json.Marshal(RegistryEligibilityPayload{Type: EventTypeRegistryEligibility, Butler: "concierge", Eligible: false})
	require.NoError(t, err)
	manager.Broadcast(payload)

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeRegistryEligibility, msg["type"])
	assert.Equal(t, "concierge", msg["butler"])
}

func TestConnectionManager_ActiveConnectionsDropsOnClose(t *testing.T) {
	manager, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
