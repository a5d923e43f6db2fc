package telemetry_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/settlemesh/connector/internal/telemetry"
)

func newTestServer(t *testing.T) (*telemetry.Server, string) {
	t.Helper()
	srv := telemetry.NewServer("node-a")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return srv, url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestConnectorStatusBroadcastAndReplay(t *testing.T) {
	srv, url := newTestServer(t)

	connConn := dial(t, url)
	defer connConn.Close()

	status := telemetry.Message{
		Type:      telemetry.NodeStatus,
		NodeID:    "node-a",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"status": "ready"},
	}
	require.NoError(t, connConn.WriteJSON(status))

	// Give the single-writer actor a moment to apply the update.
	time.Sleep(50 * time.Millisecond)

	clientConn := dial(t, url)
	defer clientConn.Close()
	require.NoError(t, clientConn.WriteJSON(map[string]string{"type": "CLIENT_CONNECT"}))

	var replayed telemetry.Message
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, clientConn.ReadJSON(&replayed))
	require.Equal(t, telemetry.NodeStatus, replayed.Type)
	require.Equal(t, "node-a", replayed.NodeID)

	balances := srv.GetAccountBalances()
	require.Empty(t, balances)
}

func TestSettlementEventsRingAndNewestFirst(t *testing.T) {
	srv, url := newTestServer(t)
	conn := dial(t, url)
	defer conn.Close()

	base := time.Now()
	for i := 0; i < 3; i++ {
		msg := telemetry.Message{
			Type:      telemetry.SettlementTriggered,
			NodeID:    "node-a",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Data:      map[string]interface{}{"i": i},
		}
		require.NoError(t, conn.WriteJSON(msg))
	}
	time.Sleep(50 * time.Millisecond)

	events := srv.GetSettlementEvents()
	require.Len(t, events, 3)
	require.True(t, events[0].Timestamp.After(events[1].Timestamp))
}

func TestMalformedMessageDroppedNotFatal(t *testing.T) {
	_, url := newTestServer(t)
	conn := dial(t, url)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "NOT_A_TYPE"}))

	// Connection must remain usable after a malformed message.
	require.NoError(t, conn.WriteJSON(telemetry.Message{
		Type: telemetry.NodeStatus, NodeID: "node-a", Timestamp: time.Now(),
	}))
}
