package telemetry

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const settlementRingSize = 100

var (
	messagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_telemetry_messages_ingested_total",
			Help: "Telemetry messages ingested by type.",
		},
		[]string{"type"},
	)
	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connector_telemetry_dashboard_clients",
			Help: "Dashboard WebSocket clients currently connected.",
		},
	)
	connectedConnectors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connector_telemetry_connectors",
			Help: "Distinct connector node ids seen since startup.",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesIngested, connectedClients, connectedConnectors)
}

// BalanceState is the REST-hydration shape for GET /api/balances.
type BalanceState struct {
	NodeID  string                 `json:"nodeId"`
	PeerID  string                 `json:"peerId"`
	TokenID string                 `json:"tokenId"`
	Data    map[string]interface{} `json:"data"`
}

type balanceKey struct {
	nodeID, peerID, tokenID string
}

// client is a registered dashboard consumer connection.
type client struct {
	conn *websocket.Conn
	send chan Message
}

// Server is the telemetry fan-out server: it accepts both connector
// publishers and dashboard consumers on one endpoint, disambiguated by
// their first message, and runs as a single-writer actor over its shared
// state (connectors map, clients set, status cache, balance map, events
// ring), mirroring htlcswitch.Switch's htlcForwarder goroutine-owns-state
// pattern (SPEC_FULL §2.13/§5).
type Server struct {
	startedAt time.Time
	nodeID    string

	upgrader websocket.Upgrader

	cmds  chan func(*serverState)
	state serverState
}

type serverState struct {
	connectors   map[string]bool
	clients      map[*client]bool
	statusByNode map[string]Message
	balances     map[balanceKey]BalanceState
	settlements  []Message // ring buffer, newest last, bounded to 100
}

// NewServer constructs a Server identified by nodeID for its own health
// endpoint.
func NewServer(nodeID string) *Server {
	s := &Server{
		startedAt: time.Now(),
		nodeID:    nodeID,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		cmds:      make(chan func(*serverState), 256),
		state: serverState{
			connectors:   make(map[string]bool),
			clients:      make(map[*client]bool),
			statusByNode: make(map[string]Message),
			balances:     make(map[balanceKey]BalanceState),
		},
	}
	go s.loop()
	return s
}

// loop is the single goroutine that owns all mutable server state.
func (s *Server) loop() {
	for cmd := range s.cmds {
		cmd(&s.state)
	}
}

// HandleWebSocket upgrades r and dispatches the connection based on its
// first message, per SPEC_FULL §4.9/§6.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var first rawEnvelope
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return
	}

	if first.Type == ClientConnect {
		s.serveClient(conn)
		return
	}

	s.serveConnector(conn, first)
}

type rawEnvelope struct {
	Type      MessageType            `json:"type"`
	NodeID    string                 `json:"nodeId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func (e rawEnvelope) toMessage() Message {
	return Message{Type: e.Type, NodeID: e.NodeID, Timestamp: e.Timestamp, Data: e.Data}
}

func (s *Server) serveClient(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Message, 64)}

	done := make(chan struct{})
	s.cmds <- func(st *serverState) {
		st.clients[c] = true
		connectedClients.Set(float64(len(st.clients)))
		// Replay every cached NODE_STATUS, once each, in the order of
		// the internal map — a deterministic snapshot taken here under
		// the single-writer actor, then drained outside it.
		for _, msg := range snapshotStatuses(st) {
			select {
			case c.send <- msg:
			default:
			}
		}
		close(done)
	}
	<-done

	go s.clientWriter(c)

	// Dashboard clients don't send further protocol messages besides the
	// initial handshake; keep reading to detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.cmds <- func(st *serverState) {
		delete(st.clients, c)
		connectedClients.Set(float64(len(st.clients)))
	}
	close(c.send)
	conn.Close()
}

func snapshotStatuses(st *serverState) []Message {
	out := make([]Message, 0, len(st.statusByNode))
	for _, m := range st.statusByNode {
		out = append(out, m)
	}
	return out
}

func (s *Server) clientWriter(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (s *Server) serveConnector(conn *websocket.Conn, first rawEnvelope) {
	s.ingest(first)

	for {
		var env rawEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.ingest(env)
	}
}

// ingest validates and applies one inbound connector message, then
// broadcasts it to all registered clients. Malformed messages are dropped
// with a warning, never terminating the connection (SPEC_FULL §6).
func (s *Server) ingest(env rawEnvelope) {
	msg := env.toMessage()
	if !msg.Valid() {
		log.Warnf("telemetry: dropping malformed message from %q", env.NodeID)
		return
	}

	messagesIngested.WithLabelValues(string(msg.Type)).Inc()

	done := make(chan struct{})
	s.cmds <- func(st *serverState) {
		st.connectors[msg.NodeID] = true
		connectedConnectors.Set(float64(len(st.connectors)))

		if msg.Type == NodeStatus {
			st.statusByNode[msg.NodeID] = msg
		}
		if IsSettlementEvent(msg.Type) {
			st.settlements = append(st.settlements, msg)
			if len(st.settlements) > settlementRingSize {
				st.settlements = st.settlements[len(st.settlements)-settlementRingSize:]
			}
		}
		if msg.Type == AccountBalance {
			key := balanceKey{
				nodeID:  msg.NodeID,
				peerID:  stringField(msg.Data, "peerId"),
				tokenID: stringField(msg.Data, "tokenId"),
			}
			st.balances[key] = BalanceState{
				NodeID: msg.NodeID, PeerID: key.peerID, TokenID: key.tokenID, Data: msg.Data,
			}
		}

		broadcast(st, msg)
		close(done)
	}
	<-done
}

func broadcast(st *serverState, msg Message) {
	for c := range st.clients {
		select {
		case c.send <- msg:
		default:
			// Slow/broken client: drop it so one stuck consumer can't
			// back-pressure the broadcast of every other client.
			delete(st.clients, c)
			close(c.send)
			connectedClients.Set(float64(len(st.clients)))
		}
	}
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// GetAccountBalances returns every cached balance for initial dashboard
// hydration (§4.9 REST surface).
func (s *Server) GetAccountBalances() []BalanceState {
	result := make(chan []BalanceState, 1)
	s.cmds <- func(st *serverState) {
		out := make([]BalanceState, 0, len(st.balances))
		for _, b := range st.balances {
			out = append(out, b)
		}
		result <- out
	}
	return <-result
}

// GetSettlementEvents returns the settlement ring buffer, newest-first.
func (s *Server) GetSettlementEvents() []Message {
	result := make(chan []Message, 1)
	s.cmds <- func(st *serverState) {
		out := make([]Message, len(st.settlements))
		copy(out, st.settlements)
		result <- out
	}
	events := <-result
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events
}

// HealthStatus is the GET /api/health response shape.
type HealthStatus struct {
	NodeID string    `json:"nodeId"`
	Uptime int64     `json:"uptime"`
	Status string    `json:"status"`
	Time   time.Time `json:"timestamp"`
}

// ServeHealth writes the GET /api/health response.
func (s *Server) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		NodeID: s.nodeID,
		Uptime: int64(time.Since(s.startedAt).Seconds()),
		Status: "ready",
		Time:   time.Now(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// ServeBalances writes the GET /api/balances response.
func (s *Server) ServeBalances(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetAccountBalances())
}

// ServeSettlements writes the GET /api/settlements response.
func (s *Server) ServeSettlements(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetSettlementEvents())
}

// MetricsHandler exposes the Prometheus scrape endpoint (GET /metrics).
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.Handler()
}
