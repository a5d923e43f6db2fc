// Package telemetry implements the connector-side event emitter and the
// dashboard-facing fan-out server described in SPEC_FULL §2.12-2.13.
package telemetry

import "time"

// MessageType enumerates the recognized TelemetryMessage types.
type MessageType string

const (
	NodeStatus          MessageType = "NODE_STATUS"
	PacketSent          MessageType = "PACKET_SENT"
	PacketReceived      MessageType = "PACKET_RECEIVED"
	RouteLookup         MessageType = "ROUTE_LOOKUP"
	LogEvent            MessageType = "LOG"
	AccountBalance      MessageType = "ACCOUNT_BALANCE"
	SettlementTriggered MessageType = "SETTLEMENT_TRIGGERED"
	SettlementCompleted MessageType = "SETTLEMENT_COMPLETED"

	// ClientConnect is the client-to-server handshake message, not itself
	// broadcast, but validated against the same recognized-type set.
	ClientConnect MessageType = "CLIENT_CONNECT"
)

// recognizedTypes is the closed set a connector may emit; ClientConnect is
// handshake-only and excluded (a connector never emits it).
var recognizedTypes = map[MessageType]bool{
	NodeStatus:          true,
	PacketSent:          true,
	PacketReceived:      true,
	RouteLookup:         true,
	LogEvent:            true,
	AccountBalance:      true,
	SettlementTriggered: true,
	SettlementCompleted: true,
}

// IsRecognized reports whether t is a connector-emittable message type.
func IsRecognized(t MessageType) bool { return recognizedTypes[t] }

// IsSettlementEvent reports whether t belongs to the settlement ring buffer.
func IsSettlementEvent(t MessageType) bool {
	return t == SettlementTriggered || t == SettlementCompleted
}

// Message is a single typed, timestamped telemetry record.
type Message struct {
	Type      MessageType            `json:"type"`
	NodeID    string                 `json:"nodeId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Valid reports whether m carries a recognized type and a non-empty nodeId,
// per the invariant that every broadcast message has a recognized type and
// required fields (SPEC_FULL §8 invariant 6).
func (m Message) Valid() bool {
	return IsRecognized(m.Type) && m.NodeID != ""
}
