// Package peerlink implements the peer wire protocol (SPEC_FULL §6): a
// bidirectional, message-oriented transport carrying Prepare/Fulfill/Reject
// packets plus keepalive Heartbeats between directly connected nodes.
//
// Grounded on peer.go's readHandler/writeHandler/queueHandler/pingHandler
// split, generalized from lnwire's binary message codec to the length-
// delimited JSON framing gorilla/websocket already provides per message.
package peerlink

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/packet"
)

// Type identifies the four wire message shapes named in SPEC_FULL §6.
type Type string

const (
	TypePrepare   Type = "PREPARE"
	TypeFulfill   Type = "FULFILL"
	TypeReject    Type = "REJECT"
	TypeHeartbeat Type = "HEARTBEAT"
)

// envelope is the `{type, id?, payload}` wire shape every message takes.
// Binary fields inside payload are base64url-encoded, per §6.
type envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type preparePayload struct {
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
	Condition   string `json:"condition"`
	ExpiresAt   int64  `json:"expiresAt"`
	Data        string `json:"data,omitempty"`
}

type fulfillPayload struct {
	Fulfillment string `json:"fulfillment"`
	Data        string `json:"data,omitempty"`
}

type rejectPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	TriggeredBy string `json:"triggeredBy"`
	Data        string `json:"data,omitempty"`
}

func b64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func encodePrepare(p *packet.Prepare) (envelope, error) {
	payload, err := json.Marshal(preparePayload{
		Destination: p.Destination.String(),
		Amount:      p.Amount,
		Condition:   b64(p.ExecutionCondition[:]),
		ExpiresAt:   p.ExpiresAt.UnixMilli(),
		Data:        b64(p.Data),
	})
	if err != nil {
		return envelope{}, err
	}
	return envelope{Type: TypePrepare, ID: p.ID, Payload: payload}, nil
}

func decodePrepare(env envelope) (*packet.Prepare, error) {
	var pp preparePayload
	if err := json.Unmarshal(env.Payload, &pp); err != nil {
		return nil, fmt.Errorf("peerlink: malformed PREPARE payload: %w", err)
	}
	dest, err := address.Parse(pp.Destination)
	if err != nil {
		return nil, fmt.Errorf("peerlink: %w", err)
	}
	condBytes, err := unb64(pp.Condition)
	if err != nil || len(condBytes) != packet.ConditionSize {
		return nil, fmt.Errorf("peerlink: PREPARE condition must be %d bytes", packet.ConditionSize)
	}
	var cond packet.Condition
	copy(cond[:], condBytes)
	data, err := unb64(pp.Data)
	if err != nil {
		return nil, fmt.Errorf("peerlink: malformed PREPARE data: %w", err)
	}
	return packet.NewPrepare(env.ID, dest, pp.Amount, cond, time.UnixMilli(pp.ExpiresAt), data), nil
}

func encodeFulfill(f *packet.Fulfill) (envelope, error) {
	payload, err := json.Marshal(fulfillPayload{
		Fulfillment: b64(f.Fulfillment[:]),
		Data:        b64(f.Data),
	})
	if err != nil {
		return envelope{}, err
	}
	return envelope{Type: TypeFulfill, ID: f.ID, Payload: payload}, nil
}

func decodeFulfill(env envelope) (*packet.Fulfill, error) {
	var fp fulfillPayload
	if err := json.Unmarshal(env.Payload, &fp); err != nil {
		return nil, fmt.Errorf("peerlink: malformed FULFILL payload: %w", err)
	}
	preimage, err := unb64(fp.Fulfillment)
	if err != nil || len(preimage) != packet.ConditionSize {
		return nil, fmt.Errorf("peerlink: FULFILL fulfillment must be %d bytes", packet.ConditionSize)
	}
	var f packet.Fulfillment
	copy(f[:], preimage)
	data, err := unb64(fp.Data)
	if err != nil {
		return nil, fmt.Errorf("peerlink: malformed FULFILL data: %w", err)
	}
	return &packet.Fulfill{ID: env.ID, Fulfillment: f, Data: data}, nil
}

func encodeReject(r *packet.Reject) (envelope, error) {
	payload, err := json.Marshal(rejectPayload{
		Code:        string(r.Code),
		Message:     r.Message,
		TriggeredBy: r.TriggeredBy.String(),
		Data:        b64(r.Data),
	})
	if err != nil {
		return envelope{}, err
	}
	return envelope{Type: TypeReject, ID: r.ID, Payload: payload}, nil
}

func decodeReject(env envelope) (*packet.Reject, error) {
	var rp rejectPayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		return nil, fmt.Errorf("peerlink: malformed REJECT payload: %w", err)
	}
	triggeredBy, err := address.Parse(rp.TriggeredBy)
	if err != nil {
		return nil, fmt.Errorf("peerlink: %w", err)
	}
	data, err := unb64(rp.Data)
	if err != nil {
		return nil, fmt.Errorf("peerlink: malformed REJECT data: %w", err)
	}
	return packet.NewReject(env.ID, packet.ErrorCode(rp.Code), rp.Message, triggeredBy, data), nil
}

func heartbeatEnvelope() envelope {
	return envelope{Type: TypeHeartbeat}
}
