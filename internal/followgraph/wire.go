package followgraph

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/settlemesh/connector/internal/address"
)

type wireTagJSON struct {
	PeerPubKey string `json:"peerPubKey"`
	Prefix     string `json:"prefix"`
}

type wireEventJSON struct {
	Author    string        `json:"author"`
	Kind      string        `json:"kind"`
	Tags      []wireTagJSON `json:"tags"`
	CreatedAt time.Time     `json:"createdAt"`
	Signature string        `json:"signature"`
}

// Encode renders e as the JSON gossip wire shape.
func Encode(e *Event) ([]byte, error) {
	tags := make([]wireTagJSON, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = wireTagJSON{
			PeerPubKey: base64.RawURLEncoding.EncodeToString(t.PeerPubKey),
			Prefix:     t.Prefix.String(),
		}
	}
	return json.Marshal(wireEventJSON{
		Author:    base64.RawURLEncoding.EncodeToString(e.Author),
		Kind:      string(e.Kind),
		Tags:      tags,
		CreatedAt: e.CreatedAt,
		Signature: base64.RawURLEncoding.EncodeToString(e.Signature),
	})
}

// Decode parses the JSON gossip wire shape into an Event with its
// signedPayload reconstructed via CanonicalPayload, ready for Verify.
func Decode(raw []byte) (*Event, error) {
	var wire wireEventJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("followgraph: malformed event: %w", err)
	}

	author, err := base64.RawURLEncoding.DecodeString(wire.Author)
	if err != nil {
		return nil, fmt.Errorf("followgraph: malformed author key: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(wire.Signature)
	if err != nil {
		return nil, fmt.Errorf("followgraph: malformed signature: %w", err)
	}

	tags := make([]Tag, len(wire.Tags))
	for i, t := range wire.Tags {
		pub, err := base64.RawURLEncoding.DecodeString(t.PeerPubKey)
		if err != nil {
			return nil, fmt.Errorf("followgraph: malformed tag pubkey: %w", err)
		}
		prefix, err := address.Parse(t.Prefix)
		if err != nil {
			return nil, fmt.Errorf("followgraph: malformed tag prefix: %w", err)
		}
		tags[i] = Tag{PeerPubKey: pub, Prefix: prefix}
	}

	evt := &Event{
		Author:    author,
		Kind:      Kind(wire.Kind),
		Tags:      tags,
		CreatedAt: wire.CreatedAt,
		Signature: sig,
	}
	evt.SetSignedPayload(evt.CanonicalPayload())
	return evt, nil
}
