// Package followgraph implements a router that derives next-hop routes from
// signed social-graph "follow" events, gossiped between peers.
//
// Signature verification is grounded on discovery/validation.go's
// hash-then-verify pattern (validateNodeAnn, validateChannelUpdateAnn):
// reconstruct the signed digest, then verify it against the author's
// public key.
package followgraph

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/settlemesh/connector/internal/address"
)

// Kind identifies the semantic type of a signed event. Only KindFollowList
// is authoritative for routing purposes.
type Kind string

const KindFollowList Kind = "follow-list"

// Tag binds a peer public key to a hierarchical address prefix the author
// claims reachability for.
type Tag struct {
	PeerPubKey []byte
	Prefix     address.Address
}

// Event is a signed follow-list event as gossiped between peers.
type Event struct {
	Author    ed25519.PublicKey
	Kind      Kind
	Tags      []Tag
	CreatedAt time.Time
	Signature []byte

	// signedPayload is the exact byte sequence the Signature covers;
	// callers populate it via Sign or reconstruct it themselves before
	// calling Verify.
	signedPayload []byte
}

// ErrBadSignature is returned when an event's signature does not verify
// against its claimed author.
var ErrBadSignature = errors.New("followgraph: invalid event signature")

// SetSignedPayload records the exact bytes the signature was computed over,
// required before Verify can be called. Transport layers populate this from
// the wire encoding of the event prior to handing it to the router.
func (e *Event) SetSignedPayload(b []byte) { e.signedPayload = b }

// Verify checks e.Signature against e.Author over the recorded signed
// payload.
func (e *Event) Verify() error {
	if len(e.Author) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if !ed25519.Verify(e.Author, e.signedPayload, e.Signature) {
		return ErrBadSignature
	}
	return nil
}

// CanonicalPayload returns the deterministic byte sequence that an Event's
// Signature must cover: kind, creation time, and each tag's prefix and
// peer public key, in tag order. Both the signing side and the receiving
// side of the gossip wire codec call this to agree on what was signed.
func (e *Event) CanonicalPayload() []byte {
	var buf []byte
	buf = append(buf, []byte(e.Kind)...)
	buf = append(buf, []byte(e.CreatedAt.UTC().Format(time.RFC3339Nano))...)
	for _, tag := range e.Tags {
		buf = append(buf, tag.PeerPubKey...)
		buf = append(buf, []byte(tag.Prefix)...)
	}
	return buf
}

// Sign computes CanonicalPayload(e), records it as the signed payload, and
// signs it with priv, setting e.Signature. e.Author must already be set to
// the public key matching priv.
func (e *Event) Sign(priv ed25519.PrivateKey) {
	payload := e.CanonicalPayload()
	e.signedPayload = payload
	e.Signature = ed25519.Sign(priv, payload)
}
