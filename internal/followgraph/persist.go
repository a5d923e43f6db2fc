package followgraph

import (
	"encoding/json"

	"github.com/settlemesh/connector/internal/eventstore"
)

// wireTag is the JSON-serializable form of Tag, used only for persistence.
type wireTag struct {
	PeerPubKey []byte `json:"peerPubKey"`
	Prefix     string `json:"prefix"`
}

type wireEvent struct {
	Tags []wireTag `json:"tags"`
}

// StorePersister adapts an eventstore.Store to the Router's EventStore
// interface, encoding an Event's tag set as JSON for the stored payload
// and keeping its kind, signature and creation time; the exact bytes that
// were signed are not stored.
type StorePersister struct {
	Store eventstore.Store
}

// PutFollowEvent implements EventStore.
func (p StorePersister) PutFollowEvent(authorHex string, evt *Event) error {
	tags := make([]wireTag, len(evt.Tags))
	for i, t := range evt.Tags {
		tags[i] = wireTag{PeerPubKey: t.PeerPubKey, Prefix: t.Prefix.String()}
	}
	payload, err := json.Marshal(wireEvent{Tags: tags})
	if err != nil {
		return err
	}

	return p.Store.PutFollowEvent(authorHex, eventstore.FollowEventRecord{
		AuthorHex: authorHex,
		Kind:      string(evt.Kind),
		Payload:   payload,
		Signature: evt.Signature,
		CreatedAt: evt.CreatedAt,
	})
}
