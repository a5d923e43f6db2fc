package followgraph

import (
	"fmt"
	"sync"

	"github.com/go-errors/errors"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/packet"
	"github.com/settlemesh/connector/internal/routing"
)

// EventStore is the subset of internal/eventstore.Store the router needs to
// persist accepted events. A nil Store (persistToDatabase=false) supports
// read-only or replay contexts per SPEC_FULL §2.7.
type EventStore interface {
	PutFollowEvent(authorHex string, evt *Event) error
}

// Router subscribes to follow events, validates them, and maintains the
// authoritative address-prefix -> peer mapping derived from the most recent
// valid event per author.
type Router struct {
	mu sync.RWMutex

	// latest holds, per author (hex-encoded pubkey), the single most
	// recent authoritative event. Older events from the same author are
	// pruned on replacement.
	latest map[string]*Event

	table       *routing.Table
	store       EventStore
	persistToDB bool
}

// New constructs a Router that publishes derived routes into table. When
// store is non-nil and persistToDB is true, accepted events are also
// appended to the event store.
func New(table *routing.Table, store EventStore, persistToDB bool) *Router {
	return &Router{
		latest:      make(map[string]*Event),
		table:       table,
		store:       store,
		persistToDB: persistToDB,
	}
}

// UpdateFromFollowEvent validates evt, and if it is a newer, valid
// follow-list event for its author, replaces that author's contribution to
// the routing table. Non-follow-list kinds are rejected with F99.
func (r *Router) UpdateFromFollowEvent(evt *Event) *packet.Reject {
	if evt.Kind != KindFollowList {
		return &packet.Reject{
			Code:    packet.ErrApplicationError,
			Message: fmt.Sprintf("unsupported follow event kind %q", evt.Kind),
		}
	}

	if err := evt.Verify(); err != nil {
		return &packet.Reject{
			Code:    packet.ErrApplicationError,
			Message: err.Error(),
		}
	}

	authorHex := hexKey(evt.Author)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.latest[authorHex]; ok {
		if !evt.CreatedAt.After(prior.CreatedAt) {
			// Out-of-order / stale event: last-writer-wins means we
			// simply ignore it, per SPEC_FULL §2.7 and design note §9.
			return nil
		}
		r.retractLocked(authorHex, prior)
	}

	r.latest[authorHex] = evt
	r.applyLocked(authorHex, evt)

	if r.persistToDB && r.store != nil {
		if err := r.store.PutFollowEvent(authorHex, evt); err != nil {
			return &packet.Reject{
				Code:    packet.ErrApplicationError,
				Message: errors.Errorf("persist follow event: %v", err).Error(),
			}
		}
	}

	return nil
}

func (r *Router) retractLocked(authorHex string, prior *Event) {
	for _, tag := range prior.Tags {
		r.table.Remove(tag.Prefix, routing.SourceFollowGraph)
	}
}

func (r *Router) applyLocked(authorHex string, evt *Event) {
	for _, tag := range evt.Tags {
		r.table.Insert(routing.Route{
			Prefix:  tag.Prefix,
			NextHop: routing.PeerID(hexKey(tag.PeerPubKey)),
			Source:  routing.SourceFollowGraph,
		})
	}
}

// GetNextHop resolves addr against the shared table, which holds static
// routes as well as the follow-graph-derived ones.
func (r *Router) GetNextHop(addr address.Address) (routing.PeerID, bool) {
	return r.table.Lookup(addr)
}

// GetFollowByPubkey returns the latest authoritative event from the given
// author, if any.
func (r *Router) GetFollowByPubkey(pubkey []byte) (*Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	evt, ok := r.latest[hexKey(pubkey)]
	return evt, ok
}

func hexKey(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
