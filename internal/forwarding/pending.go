package forwarding

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/settlemesh/connector/internal/packet"
	"github.com/settlemesh/connector/internal/routing"
)

const shardCount = 16

// PendingPrepare tracks one in-flight outbound Prepare, per SPEC_FULL §3.
// ExecutionCondition is carried alongside the literal spec fields because
// verifying a Fulfill's preimage against it is required to satisfy
// invariant 1 (§8) at correlation time.
type PendingPrepare struct {
	ID                 string
	Upstream           routing.PeerID
	Downstream         routing.PeerID
	Amount             uint64
	ExecutionCondition packet.Condition
	Deadline           time.Time
}

// pendingStore is a peer-sharded map from packet ID to PendingPrepare,
// mutated under a short critical section per shard (SPEC_FULL §5).
type pendingStore struct {
	shards [shardCount]pendingShard
}

type pendingShard struct {
	mu      sync.Mutex
	entries map[string]*PendingPrepare
}

func newPendingStore() *pendingStore {
	s := &pendingStore{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*PendingPrepare)
	}
	return s
}

func (s *pendingStore) shardFor(downstream routing.PeerID) *pendingShard {
	h := fnv.New32a()
	h.Write([]byte(downstream))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *pendingStore) put(entry *PendingPrepare) {
	shard := s.shardFor(entry.Downstream)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.entries[entry.ID] = entry
}

func (s *pendingStore) take(downstream routing.PeerID, id string) (*PendingPrepare, bool) {
	shard := s.shardFor(downstream)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[id]
	if ok {
		delete(shard.entries, id)
	}
	return entry, ok
}

// expired returns (and removes) every entry whose deadline is at or before
// now, across all shards, for the deadline monitor to act on.
func (s *pendingStore) expired(now time.Time) []*PendingPrepare {
	var out []*PendingPrepare
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for id, entry := range shard.entries {
			if !entry.Deadline.After(now) {
				out = append(out, entry)
				delete(shard.entries, id)
			}
		}
		shard.mu.Unlock()
	}
	return out
}

// all returns every still-pending entry, across all shards, for shutdown
// drain handling.
func (s *pendingStore) all() []*PendingPrepare {
	var out []*PendingPrepare
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for _, entry := range shard.entries {
			out = append(out, entry)
		}
		shard.mu.Unlock()
	}
	return out
}
