// Package routing implements the longest-prefix-match routing table: static
// routes plus follow-graph-derived routes, with deterministic tie-breaking.
//
// Grounded on channeldb.ChannelGraph's read-mostly bucket design (§9 of
// SPEC_FULL.md calls for a copy-on-write snapshot discipline in place of
// lnd's bolt-backed graph): readers take a pointer to an immutable
// snapshot slice, writers build a new snapshot and publish it atomically,
// so lookups never block on updates.
package routing

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/settlemesh/connector/internal/address"
)

// Source identifies where a route came from. Static routes dominate
// follow-graph routes at an equal prefix.
type Source int

const (
	SourceStatic Source = iota
	SourceFollowGraph
)

// PeerID names a directly connected peer link.
type PeerID string

// Route binds a prefix to a next hop.
type Route struct {
	Prefix   address.Address
	NextHop  PeerID
	Priority int
	Source   Source
}

type routeKey struct {
	prefix address.Address
	source Source
}

// Table is a longest-prefix-match routing table. The zero value is not
// usable; construct with New.
type Table struct {
	mu    sync.Mutex // serializes writers only
	order uint64
	snap  atomic.Pointer[snapshot]
}

type entry struct {
	Route
	insertSeq uint64
}

type snapshot struct {
	byKey map[routeKey]entry
}

// New returns an empty Table.
func New() *Table {
	t := &Table{}
	t.snap.Store(&snapshot{byKey: map[routeKey]entry{}})
	return t
}

// Insert adds or replaces a route by (Prefix, Source).
func (t *Table) Insert(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	next := &snapshot{byKey: make(map[routeKey]entry, len(cur.byKey)+1)}
	for k, v := range cur.byKey {
		next.byKey[k] = v
	}

	t.order++
	key := routeKey{prefix: r.Prefix, source: r.Source}
	next.byKey[key] = entry{Route: r, insertSeq: t.order}

	t.snap.Store(next)
}

// Remove deletes the route registered at (prefix, source), if any.
func (t *Table) Remove(prefix address.Address, source Source) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	key := routeKey{prefix: prefix, source: source}
	if _, ok := cur.byKey[key]; !ok {
		return
	}

	next := &snapshot{byKey: make(map[routeKey]entry, len(cur.byKey))}
	for k, v := range cur.byKey {
		if k == key {
			continue
		}
		next.byKey[k] = v
	}
	t.snap.Store(next)
}

// Lookup returns the next hop for addr via the route whose prefix is the
// longest proper match, breaking ties by source (static before
// follow-graph) then by insertion order (earliest wins). Reports ok=false
// on a miss; there is no default/root route unless one was explicitly
// inserted.
func (t *Table) Lookup(addr address.Address) (PeerID, bool) {
	snap := t.snap.Load()

	var (
		best   entry
		found  bool
		bestLen int
	)

	for _, e := range snap.byKey {
		if !address.HasPrefix(e.Prefix, addr) {
			continue
		}

		plen := e.Prefix.Depth()
		switch {
		case !found:
			best, bestLen, found = e, plen, true
		case plen > bestLen:
			best, bestLen = e, plen
		case plen == bestLen && lessPreferred(e, best):
			best = e
		}
	}

	if !found {
		return "", false
	}
	return best.NextHop, true
}

// lessPreferred reports whether candidate should replace current as the
// tie-break winner at equal prefix length: static beats follow-graph, then
// earlier insertion wins.
func lessPreferred(candidate, current entry) bool {
	if candidate.Source != current.Source {
		return candidate.Source == SourceStatic
	}
	return candidate.insertSeq < current.insertSeq
}

// Routes returns a deterministically ordered snapshot of all routes,
// primarily for reachability validation and diagnostics.
func (t *Table) Routes() []Route {
	snap := t.snap.Load()
	out := make([]Route, 0, len(snap.byKey))
	for _, e := range snap.byKey {
		out = append(out, e.Route)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Prefix != out[j].Prefix {
			return out[i].Prefix < out[j].Prefix
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Topology names, for each node in a mesh, the peers it has declared links
// to. ValidateReachability and DetectDisconnected consult it to confirm a
// route's next hop is reachable from this node's perspective.
type Topology map[string][]PeerID

// ReachabilityIssue is a single warning or error surfaced by
// ValidateReachability.
type ReachabilityIssue struct {
	Route   Route
	Message string
	Fatal   bool
}

// ValidateReachability confirms every route's next hop is a declared peer
// of thisNode in topo. A next hop that isn't declared as a peer produces a
// warning; a next hop referencing a node absent from topo entirely
// produces an error.
func (t *Table) ValidateReachability(thisNode string, topo Topology) []ReachabilityIssue {
	peers, ok := topo[thisNode]
	peerSet := make(map[PeerID]bool, len(peers))
	for _, p := range peers {
		peerSet[p] = true
	}

	var issues []ReachabilityIssue
	for _, r := range t.Routes() {
		if _, known := topo[string(r.NextHop)]; !known {
			issues = append(issues, ReachabilityIssue{
				Route:   r,
				Message: "next hop references a node absent from topology",
				Fatal:   true,
			})
			continue
		}
		if ok && !peerSet[r.NextHop] {
			issues = append(issues, ReachabilityIssue{
				Route:   r,
				Message: "next hop is not a declared peer of this node",
				Fatal:   false,
			})
		}
	}
	return issues
}

// DetectDisconnected returns every node in topo with no declared outbound
// peer links.
func DetectDisconnected(topo Topology) []string {
	var out []string
	for node, peers := range topo {
		if len(peers) == 0 {
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out
}
