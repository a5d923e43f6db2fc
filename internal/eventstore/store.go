// Package eventstore persists the records that must survive process
// restarts: follow-graph events, append-only audit records, wallet
// metadata, and balance-history snapshots.
//
// Grounded on channeldb.DB (channeldb/db.go), which wraps a single
// embedded database handle behind a narrow domain interface; generalized
// here into a Store interface with both an embedded bbolt backend and a
// relational (Postgres) backend, matching SPEC_FULL §6's storage options.
package eventstore

import (
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = fmt.Errorf("eventstore: record not found")

// FollowEventRecord is the persisted form of a followgraph.Event, kept
// free of the followgraph package's Ed25519 types so eventstore has no
// dependency on it.
type FollowEventRecord struct {
	AuthorHex string
	Kind      string
	Payload   []byte // caller-encoded body; followgraph stores its JSON tag set
	Signature []byte
	CreatedAt time.Time
}

// AuditRecord is one append-only audit-log entry (SPEC_FULL §2.5).
type AuditRecord struct {
	Timestamp time.Time
	Operation string
	SubjectID string
	Details   map[string]interface{}
	Result    string
	IPAddress string
	UserAgent string
}

// AuditQuery filters an audit-log read (SPEC_FULL §4.8's getAuditLog):
// SubjectID, Operation, Start, and End are each optional — a zero value
// matches every record along that dimension. Limit <= 0 means no limit in
// the memory and bbolt backends; PostgresStore caps such a query at 1000.
type AuditQuery struct {
	SubjectID string
	Operation string
	Start     time.Time
	End       time.Time
	Limit     int
}

// MatchesAuditQuery reports whether rec satisfies every filter set in q.
// Shared by the memory and bbolt backends, which both filter in Go rather
// than pushing the predicate into a storage engine.
func MatchesAuditQuery(rec AuditRecord, q AuditQuery) bool {
	if q.SubjectID != "" && rec.SubjectID != q.SubjectID {
		return false
	}
	if q.Operation != "" && rec.Operation != q.Operation {
		return false
	}
	if !q.Start.IsZero() && rec.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && rec.Timestamp.After(q.End) {
		return false
	}
	return true
}

// WalletMetadata is the relational row backing an agent's wallet record.
type WalletMetadata struct {
	AgentID   string
	PeerID    string
	TokenID   string
	CreatedAt time.Time
	Data      map[string]interface{}
}

// BalanceSnapshot is one point-in-time ledger balance observation, served
// back by BalanceHistory. The Ledger does not write snapshots or rebuild
// its state from them.
type BalanceSnapshot struct {
	Timestamp time.Time
	PeerID    string
	TokenID   string
	Net       int64
}

// Store is the persistence surface every backend (memory, bbolt, Postgres)
// implements.
type Store interface {
	// PutFollowEvent upserts the latest known event for authorHex;
	// followgraph.StorePersister adapts it to followgraph.EventStore.
	PutFollowEvent(authorHex string, rec FollowEventRecord) error
	GetFollowEvent(authorHex string) (FollowEventRecord, error)
	AllFollowEvents() ([]FollowEventRecord, error)

	AppendAudit(rec AuditRecord) error
	QueryAudit(q AuditQuery) ([]AuditRecord, error)

	PutWalletMetadata(rec WalletMetadata) error
	GetWalletMetadata(agentID string) (WalletMetadata, error)

	AppendBalanceSnapshot(rec BalanceSnapshot) error
	BalanceHistory(peerID, tokenID string, limit int) ([]BalanceSnapshot, error)

	Close() error
}
