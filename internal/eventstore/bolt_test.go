package eventstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settlemesh/connector/internal/eventstore"
)

func TestBoltStoreFollowEventRoundTrip(t *testing.T) {
	s, err := eventstore.OpenBolt(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	rec := eventstore.FollowEventRecord{
		AuthorHex: "alice", Kind: "follow-list",
		Payload: []byte("payload"), Signature: []byte("sig"),
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	require.NoError(t, s.PutFollowEvent("alice", rec))

	got, err := s.GetFollowEvent("alice")
	require.NoError(t, err)
	require.Equal(t, rec.Kind, got.Kind)
	require.Equal(t, rec.Payload, got.Payload)
}

func TestBoltStoreAuditAppendAndQuery(t *testing.T) {
	s, err := eventstore.OpenBolt(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	base := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.AppendAudit(eventstore.AuditRecord{Timestamp: base, SubjectID: "a", Operation: "op1", Result: "ok"}))
	require.NoError(t, s.AppendAudit(eventstore.AuditRecord{Timestamp: base.Add(time.Second), SubjectID: "a", Operation: "op2", Result: "ok"}))

	recs, err := s.QueryAudit(eventstore.AuditQuery{SubjectID: "a"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "op2", recs[0].Operation)

	byOp, err := s.QueryAudit(eventstore.AuditQuery{Operation: "op1"})
	require.NoError(t, err)
	require.Len(t, byOp, 1)
}

func TestBoltStoreWalletAndBalancePersist(t *testing.T) {
	dir := t.TempDir()
	s, err := eventstore.OpenBolt(dir)
	require.NoError(t, err)

	require.NoError(t, s.PutWalletMetadata(eventstore.WalletMetadata{
		AgentID: "agent-1", PeerID: "peer-b", TokenID: "USD", CreatedAt: time.Now().Truncate(time.Millisecond),
	}))
	require.NoError(t, s.AppendBalanceSnapshot(eventstore.BalanceSnapshot{
		Timestamp: time.Now().Truncate(time.Millisecond), PeerID: "peer-b", TokenID: "USD", Net: 42,
	}))
	require.NoError(t, s.Close())

	reopened, err := eventstore.OpenBolt(dir)
	require.NoError(t, err)
	defer reopened.Close()

	wm, err := reopened.GetWalletMetadata("agent-1")
	require.NoError(t, err)
	require.Equal(t, "peer-b", wm.PeerID)

	hist, err := reopened.BalanceHistory("peer-b", "USD", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, int64(42), hist[0].Net)
}
