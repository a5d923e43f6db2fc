package followgraph_test

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/followgraph"
	"github.com/settlemesh/connector/internal/routing"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, kind followgraph.Kind, tags []followgraph.Tag, when time.Time) *followgraph.Event {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	evt := &followgraph.Event{
		Author:    pub,
		Kind:      kind,
		Tags:      tags,
		CreatedAt: when,
	}
	payload := []byte(string(kind) + when.String())
	evt.SetSignedPayload(payload)
	evt.Signature = ed25519.Sign(priv, payload)
	return evt
}

func TestUpdateFromFollowEventInsertsRoute(t *testing.T) {
	tbl := routing.New()
	r := followgraph.New(tbl, nil, false)

	tags := []followgraph.Tag{{PeerPubKey: []byte("peer-b"), Prefix: address.MustParse("g.workflow")}}
	evt := signedEvent(t, followgraph.KindFollowList, tags, time.Now())

	require.Nil(t, r.UpdateFromFollowEvent(evt))

	_, ok := r.GetNextHop(address.MustParse("g.workflow.resize"))
	require.True(t, ok)
}

func TestNonFollowKindRejectedF99(t *testing.T) {
	tbl := routing.New()
	r := followgraph.New(tbl, nil, false)

	evt := signedEvent(t, "other-kind", nil, time.Now())
	rej := r.UpdateFromFollowEvent(evt)
	require.NotNil(t, rej)
	require.Equal(t, "F99", string(rej.Code))

	_, ok := r.GetNextHop(address.MustParse("g.anything"))
	require.False(t, ok)
}

func TestOnlyMostRecentEventPerAuthorIsAuthoritative(t *testing.T) {
	tbl := routing.New()
	r := followgraph.New(tbl, nil, false)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	older := time.Now()
	newer := older.Add(time.Minute)

	mkEvt := func(prefix string, when time.Time) *followgraph.Event {
		tags := []followgraph.Tag{{PeerPubKey: []byte("peer"), Prefix: address.MustParse(prefix)}}
		evt := &followgraph.Event{Author: pub, Kind: followgraph.KindFollowList, Tags: tags, CreatedAt: when}
		payload := []byte(prefix + when.String())
		evt.SetSignedPayload(payload)
		evt.Signature = ed25519.Sign(priv, payload)
		return evt
	}

	require.Nil(t, r.UpdateFromFollowEvent(mkEvt("g.old", older)))
	require.Nil(t, r.UpdateFromFollowEvent(mkEvt("g.new", newer)))

	_, ok := tbl.Lookup(address.MustParse("g.old.x"))
	require.False(t, ok, "stale author route must be retracted")

	_, ok = tbl.Lookup(address.MustParse("g.new.x"))
	require.True(t, ok)
}

func TestStaleOutOfOrderEventIgnored(t *testing.T) {
	tbl := routing.New()
	r := followgraph.New(tbl, nil, false)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	now := time.Now()

	mk := func(when time.Time) *followgraph.Event {
		evt := &followgraph.Event{Author: pub, Kind: followgraph.KindFollowList, CreatedAt: when}
		payload := []byte(when.String())
		evt.SetSignedPayload(payload)
		evt.Signature = ed25519.Sign(priv, payload)
		return evt
	}

	require.Nil(t, r.UpdateFromFollowEvent(mk(now)))
	// An older event for the same author arriving later must not win.
	require.Nil(t, r.UpdateFromFollowEvent(mk(now.Add(-time.Hour))))

	latest, ok := r.GetFollowByPubkey(pub)
	require.True(t, ok)
	require.Equal(t, now.Unix(), latest.CreatedAt.Unix())
}
