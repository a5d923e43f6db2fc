package followgraph_test

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/followgraph"
)

func TestEncodeDecodeEventRoundTripVerifies(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	evt := &followgraph.Event{
		Author:    pub,
		Kind:      followgraph.KindFollowList,
		Tags:      []followgraph.Tag{{PeerPubKey: []byte("peer-key"), Prefix: address.MustParse("g.agent.alice")}},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	evt.Sign(priv)

	raw, err := followgraph.Encode(evt)
	require.NoError(t, err)

	decoded, err := followgraph.Decode(raw)
	require.NoError(t, err)
	require.NoError(t, decoded.Verify())
	require.Equal(t, evt.Tags[0].Prefix, decoded.Tags[0].Prefix)
}

func TestDecodeTamperedSignatureFailsVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	evt := &followgraph.Event{
		Author:    pub,
		Kind:      followgraph.KindFollowList,
		Tags:      []followgraph.Tag{{PeerPubKey: []byte("peer-key"), Prefix: address.MustParse("g.agent.bob")}},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	evt.Sign(priv)

	raw, err := followgraph.Encode(evt)
	require.NoError(t, err)

	var onWire map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &onWire))
	tags := onWire["tags"].([]interface{})
	tag0 := tags[0].(map[string]interface{})
	tag0["prefix"] = "g.agent.mallory"
	tampered, err := json.Marshal(onWire)
	require.NoError(t, err)

	decoded, err := followgraph.Decode(tampered)
	require.NoError(t, err)
	require.Error(t, decoded.Verify())
}
