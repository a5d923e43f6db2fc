package packet_test

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/packet"
	"github.com/stretchr/testify/require"
)

func TestPrepareFulfillRoundTrip(t *testing.T) {
	preimage := packet.Fulfillment(sha256.Sum256([]byte("x")))
	cond := preimage.Hash()

	p := packet.NewPrepare("id-1", address.MustParse("g.workflow"), 1000,
		cond, time.Now().Add(30*time.Second), []byte("x"))

	f, err := packet.NewFulfillFromPreimage(p, preimage, nil)
	require.NoError(t, err)
	require.Equal(t, preimage, f.Fulfillment)
}

func TestEmptyDataRoundTrips(t *testing.T) {
	preimage := packet.Fulfillment(sha256.Sum256(nil))
	cond := preimage.Hash()

	p := packet.NewPrepare("id-2", address.MustParse("g.workflow"), 1,
		cond, time.Now().Add(time.Minute), nil)

	f, err := packet.NewFulfillFromPreimage(p, preimage, nil)
	require.NoError(t, err)
	require.True(t, p.Verify(f.Fulfillment))
}

func TestMismatchedFulfillmentRejected(t *testing.T) {
	preimage := packet.Fulfillment(sha256.Sum256([]byte("x")))
	cond := preimage.Hash()
	p := packet.NewPrepare("id-3", address.MustParse("g.workflow"), 1,
		cond, time.Now().Add(time.Minute), []byte("x"))

	wrong := packet.Fulfillment(sha256.Sum256([]byte("y")))
	_, err := packet.NewFulfillFromPreimage(p, wrong, nil)
	require.ErrorIs(t, err, packet.ErrConditionMismatch)
}

func TestRejectCarriesTriggeredBy(t *testing.T) {
	r := packet.NewReject("id-4", packet.ErrUnreachable, "no route",
		address.MustParse("g.node.a"), nil)
	require.Equal(t, packet.ErrUnreachable, r.Code)
	require.Equal(t, address.Address("g.node.a"), r.TriggeredBy)
}
