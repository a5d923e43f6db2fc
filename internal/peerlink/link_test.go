package peerlink

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/packet"
	"github.com/settlemesh/connector/internal/routing"
)

func TestEncodeDecodePrepareRoundTrip(t *testing.T) {
	p := packet.NewPrepare("pay-1", address.MustParse("g.local.bob"), 500,
		packet.Condition{1, 2, 3}, time.Now().Add(time.Minute).Truncate(time.Millisecond), []byte("hello"))

	env, err := encodePrepare(p)
	require.NoError(t, err)
	require.Equal(t, TypePrepare, env.Type)

	got, err := decodePrepare(env)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.Destination, got.Destination)
	require.Equal(t, p.Amount, got.Amount)
	require.Equal(t, p.ExecutionCondition, got.ExecutionCondition)
	require.Equal(t, p.ExpiresAt.UnixMilli(), got.ExpiresAt.UnixMilli())
	require.Equal(t, p.Data, got.Data)
}

func TestEncodeDecodeFulfillRoundTrip(t *testing.T) {
	f := &packet.Fulfill{ID: "pay-2", Fulfillment: packet.Fulfillment{9, 9, 9}, Data: []byte("x")}

	env, err := encodeFulfill(f)
	require.NoError(t, err)

	got, err := decodeFulfill(env)
	require.NoError(t, err)
	require.Equal(t, f.Fulfillment, got.Fulfillment)
	require.Equal(t, f.Data, got.Data)
}

func TestEncodeDecodeRejectRoundTrip(t *testing.T) {
	r := packet.NewReject("pay-3", packet.ErrInsufficientLiq, "no credit", address.MustParse("g.hop"), nil)

	env, err := encodeReject(r)
	require.NoError(t, err)

	got, err := decodeReject(env)
	require.NoError(t, err)
	require.Equal(t, r.Code, got.Code)
	require.Equal(t, r.Message, got.Message)
	require.Equal(t, r.TriggeredBy, got.TriggeredBy)
}

func TestDecodePrepareRejectsBadCondition(t *testing.T) {
	env := envelope{Type: TypePrepare, ID: "x", Payload: []byte(`{"destination":"g.a","amount":1,"condition":"not-enough-bytes"}`)}
	_, err := decodePrepare(env)
	require.Error(t, err)
}

type recordingHandler struct {
	mu       sync.Mutex
	prepares []*packet.Prepare
	done     chan struct{}
}

func (h *recordingHandler) HandleInboundPrepare(_ routing.PeerID, p *packet.Prepare) {
	h.mu.Lock()
	h.prepares = append(h.prepares, p)
	h.mu.Unlock()
	close(h.done)
}
func (h *recordingHandler) HandleInboundFulfill(routing.PeerID, *packet.Fulfill) {}
func (h *recordingHandler) HandleInboundReject(routing.PeerID, *packet.Reject)   {}

func TestDialAndUpgradeHandshakeAndDeliversPrepare(t *testing.T) {
	serverHandler := &recordingHandler{done: make(chan struct{})}

	auth := func(token string, claimed routing.PeerID) (routing.PeerID, bool) {
		if token != "secret-token" {
			return "", false
		}
		return claimed, true
	}

	var acceptedLink *Link
	accepted := make(chan struct{})
	httpHandler := UpgradeHandler(auth, serverHandler, func(l *Link) {
		acceptedLink = l
		close(accepted)
	})

	srv := httptest.NewServer(httpHandler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, err := Dial(wsURL, "client-node", "secret-token", &recordingHandler{done: make(chan struct{})})
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the upgrade")
	}
	defer acceptedLink.Close()

	require.NoError(t, client.SendPrepare("server-node",
		packet.NewPrepare("p1", address.MustParse("g.a"), 10, packet.Condition{1}, time.Now().Add(time.Minute), nil)))

	select {
	case <-serverHandler.done:
		require.Len(t, serverHandler.prepares, 1)
		require.Equal(t, "p1", serverHandler.prepares[0].ID)
	case <-time.After(time.Second):
		t.Fatal("server never received the Prepare")
	}
}

func TestDialWithBadTokenRejected(t *testing.T) {
	auth := func(token string, claimed routing.PeerID) (routing.PeerID, bool) {
		return "", token == "secret-token"
	}
	srv := httptest.NewServer(UpgradeHandler(auth, &recordingHandler{done: make(chan struct{})}, func(*Link) {}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := Dial(wsURL, "client-node", "wrong-token", &recordingHandler{done: make(chan struct{})})
	require.Error(t, err)
}
