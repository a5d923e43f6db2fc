package forwarding_test

import (
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/clockutil"
	"github.com/settlemesh/connector/internal/forwarding"
	"github.com/settlemesh/connector/internal/ledger"
	"github.com/settlemesh/connector/internal/packet"
	"github.com/settlemesh/connector/internal/paymenthandler"
	"github.com/settlemesh/connector/internal/routing"
)

// directSender wires one Engine's outbound calls either to another Engine
// (simulating a live peer link) or into a capture channel (simulating the
// test's view of traffic sent to a peer with no Engine of its own, such as
// the originating client).
type directSender struct {
	selfName routing.PeerID
	targets  map[routing.PeerID]*forwarding.Engine
	capture  map[routing.PeerID]*capturedResult
}

type capturedResult struct {
	fulfill chan *packet.Fulfill
	reject  chan *packet.Reject
}

func newCapturedResult() *capturedResult {
	return &capturedResult{fulfill: make(chan *packet.Fulfill, 1), reject: make(chan *packet.Reject, 1)}
}

func (d *directSender) SendPrepare(peer routing.PeerID, p *packet.Prepare) error {
	target, ok := d.targets[peer]
	if !ok {
		// A captured peer accepts the Prepare and never answers it.
		if _, captured := d.capture[peer]; captured {
			return nil
		}
		return fmt.Errorf("directSender: no engine for peer %s", peer)
	}
	go target.HandleInboundPrepare(d.selfName, p)
	return nil
}

func (d *directSender) SendFulfill(peer routing.PeerID, f *packet.Fulfill) error {
	if target, ok := d.targets[peer]; ok {
		go target.HandleInboundFulfill(d.selfName, f)
		return nil
	}
	if c, ok := d.capture[peer]; ok {
		c.fulfill <- f
		return nil
	}
	return fmt.Errorf("directSender: unknown peer %s", peer)
}

func (d *directSender) SendReject(peer routing.PeerID, r *packet.Reject) error {
	if target, ok := d.targets[peer]; ok {
		go target.HandleInboundReject(d.selfName, r)
		return nil
	}
	if c, ok := d.capture[peer]; ok {
		c.reject <- r
		return nil
	}
	return fmt.Errorf("directSender: unknown peer %s", peer)
}

func acceptingHandler(paymenthandler.Request) paymenthandler.Response {
	return paymenthandler.Response{Accept: true}
}

// buildThreeHopMesh wires A -> B -> C terminating g.workflow, each with an
// open bilateral account on every link, per S1.
func buildThreeHopMesh(t *testing.T) (a, b, c *forwarding.Engine, clientCapture *capturedResult) {
	t.Helper()

	tableA, tableB := routing.New(), routing.New()
	tableA.Insert(routing.Route{Prefix: address.MustParse("g.workflow"), NextHop: "B", Source: routing.SourceStatic})
	tableB.Insert(routing.Route{Prefix: address.MustParse("g.workflow"), NextHop: "C", Source: routing.SourceStatic})

	ledgerA := ledger.New(nil, nil)
	ledgerA.OpenAccount("client", "USD", 1000000, 1000000)
	ledgerA.OpenAccount("B", "USD", 1000000, 1000000)

	ledgerB := ledger.New(nil, nil)
	ledgerB.OpenAccount("A", "USD", 1000000, 1000000)
	ledgerB.OpenAccount("C", "USD", 1000000, 1000000)

	handlerC := paymenthandler.New(acceptingHandler)

	clientCapture = newCapturedResult()

	a = forwarding.New(forwarding.Config{
		NodeAddr: "A", Table: tableA, Ledger: ledgerA,
		Handler: paymenthandler.New(acceptingHandler), Clock: clockutil.SystemClock{},
	})
	b = forwarding.New(forwarding.Config{
		NodeAddr: "B", Table: tableB, Ledger: ledgerB,
		Handler: paymenthandler.New(acceptingHandler), Clock: clockutil.SystemClock{},
	})
	c = forwarding.New(forwarding.Config{
		NodeAddr: "C", LocalPrefixes: []address.Address{address.MustParse("g.workflow")},
		Handler: handlerC, Clock: clockutil.SystemClock{},
	})

	a.RegisterPeerToken("B", "USD")
	b.RegisterPeerToken("C", "USD")

	senderA := &directSender{selfName: "A", targets: map[routing.PeerID]*forwarding.Engine{"B": b}, capture: map[routing.PeerID]*capturedResult{"client": clientCapture}}
	senderB := &directSender{selfName: "B", targets: map[routing.PeerID]*forwarding.Engine{"A": a, "C": c}}
	senderC := &directSender{selfName: "C", targets: map[routing.PeerID]*forwarding.Engine{"B": b}}

	setSender(a, senderA)
	setSender(b, senderB)
	setSender(c, senderC)

	return a, b, c, clientCapture
}

// setSender exists because Config.Sender must be supplied before New starts
// the deadline monitor, but the sender itself needs references to engines
// not yet constructed; tests assemble the mesh in two passes via this
// package-private-equivalent setter exposed for tests only.
func setSender(e *forwarding.Engine, s forwarding.PeerSender) {
	e.SetSender(s)
}

func TestHappyPathThreeHopForward(t *testing.T) {
	a, _, _, clientCapture := buildThreeHopMesh(t)

	preimage := packet.Fulfillment(sha256.Sum256([]byte("x")))
	cond := preimage.Hash()

	prepare := packet.NewPrepare("pay-1", address.MustParse("g.workflow.resize"), 1000, cond, time.Now().Add(30*time.Second), []byte("x"))
	a.HandleInboundPrepare("client", prepare)

	select {
	case f := <-clientCapture.fulfill:
		require.True(t, prepare.Verify(f.Fulfillment))
	case r := <-clientCapture.reject:
		t.Fatalf("expected Fulfill, got Reject %s: %s", r.Code, r.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for end-to-end Fulfill")
	}
}

func TestExpiredAtIngressRejectsWithoutForwarding(t *testing.T) {
	a, _, _, clientCapture := buildThreeHopMesh(t)

	prepare := packet.NewPrepare("pay-2", address.MustParse("g.workflow.resize"), 1000,
		packet.Condition{1}, time.Now().Add(-time.Second), []byte("x"))
	a.HandleInboundPrepare("client", prepare)

	select {
	case r := <-clientCapture.reject:
		require.Equal(t, packet.ErrTransferTimedOut, r.Code)
		require.Equal(t, address.Address("A"), r.TriggeredBy)
	case <-time.After(time.Second):
		t.Fatal("expected immediate Reject for expired Prepare")
	}
}

func TestNoRouteRejectsF02(t *testing.T) {
	a, _, _, clientCapture := buildThreeHopMesh(t)

	prepare := packet.NewPrepare("pay-3", address.MustParse("g.unknown"), 1000,
		packet.Condition{1}, time.Now().Add(30*time.Second), []byte("x"))
	a.HandleInboundPrepare("client", prepare)

	select {
	case r := <-clientCapture.reject:
		require.Equal(t, packet.ErrUnreachable, r.Code)
		require.Equal(t, address.Address("A"), r.TriggeredBy)
	case <-time.After(time.Second):
		t.Fatal("expected Reject F02 for unroutable destination")
	}
}

func TestDeadlineMonitorFiresTimeoutWhenDownstreamNeverResponds(t *testing.T) {
	tableA := routing.New()
	tableA.Insert(routing.Route{Prefix: address.MustParse("g.silent"), NextHop: "B", Source: routing.SourceStatic})

	ledgerA := ledger.New(nil, nil)
	ledgerA.OpenAccount("client", "USD", 1000000, 1000000)
	ledgerA.OpenAccount("B", "USD", 1000000, 1000000)

	clientCapture := newCapturedResult()

	a := forwarding.New(forwarding.Config{
		NodeAddr: "A", Table: tableA, Ledger: ledgerA,
		Handler: paymenthandler.New(acceptingHandler), Clock: clockutil.SystemClock{},
	})
	// "B" has no backing engine: SendPrepare to it still succeeds logically
	// (it is accepted into PendingPrepare) but never produces a response,
	// so the deadline monitor must be the one to resolve it.
	sender := &directSender{
		selfName: "A",
		targets:  map[routing.PeerID]*forwarding.Engine{},
		capture:  map[routing.PeerID]*capturedResult{"client": clientCapture, "B": newCapturedResult()},
	}
	a.RegisterPeerToken("B", "USD")
	setSender(a, sender)

	prepare := packet.NewPrepare("pay-4", address.MustParse("g.silent.leaf"), 1000,
		packet.Condition{1}, time.Now().Add(50*time.Millisecond), []byte("x"))
	a.HandleInboundPrepare("client", prepare)

	select {
	case r := <-clientCapture.reject:
		require.Equal(t, packet.ErrTransferTimedOut, r.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected deadline monitor to synthesize R00")
	}
}
