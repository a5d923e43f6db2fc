// Package forwarding implements the packet state machine and forwarding
// engine: the component that turns an inbound Prepare into either a local
// payment-handler dispatch or an outbound hop, and correlates the eventual
// Fulfill/Reject back to the upstream peer.
//
// Grounded on htlcswitch/switch.go's htlcForwarder single-goroutine-owns-
// maps actor loop and switch_control.go's ControlTower correlation guard,
// generalized to the sharded per-peer pending maps required by SPEC_FULL
// §5 instead of one global circuit map.
package forwarding

import (
	"time"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/clockutil"
	"github.com/settlemesh/connector/internal/ledger"
	"github.com/settlemesh/connector/internal/logctx"
	"github.com/settlemesh/connector/internal/packet"
	"github.com/settlemesh/connector/internal/paymenthandler"
	"github.com/settlemesh/connector/internal/routing"
	"github.com/settlemesh/connector/internal/telemetry"
)

var log btclog.Logger = logctx.NewLogger("FWD")

// PeerSender is the outbound half of the peer wire protocol (§6): the
// engine calls these to emit packets toward a peer link. Implementations
// own the actual connection and framing.
type PeerSender interface {
	SendPrepare(peer routing.PeerID, p *packet.Prepare) error
	SendFulfill(peer routing.PeerID, f *packet.Fulfill) error
	SendReject(peer routing.PeerID, r *packet.Reject) error
}

// defaultDeadlineTick is how often the deadline monitor scans for expired
// PendingPrepare entries.
const defaultDeadlineTick = 250 * time.Millisecond

// Engine is the forwarding engine for a single connector node.
type Engine struct {
	nodeAddr      address.Address
	localPrefixes []address.Address

	table   *routing.Table
	ledger  *ledger.Ledger
	handler *paymenthandler.Adapter
	sender  PeerSender
	emitter *telemetry.Emitter

	tokenForPeer map[routing.PeerID]ledger.TokenID

	pending *pendingStore
	clock   clockutil.Clock

	shuttingDown chan struct{}
	stopped      chan struct{}
}

// Config carries the collaborators an Engine is wired to.
type Config struct {
	NodeAddr      address.Address
	LocalPrefixes []address.Address
	Table         *routing.Table
	Ledger        *ledger.Ledger
	Handler       *paymenthandler.Adapter
	Sender        PeerSender
	Emitter       *telemetry.Emitter
	Clock         clockutil.Clock
}

// New constructs an Engine and starts its deadline monitor goroutine.
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockutil.SystemClock{}
	}
	e := &Engine{
		nodeAddr:      cfg.NodeAddr,
		localPrefixes: cfg.LocalPrefixes,
		table:         cfg.Table,
		ledger:        cfg.Ledger,
		handler:       cfg.Handler,
		sender:        cfg.Sender,
		emitter:       cfg.Emitter,
		tokenForPeer:  make(map[routing.PeerID]ledger.TokenID),
		pending:       newPendingStore(),
		clock:         clock,
		shuttingDown:  make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go e.deadlineMonitor()
	return e
}

// RegisterPeerToken associates peer with the asset/scale token used on its
// bilateral account, per the peer-link configuration (§3).
func (e *Engine) RegisterPeerToken(peer routing.PeerID, token ledger.TokenID) {
	e.tokenForPeer[peer] = token
}

// SetSender assigns the engine's outbound transport, replacing any
// Config.Sender. cmd/connectord passes its peer registry as Config.Sender
// and does not call this; it serves callers, such as the forwarding tests,
// that can only build the sender after the Engine exists.
func (e *Engine) SetSender(s PeerSender) {
	e.sender = s
}

func (e *Engine) isLocalDestination(dest address.Address) bool {
	for _, prefix := range e.localPrefixes {
		if address.HasPrefix(prefix, dest) {
			return true
		}
	}
	return false
}

// HandleInboundPrepare implements SPEC_FULL §4.3 steps 2-6: expiry check,
// destination classification, next-hop resolution, capacity check, and
// forwarding. upstream is the peer link the Prepare arrived on.
func (e *Engine) HandleInboundPrepare(upstream routing.PeerID, p *packet.Prepare) {
	e.emitPacketEvent(telemetry.PacketReceived, upstream, p.ID)

	select {
	case <-e.shuttingDown:
		e.rejectToUpstream(upstream, p.ID, packet.ErrPeerUnreachable, "connector is shutting down")
		return
	default:
	}

	now := e.clock.Now()
	if !p.ExpiresAt.After(now) {
		e.rejectToUpstream(upstream, p.ID, packet.ErrTransferTimedOut, "Prepare expired before forwarding")
		return
	}

	if e.isLocalDestination(p.Destination) {
		e.dispatchLocal(upstream, p)
		return
	}

	downstream, ok := e.table.Lookup(p.Destination)
	if !ok {
		e.rejectToUpstream(upstream, p.ID, packet.ErrUnreachable, "no route to destination")
		return
	}

	token, ok := e.tokenForPeer[downstream]
	if !ok {
		e.rejectToUpstream(upstream, p.ID, packet.ErrUnreachable, "no token configured for next hop")
		return
	}

	if !e.ledger.AdmitsCredit(ledger.PeerID(downstream), token, int64(p.Amount)) {
		e.rejectToUpstream(upstream, p.ID, packet.ErrInsufficientLiq, "downstream credit limit exceeded")
		return
	}

	e.pending.put(&PendingPrepare{
		ID:                 p.ID,
		Upstream:           upstream,
		Downstream:         downstream,
		Amount:             p.Amount,
		ExecutionCondition: p.ExecutionCondition,
		Deadline:           p.ExpiresAt,
	})

	if err := e.sender.SendPrepare(downstream, p); err != nil {
		e.pending.take(downstream, p.ID)
		e.rejectToUpstream(upstream, p.ID, packet.ErrPeerUnreachable, "downstream peer unreachable")
		return
	}
	e.emitPacketEvent(telemetry.PacketSent, downstream, p.ID)
}

// dispatchLocal sends p to the business-layer payment handler adapter and
// returns its Fulfill/Reject directly to upstream — a local destination has
// no downstream peer link or PendingPrepare entry.
func (e *Engine) dispatchLocal(upstream routing.PeerID, p *packet.Prepare) {
	fulfill, reject := e.handler.Handle(p)
	if reject != nil {
		if reject.TriggeredBy == "" {
			reject.TriggeredBy = e.nodeAddr
		}
		e.sendReject(upstream, reject)
		return
	}
	e.sendFulfill(upstream, fulfill)
}

// HandleInboundFulfill implements SPEC_FULL §4.3 step 7's Fulfill branch:
// preimage verification, ledger commit, propagation, and cleanup.
// downstream is the peer link the Fulfill arrived on.
func (e *Engine) HandleInboundFulfill(downstream routing.PeerID, f *packet.Fulfill) {
	entry, ok := e.pending.take(downstream, f.ID)
	if !ok {
		log.Warnf("forwarding: late Fulfill %s from %s discarded (no pending entry)", f.ID, downstream)
		return
	}

	if f.Fulfillment.Hash() != entry.ExecutionCondition {
		log.Errorf("forwarding: Fulfill %s from %s does not match execution condition", f.ID, downstream)
		log.Debugf("forwarding: mismatched fulfillment detail: %s", spew.Sdump(f))
		e.rejectToUpstream(entry.Upstream, f.ID, packet.ErrApplicationError, "fulfillment mismatch")
		return
	}

	token := e.tokenForPeer[downstream]
	if err := e.ledger.SettleHop(ledger.PeerID(entry.Upstream), ledger.PeerID(downstream), token, int64(entry.Amount)); err != nil {
		log.Errorf("forwarding: ledger settle for hop %s failed: %v", f.ID, err)
	}

	e.sendFulfill(entry.Upstream, f)
}

// HandleInboundReject implements SPEC_FULL §4.3 step 7's Reject branch:
// triggeredBy rewriting, propagation, and cleanup. downstream is the peer
// link the Reject arrived on.
func (e *Engine) HandleInboundReject(downstream routing.PeerID, r *packet.Reject) {
	entry, ok := e.pending.take(downstream, r.ID)
	if !ok {
		log.Warnf("forwarding: late Reject %s from %s discarded (no pending entry)", r.ID, downstream)
		return
	}

	if r.TriggeredBy == "" {
		r.TriggeredBy = e.nodeAddr
	}
	e.sendReject(entry.Upstream, r)
}

func (e *Engine) rejectToUpstream(upstream routing.PeerID, id string, code packet.ErrorCode, message string) {
	e.sendReject(upstream, packet.NewReject(id, code, message, e.nodeAddr, nil))
}

func (e *Engine) sendFulfill(peer routing.PeerID, f *packet.Fulfill) {
	if err := e.sender.SendFulfill(peer, f); err != nil {
		log.Warnf("forwarding: failed to send Fulfill %s to %s: %v", f.ID, peer, err)
		return
	}
	e.emitPacketEvent(telemetry.PacketSent, peer, f.ID)
}

func (e *Engine) sendReject(peer routing.PeerID, r *packet.Reject) {
	if err := e.sender.SendReject(peer, r); err != nil {
		log.Warnf("forwarding: failed to send Reject %s to %s: %v", r.ID, peer, err)
		return
	}
	e.emitPacketEvent(telemetry.PacketSent, peer, r.ID)
}

func (e *Engine) emitPacketEvent(msgType telemetry.MessageType, peer routing.PeerID, id string) {
	e.emitter.Enqueue(telemetry.Message{
		Type: msgType,
		Data: map[string]interface{}{
			"peerId":   string(peer),
			"packetId": id,
		},
	})
}

// deadlineMonitor fires Reject R00 upstream for every PendingPrepare whose
// deadline has passed, per SPEC_FULL §5/§9's "Deadline monitor" note.
func (e *Engine) deadlineMonitor() {
	ticker := time.NewTicker(defaultDeadlineTick)
	defer ticker.Stop()
	defer close(e.stopped)

	for {
		select {
		case <-ticker.C:
			for _, entry := range e.pending.expired(e.clock.Now()) {
				log.Warnf("forwarding: Prepare %s to %s timed out", entry.ID, entry.Downstream)
				e.rejectToUpstream(entry.Upstream, entry.ID, packet.ErrTransferTimedOut, "downstream response deadline exceeded")
			}
		case <-e.shuttingDown:
			return
		}
	}
}

// Shutdown stops accepting new Prepares immediately, waits up to grace for
// in-flight PendingPrepare entries to resolve, then synthesizes T01 rejects
// upstream for anything still outstanding (SPEC_FULL §5).
func (e *Engine) Shutdown(grace time.Duration) {
	close(e.shuttingDown)
	<-e.stopped

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(e.pending.all()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, entry := range e.pending.all() {
		e.pending.take(entry.Downstream, entry.ID)
		e.rejectToUpstream(entry.Upstream, entry.ID, packet.ErrPeerUnreachable, "connector shut down with Prepare outstanding")
	}
}
