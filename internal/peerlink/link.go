package peerlink

import (
	"container/list"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/websocket"

	"github.com/settlemesh/connector/internal/logctx"
	"github.com/settlemesh/connector/internal/packet"
	"github.com/settlemesh/connector/internal/routing"
)

var log btclog.Logger = logctx.NewLogger("PLNK")

const (
	// heartbeatInterval is how often a Link sends a HEARTBEAT while idle.
	heartbeatInterval = 15 * time.Second

	// readTimeout is the maximum time allowed between messages (including
	// heartbeats) before a Link considers its peer dead.
	readTimeout = 45 * time.Second

	// peerIDHeader carries the dialing side's identity; bearerHeader
	// carries its credential. Both are checked during the handshake,
	// per SPEC_FULL §6's "bearer token on connection handshake".
	peerIDHeader = "X-Peer-Id"
	bearerHeader = "Authorization"
)

// InboundHandler receives packets decoded off the wire. *forwarding.Engine
// satisfies this interface without any adapter: its three HandleInbound*
// methods already take the same (routing.PeerID, *packet.X) shapes.
type InboundHandler interface {
	HandleInboundPrepare(peer routing.PeerID, p *packet.Prepare)
	HandleInboundFulfill(peer routing.PeerID, f *packet.Fulfill)
	HandleInboundReject(peer routing.PeerID, r *packet.Reject)
}

type outgoing struct {
	env  envelope
	sent chan struct{}
}

// Link is one peer connection: read, write and queue goroutines plus a
// heartbeat pinger around a *websocket.Conn, mirroring peer.go's
// readHandler/writeHandler/
// queueHandler/pingHandler split.
type Link struct {
	peerID  routing.PeerID
	conn    *websocket.Conn
	handler InboundHandler

	sendQueue     chan outgoing
	outgoingQueue chan outgoing

	lastRecv int64 // unix nano, atomic

	quit chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

func newLink(conn *websocket.Conn, peerID routing.PeerID, handler InboundHandler) *Link {
	l := &Link{
		peerID:        peerID,
		conn:          conn,
		handler:       handler,
		sendQueue:     make(chan outgoing),
		outgoingQueue: make(chan outgoing, 256),
		quit:          make(chan struct{}),
	}
	atomic.StoreInt64(&l.lastRecv, time.Now().UnixNano())
	l.wg.Add(3)
	go l.queueHandler()
	go l.writeHandler()
	go l.readHandler()
	go l.pingHandler()
	return l
}

// Dial opens an outbound Link to url, authenticating as peerID with token.
func Dial(url string, peerID routing.PeerID, token string, handler InboundHandler) (*Link, error) {
	header := http.Header{}
	header.Set(peerIDHeader, string(peerID))
	if token != "" {
		header.Set(bearerHeader, "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("peerlink: dial %s: %w", url, err)
	}
	return newLink(conn, peerID, handler), nil
}

// Authenticator validates the bearer token presented by a dialing peer and
// resolves it to a peer identity. Implementations are expected to be
// constant-time on the token comparison.
type Authenticator func(token string, claimedPeerID routing.PeerID) (routing.PeerID, bool)

// UpgradeHandler returns an http.Handler that upgrades authenticated
// requests to a Link and passes it to onAccept. Rejects with 401 on a
// failed Authenticator check.
func UpgradeHandler(auth Authenticator, handler InboundHandler, onAccept func(*Link)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := stripBearer(r.Header.Get(bearerHeader))
		claimed := routing.PeerID(r.Header.Get(peerIDHeader))
		peerID, ok := auth(token, claimed)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("peerlink: upgrade from %s failed: %v", claimed, err)
			return
		}
		onAccept(newLink(conn, peerID, handler))
	})
}

func stripBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

// PeerID reports the identity of the peer at the other end of the link.
func (l *Link) PeerID() routing.PeerID { return l.peerID }

// Close tears down the link and its goroutines. Safe to call more than
// once and from any goroutine.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.conn.Close()
	})
}

// SendPrepare implements forwarding.PeerSender.
func (l *Link) SendPrepare(_ routing.PeerID, p *packet.Prepare) error {
	env, err := encodePrepare(p)
	if err != nil {
		return err
	}
	return l.enqueue(env)
}

// SendFulfill implements forwarding.PeerSender.
func (l *Link) SendFulfill(_ routing.PeerID, f *packet.Fulfill) error {
	env, err := encodeFulfill(f)
	if err != nil {
		return err
	}
	return l.enqueue(env)
}

// SendReject implements forwarding.PeerSender.
func (l *Link) SendReject(_ routing.PeerID, r *packet.Reject) error {
	env, err := encodeReject(r)
	if err != nil {
		return err
	}
	return l.enqueue(env)
}

func (l *Link) enqueue(env envelope) error {
	select {
	case l.outgoingQueue <- outgoing{env: env}:
		return nil
	case <-l.quit:
		return fmt.Errorf("peerlink: link to %s is closed", l.peerID)
	}
}

// queueHandler drains outgoingQueue into sendQueue, aggressively emptying a
// pending list first so a slow writeHandler never blocks new enqueues up to
// the outgoingQueue's buffer.
func (l *Link) queueHandler() {
	defer l.wg.Done()

	pending := list.New()
	for {
		for {
			elem := pending.Front()
			if elem == nil {
				break
			}
			select {
			case l.sendQueue <- elem.Value.(outgoing):
				pending.Remove(elem)
			case <-l.quit:
				return
			default:
				goto wait
			}
		}
	wait:
		select {
		case <-l.quit:
			return
		case msg := <-l.outgoingQueue:
			pending.PushBack(msg)
		}
	}
}

func (l *Link) writeHandler() {
	defer l.wg.Done()
	for {
		select {
		case out := <-l.sendQueue:
			if err := l.conn.WriteJSON(out.env); err != nil {
				log.Warnf("peerlink: write to %s failed: %v", l.peerID, err)
				l.Close()
				return
			}
		case <-l.quit:
			return
		}
	}
}

func (l *Link) readHandler() {
	defer l.wg.Done()
	defer l.Close()

	for {
		var env envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			log.Infof("peerlink: read from %s failed: %v", l.peerID, err)
			return
		}
		atomic.StoreInt64(&l.lastRecv, time.Now().UnixNano())

		// Dispatched inline, not via a spawned goroutine: §5 requires packets
		// on the same link to preserve order, and Go gives no ordering
		// guarantee across goroutines. The read loop is already the task
		// that may block on network I/O; handler effects (ledger mutation,
		// downstream send) must land before the next message is read.
		switch env.Type {
		case TypeHeartbeat:
			continue
		case TypePrepare:
			p, err := decodePrepare(env)
			if err != nil {
				log.Warnf("peerlink: %v", err)
				continue
			}
			l.handler.HandleInboundPrepare(l.peerID, p)
		case TypeFulfill:
			f, err := decodeFulfill(env)
			if err != nil {
				log.Warnf("peerlink: %v", err)
				continue
			}
			l.handler.HandleInboundFulfill(l.peerID, f)
		case TypeReject:
			r, err := decodeReject(env)
			if err != nil {
				log.Warnf("peerlink: %v", err)
				continue
			}
			l.handler.HandleInboundReject(l.peerID, r)
		default:
			log.Warnf("peerlink: unknown message type %q from %s", env.Type, l.peerID)
		}
	}
}

// pingHandler sends periodic heartbeats and enforces readTimeout liveness.
func (l *Link) pingHandler() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&l.lastRecv))
			if time.Since(last) > readTimeout {
				log.Warnf("peerlink: %s exceeded read timeout, disconnecting", l.peerID)
				l.Close()
				return
			}
			_ = l.enqueue(heartbeatEnvelope())
		case <-l.quit:
			return
		}
	}
}
