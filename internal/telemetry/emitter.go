package telemetry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/websocket"

	"github.com/settlemesh/connector/internal/logctx"
)

var log btclog.Logger = logctx.NewLogger("TELE")

const (
	bufferCap        = 10000
	initialBackoff   = 100 * time.Millisecond
	maxBackoff       = 10 * time.Second
	backoffJitterPct = 0.10
)

// Emitter maintains a persistent outbound connection to a telemetry server
// and streams typed events. On disconnect it reconnects with exponential
// backoff and enqueues messages into a bounded, drop-oldest ring buffer
// until the connection is restored. It never raises an error into the
// caller: every failure is swallowed and logged, per SPEC_FULL §4.10/§7.
type Emitter struct {
	nodeID string
	url    string

	mu      sync.Mutex
	buf     []Message
	conn    *websocket.Conn
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewEmitter constructs an Emitter for nodeID targeting the telemetry
// server at url. An empty url disables the emitter entirely (Enqueue
// becomes a no-op), matching the `--telemetry-url ""` CLI flag (SPEC_FULL
// §6).
func NewEmitter(nodeID, url string) *Emitter {
	e := &Emitter{
		nodeID:  nodeID,
		url:     url,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	if url != "" {
		go e.run()
	}
	return e
}

// Enqueue appends m (stamping NodeID/Timestamp if unset) to the outbound
// buffer, dropping the oldest entry if the buffer is full.
func (e *Emitter) Enqueue(m Message) {
	if e == nil || e.url == "" {
		return
	}
	if m.NodeID == "" {
		m.NodeID = e.nodeID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	e.mu.Lock()
	if len(e.buf) >= bufferCap {
		e.buf = e.buf[1:]
	}
	e.buf = append(e.buf, m)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close stops the emitter's background connection loop.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	close(e.stopped)
}

func (e *Emitter) run() {
	backoff := initialBackoff
	for {
		select {
		case <-e.stopped:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
		if err != nil {
			log.Warnf("telemetry dial failed: %v", err)
			if !e.sleepBackoff(&backoff) {
				return
			}
			continue
		}

		backoff = initialBackoff
		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()

		e.drain(conn)

		e.mu.Lock()
		e.conn = nil
		e.mu.Unlock()
	}
}

// drain streams buffered messages to conn until send fails or the emitter
// is closed.
func (e *Emitter) drain(conn *websocket.Conn) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopped:
			return
		case <-e.wake:
		case <-ticker.C:
		}

		for {
			e.mu.Lock()
			if len(e.buf) == 0 {
				e.mu.Unlock()
				break
			}
			next := e.buf[0]
			e.mu.Unlock()

			if err := conn.WriteJSON(next); err != nil {
				log.Warnf("telemetry send failed, will reconnect: %v", err)
				return
			}

			e.mu.Lock()
			if len(e.buf) > 0 {
				e.buf = e.buf[1:]
			}
			e.mu.Unlock()
		}
	}
}

func (e *Emitter) sleepBackoff(backoff *time.Duration) bool {
	jitter := time.Duration(float64(*backoff) * backoffJitterPct * (rand.Float64()*2 - 1))
	wait := *backoff + jitter
	if wait < 0 {
		wait = *backoff
	}

	select {
	case <-time.After(wait):
	case <-e.stopped:
		return false
	}

	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}
