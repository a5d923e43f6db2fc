// connectord is the settlement-connector mesh node daemon: it loads a
// node's topology, wires together routing, ledger, forwarding, peer
// transport, and telemetry, and runs until signaled to stop.
package main

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/audit"
	"github.com/settlemesh/connector/internal/config"
	"github.com/settlemesh/connector/internal/envelope"
	"github.com/settlemesh/connector/internal/eventstore"
	"github.com/settlemesh/connector/internal/followgraph"
	"github.com/settlemesh/connector/internal/forwarding"
	"github.com/settlemesh/connector/internal/fraud"
	"github.com/settlemesh/connector/internal/ledger"
	"github.com/settlemesh/connector/internal/logctx"
	"github.com/settlemesh/connector/internal/packet"
	"github.com/settlemesh/connector/internal/paymenthandler"
	"github.com/settlemesh/connector/internal/peerlink"
	"github.com/settlemesh/connector/internal/ratelimit"
	"github.com/settlemesh/connector/internal/routing"
	"github.com/settlemesh/connector/internal/telemetry"
)

// Exit codes, per SPEC_FULL §6: 0 on a clean shutdown, 1 for a config/
// startup error, 2 for an unrecoverable runtime error.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitRuntimeError  = 2
	defaultShutdownGr = 5 * time.Second
)

// exitCodeError carries the process exit code a failure should produce,
// distinguishing "bad config, never started" from "died while running".
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }

func newConfigError(format string, args ...interface{}) error {
	return &exitCodeError{code: exitConfigError, err: fmt.Errorf(format, args...)}
}

func newRuntimeError(format string, args ...interface{}) error {
	return &exitCodeError{code: exitRuntimeError, err: fmt.Errorf(format, args...)}
}

func main() {
	app := cli.NewApp()
	app.Name = "connectord"
	app.Usage = "run a settlement-connector mesh node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "connectord.yaml",
			Usage: "path to the node's YAML topology file",
		},
		cli.StringFlag{
			Name:  "node-id",
			Usage: "override the configured node id",
		},
		cli.IntFlag{
			Name:  "btp-port",
			Usage: "override the configured peer-link listen port",
		},
		cli.IntFlag{
			Name:  "health-port",
			Usage: "override the configured telemetry/health listen port",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override the configured log level (trace|debug|info|warn|error|fatal|silent)",
		},
		cli.StringFlag{
			Name:  "telemetry-url",
			Usage: "override the configured dashboard telemetry websocket URL",
		},
	}
	app.Action = runNode

	if err := app.Run(os.Args); err != nil {
		if ce, ok := err.(*exitCodeError); ok {
			fmt.Fprintf(os.Stderr, "connectord: %v\n", ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintf(os.Stderr, "connectord: %v\n", err)
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

// runNode is the "true" entry point: kept separate from main so the
// caller can translate a returned error into the right process exit
// code, mirroring the lndMain()/main() split.
func runNode(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	logctx.Init(os.Stdout, cfg.NodeID)
	if cfg.LogLevel != "" {
		logctx.SetGlobalLevel(cfg.LogLevel)
	}
	log := logctx.NewLogger("CNCT")
	log.Infof("starting node %s", cfg.NodeID)

	localAddrs, err := cfg.LocalAddresses()
	if err != nil {
		return newConfigError("local addresses: %w", err)
	}

	table, err := cfg.BuildRoutingTable()
	if err != nil {
		return newConfigError("routing table: %w", err)
	}

	topo := cfg.BuildTopology()
	for _, issue := range table.ValidateReachability(cfg.NodeID, topo) {
		if issue.Fatal {
			return newConfigError("routing: %s: route to %s via %s", issue.Message, issue.Route.Prefix, issue.Route.NextHop)
		}
		log.Warnf("routing: %s: route to %s via %s", issue.Message, issue.Route.Prefix, issue.Route.NextHop)
	}
	for _, node := range routing.DetectDisconnected(topo) {
		log.Warnf("topology: node %s declares no outbound peer links", node)
	}

	store, err := openStore(cfg)
	if err != nil {
		return newConfigError("event store: %w", err)
	}
	defer store.Close()

	auditor := audit.New(store)
	limiter := ratelimit.New()
	defer limiter.Close()
	detector := fraud.New()

	var emitter *telemetry.Emitter
	if cfg.TelemetryURL != "" {
		emitter = telemetry.NewEmitter(cfg.NodeID, cfg.TelemetryURL)
		defer emitter.Close()
	}

	led := ledger.New(emitter, ledger.NoopSettlementExecutor{})
	cfg.OpenAccounts(led)

	fgRouter := followgraph.New(table, followgraph.StorePersister{Store: store}, true)

	env := envelope.New(limiter, detector, auditor, nil, defaultAcceptHandler(log))
	handler := paymenthandler.New(env.Handle)

	registry := newPeerRegistry()

	engine := forwarding.New(forwarding.Config{
		NodeAddr:      primaryAddress(localAddrs, cfg.NodeID),
		LocalPrefixes: localAddrs,
		Table:         table,
		Ledger:        led,
		Handler:       handler,
		Sender:        registry,
		Emitter:       emitter,
	})

	registry.setHandler(engine)

	for _, p := range cfg.Peers {
		engine.RegisterPeerToken(routing.PeerID(p.PeerID), ledger.TokenID(p.Asset))
	}

	links := dialPeers(log, cfg, registry)
	defer closeLinks(links)

	auth := bearerAuthenticator(cfg)
	btpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.BTPPort))
	if err != nil {
		return newRuntimeError("peer-link listener: %w", err)
	}
	btpServer := &http.Server{
		Handler: peerlink.UpgradeHandler(auth, engine, func(l *peerlink.Link) { registry.set(l.PeerID(), l) }),
	}
	go func() {
		if err := btpServer.Serve(btpListener); err != nil && err != http.ErrServerClosed {
			log.Errorf("peer-link listener: %v", err)
		}
	}()
	defer btpServer.Close()

	telSrv := telemetry.NewServer(cfg.NodeID)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", telSrv.ServeHealth)
	mux.HandleFunc("/api/balances", telSrv.ServeBalances)
	mux.HandleFunc("/api/settlements", telSrv.ServeSettlements)
	mux.HandleFunc("/ws", telSrv.HandleWebSocket)
	mux.HandleFunc("/api/follow-events", followEventHandler(log, fgRouter))
	mux.Handle("/metrics", telSrv.MetricsHandler())
	healthListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		return newRuntimeError("health/telemetry listener: %w", err)
	}
	healthServer := &http.Server{Handler: mux}
	go func() {
		if err := healthServer.Serve(healthListener); err != nil && err != http.ErrServerClosed {
			log.Errorf("health/telemetry listener: %v", err)
		}
	}()
	defer healthServer.Close()

	log.Infof("node %s ready: btp :%d, health :%d", cfg.NodeID, cfg.BTPPort, cfg.HealthPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Infof("shutdown signal received")
	engine.Shutdown(shutdownGrace(cfg))
	log.Infof("shutdown complete")
	return nil
}

// loadConfig reads the YAML topology file, applies environment overrides,
// then CLI flags (highest precedence), and validates the result.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, newConfigError("%w", err)
	}

	cfg.ApplyEnvOverrides()

	if ctx.IsSet("node-id") {
		cfg.NodeID = ctx.String("node-id")
	}
	if ctx.IsSet("btp-port") {
		cfg.BTPPort = ctx.Int("btp-port")
	}
	if ctx.IsSet("health-port") {
		cfg.HealthPort = ctx.Int("health-port")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("telemetry-url") {
		cfg.TelemetryURL = ctx.String("telemetry-url")
	}

	if err := cfg.Validate(); err != nil {
		return nil, newConfigError("%w", err)
	}
	return cfg, nil
}

// openStore picks an eventstore.Store backend: in-process memory under
// E2E_TESTS, Postgres when a DSN is configured, otherwise an embedded
// bbolt file under DataDir.
func openStore(cfg *config.Config) (eventstore.Store, error) {
	switch {
	case config.E2ETestMode():
		return eventstore.NewMemoryStore(), nil
	case cfg.PostgresDSN != "":
		return eventstore.OpenPostgres(cfg.PostgresDSN)
	default:
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		return eventstore.OpenBolt(dataDir)
	}
}

// primaryAddress picks the address an engine identifies itself as in
// reject rewriting: the first declared local prefix, or a synthesized one
// from the node id if none is configured.
func primaryAddress(local []address.Address, nodeID string) address.Address {
	if len(local) > 0 {
		return local[0]
	}
	return address.Address(nodeID)
}

// defaultAcceptHandler is the payment handler used when no real business
// logic is wired in: it accepts every request. A deployment connecting
// connectord to an actual agent/workflow backend replaces this with its
// own paymenthandler.Handler.
func defaultAcceptHandler(log interface{ Warnf(string, ...interface{}) }) paymenthandler.Handler {
	return func(req paymenthandler.Request) paymenthandler.Response {
		log.Warnf("payment %s dispatched to default accept-all handler (no business handler configured)", req.PaymentID)
		return paymenthandler.Response{Accept: true}
	}
}

// dialPeers opens an outbound peerlink.Link to every configured peer whose
// endpoint is set, registering each into registry under its peer id. A
// node with no outbound links (purely inbound) configures no peers with
// endpoints and relies entirely on UpgradeHandler-accepted connections.
func dialPeers(log btclogLogger, cfg *config.Config, registry *peerRegistry) []*peerlink.Link {
	var links []*peerlink.Link
	for _, p := range cfg.Peers {
		if p.Endpoint == "" {
			continue
		}
		link, err := peerlink.Dial(p.Endpoint, routing.PeerID(p.PeerID), p.AuthToken, registry.handler)
		if err != nil {
			log.Warnf("peer-link: could not dial %s (%s): %v", p.PeerID, p.Endpoint, err)
			continue
		}
		registry.set(link.PeerID(), link)
		links = append(links, link)
	}
	return links
}

func closeLinks(links []*peerlink.Link) {
	for _, l := range links {
		l.Close()
	}
}

// peerRegistry implements forwarding.PeerSender by dispatching each call to
// the peerlink.Link registered for the named peer, multiplexing the
// engine's single Sender field across every bilateral connection — mirrors
// the directSender test double's routing-table-by-peer-id shape.
type peerRegistry struct {
	mu      sync.RWMutex
	links   map[routing.PeerID]*peerlink.Link
	handler peerlink.InboundHandler
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{links: make(map[routing.PeerID]*peerlink.Link)}
}

func (r *peerRegistry) setHandler(h peerlink.InboundHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *peerRegistry) set(peer routing.PeerID, l *peerlink.Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[peer] = l
}

func (r *peerRegistry) get(peer routing.PeerID) (*peerlink.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[peer]
	return l, ok
}

func (r *peerRegistry) SendPrepare(peer routing.PeerID, p *packet.Prepare) error {
	l, ok := r.get(peer)
	if !ok {
		return fmt.Errorf("peerlink: no connection to peer %s", peer)
	}
	return l.SendPrepare(peer, p)
}

func (r *peerRegistry) SendFulfill(peer routing.PeerID, f *packet.Fulfill) error {
	l, ok := r.get(peer)
	if !ok {
		return fmt.Errorf("peerlink: no connection to peer %s", peer)
	}
	return l.SendFulfill(peer, f)
}

func (r *peerRegistry) SendReject(peer routing.PeerID, rej *packet.Reject) error {
	l, ok := r.get(peer)
	if !ok {
		return fmt.Errorf("peerlink: no connection to peer %s", peer)
	}
	return l.SendReject(peer, rej)
}

// btclogLogger is the narrow logging surface this file depends on,
// satisfied by btclog.Logger without importing it just for the type name.
type btclogLogger interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

// bearerAuthenticator builds a peerlink.Authenticator from the bearer
// tokens declared per peer in the topology file.
func bearerAuthenticator(cfg *config.Config) peerlink.Authenticator {
	tokens := make(map[string]routing.PeerID, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.AuthToken != "" {
			tokens[p.AuthToken] = routing.PeerID(p.PeerID)
		}
	}
	return func(token string, claimed routing.PeerID) (routing.PeerID, bool) {
		var peerID routing.PeerID
		ok := false
		for known, id := range tokens {
			if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
				peerID, ok = id, true
			}
		}
		if !ok || peerID != claimed {
			return "", false
		}
		return peerID, true
	}
}

// followEventHandler accepts gossiped follow-graph events over HTTP,
// decoding the wire codec and applying them to the router.
func followEventHandler(log btclogLogger, router *followgraph.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		buf, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "could not read body", http.StatusBadRequest)
			return
		}
		evt, err := followgraph.Decode(buf)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if reject := router.UpdateFromFollowEvent(evt); reject != nil {
			log.Warnf("follow-event rejected: %s: %s", reject.Code, reject.Message)
			http.Error(w, string(reject.Code)+": "+reject.Message, http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// shutdownGrace parses cfg.ShutdownGrace, falling back to a sane default
// when absent or unparseable.
func shutdownGrace(cfg *config.Config) time.Duration {
	if cfg.ShutdownGrace == "" {
		return defaultShutdownGr
	}
	d, err := time.ParseDuration(cfg.ShutdownGrace)
	if err != nil {
		return defaultShutdownGr
	}
	return d
}
