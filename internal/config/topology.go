// Package config loads a connector node's identity, peer topology, and
// listener addresses from a YAML file, plus environment-variable
// overrides. It is a thin topology loader feeding internal/routing and
// internal/ledger — not a general application-config framework.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/ledger"
	"github.com/settlemesh/connector/internal/routing"
)

// PeerConfig declares one bilateral link, per spec.md's Peer link entity:
// `{peerId, transport endpoint, authToken, asset, scale, creditLimit,
// settlementThreshold}`.
type PeerConfig struct {
	PeerID              string `yaml:"peerId"`
	Endpoint            string `yaml:"endpoint"`
	AuthToken           string `yaml:"authToken"`
	Asset               string `yaml:"asset"`
	Scale               int    `yaml:"scale"`
	CreditLimit         int64  `yaml:"creditLimit"`
	SettlementThreshold int64  `yaml:"settlementThreshold"`
}

// RouteConfig declares one static route entry.
type RouteConfig struct {
	Prefix   string `yaml:"prefix"`
	NextHop  string `yaml:"nextHop"`
	Priority int    `yaml:"priority"`
}

// Config is the parsed shape of the YAML topology file.
type Config struct {
	NodeID        string        `yaml:"nodeId"`
	LocalPrefixes []string      `yaml:"localPrefixes"`
	BTPPort       int           `yaml:"btpPort"`
	HealthPort    int           `yaml:"healthPort"`
	LogLevel      string        `yaml:"logLevel"`
	TelemetryURL  string        `yaml:"telemetryUrl"`
	PostgresDSN   string        `yaml:"postgresDsn"`
	DataDir       string        `yaml:"dataDir"`
	ShutdownGrace string        `yaml:"shutdownGrace"`
	Peers         []PeerConfig  `yaml:"peers"`
	Routes        []RouteConfig `yaml:"routes"`
	// Topology declares, for every node in the mesh (not just this one),
	// its outbound peer links — consumed by routing.ValidateReachability
	// and routing.DetectDisconnected. A node listed here with an empty
	// peer list is reported by DetectDisconnected.
	Topology map[string][]string `yaml:"topology"`
}

// Load reads and parses the YAML topology file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnvOverrides overlays the environment variables named in SPEC_FULL
// §6 onto cfg, taking precedence over the YAML file's values whenever set.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BTP_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.BTPPort = port
		}
	}
	if v := os.Getenv("HEALTH_CHECK_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.HealthPort = port
		}
	}
	if v := os.Getenv("DASHBOARD_TELEMETRY_URL"); v != "" {
		c.TelemetryURL = v
	}
}

// E2ETestMode reports whether E2E_TESTS is set to a truthy value, which
// cmd/connectord uses to choose the in-memory event store. The telemetry
// emitter's reconnect backoff does not depend on it.
func E2ETestMode() bool {
	v := os.Getenv("E2E_TESTS")
	return v == "1" || v == "true" || v == "TRUE"
}

func parsePort(v string) (int, error) {
	var port int
	_, err := fmt.Sscanf(v, "%d", &port)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("config: port %d out of range", port)
	}
	return port, nil
}

// Validate confirms the config is well-formed enough to build a node from:
// a node ID is set, every local prefix and route prefix parses, every
// route names a next hop, and every peer has a peerId and an asset. It
// does not check next-hop reachability; routing.ValidateReachability does.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: nodeId is required")
	}
	for _, p := range c.LocalPrefixes {
		if _, err := address.Parse(p); err != nil {
			return fmt.Errorf("config: localPrefixes: %w", err)
		}
	}
	for _, r := range c.Routes {
		if _, err := address.Parse(r.Prefix); err != nil {
			return fmt.Errorf("config: route prefix %q: %w", r.Prefix, err)
		}
		if r.NextHop == "" {
			return fmt.Errorf("config: route for prefix %q has no nextHop", r.Prefix)
		}
	}
	for _, p := range c.Peers {
		if p.PeerID == "" {
			return fmt.Errorf("config: peer entry missing peerId")
		}
		if p.Asset == "" {
			return fmt.Errorf("config: peer %s missing asset", p.PeerID)
		}
	}
	return nil
}

// BuildRoutingTable constructs a routing.Table populated with c.Routes as
// static routes.
func (c *Config) BuildRoutingTable() (*routing.Table, error) {
	t := routing.New()
	for _, r := range c.Routes {
		prefix, err := address.Parse(r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("config: route prefix %q: %w", r.Prefix, err)
		}
		t.Insert(routing.Route{
			Prefix:   prefix,
			NextHop:  routing.PeerID(r.NextHop),
			Priority: r.Priority,
			Source:   routing.SourceStatic,
		})
	}
	return t, nil
}

// BuildTopology converts the YAML-declared topology map into the shape
// routing.ValidateReachability and routing.DetectDisconnected expect,
// including this node's own declared peers even if Topology omits it.
func (c *Config) BuildTopology() routing.Topology {
	topo := make(routing.Topology, len(c.Topology)+1)
	for node, peers := range c.Topology {
		ids := make([]routing.PeerID, len(peers))
		for i, p := range peers {
			ids[i] = routing.PeerID(p)
		}
		topo[node] = ids
	}
	if _, ok := topo[c.NodeID]; !ok {
		ids := make([]routing.PeerID, len(c.Peers))
		for i, p := range c.Peers {
			ids[i] = routing.PeerID(p.PeerID)
		}
		topo[c.NodeID] = ids
	}
	return topo
}

// OpenAccounts opens one bilateral ledger account per declared peer, using
// each peer's configured asset as the ledger token and its credit/
// settlement figures as the account's limits.
func (c *Config) OpenAccounts(l *ledger.Ledger) {
	for _, p := range c.Peers {
		l.OpenAccount(ledger.PeerID(p.PeerID), ledger.TokenID(p.Asset), p.CreditLimit, p.SettlementThreshold)
	}
}

// LocalAddresses parses LocalPrefixes into address.Address values.
func (c *Config) LocalAddresses() ([]address.Address, error) {
	out := make([]address.Address, len(c.LocalPrefixes))
	for i, p := range c.LocalPrefixes {
		a, err := address.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("config: localPrefixes: %w", err)
		}
		out[i] = a
	}
	return out, nil
}
