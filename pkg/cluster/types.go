package cluster

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"spectracache/pkg/types"
)

// ClusterConfig is the identity of this node and the address of every peer.
type ClusterConfig struct {
	Local types.NodeID
	Addr  string
	Peers map[types.NodeID]string
}

// FromEnv reads the node identity from the environment:
//
//	SPECTRACACHE_NODE_ID=1
//	SPECTRACACHE_NODE_ADDR=http://node1:8080
//	SPECTRACACHE_PEERS=1=http://node1:8080,2=http://node2:8080,3=http://node3:8080
//
// Unset variables leave the matching field zero.
func FromEnv() (ClusterConfig, error) {
	var cfg ClusterConfig
	if raw := os.Getenv("SPECTRACACHE_NODE_ID"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			return cfg, fmt.Errorf("SPECTRACACHE_NODE_ID: invalid node id %q", raw)
		}
		cfg.Local = types.NodeID(id)
	}
	cfg.Addr = strings.TrimSpace(os.Getenv("SPECTRACACHE_NODE_ADDR"))

	peers, err := ParsePeers(os.Getenv("SPECTRACACHE_PEERS"))
	if err != nil {
		return cfg, fmt.Errorf("SPECTRACACHE_PEERS: %w", err)
	}
	cfg.Peers = peers
	if cfg.Local != 0 && cfg.Addr == "" {
		cfg.Addr = peers[cfg.Local]
	}
	return cfg, nil
}

// ParsePeers parses "id=addr" pairs separated by commas.
func ParsePeers(raw string) (map[types.NodeID]string, error) {
	peers := make(map[types.NodeID]string)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idPart, addr, ok := strings.Cut(p, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("peer %q: want id=addr", p)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("peer %q: invalid node id", p)
		}
		if _, dup := peers[types.NodeID(id)]; dup {
			return nil, fmt.Errorf("peer %d listed twice", id)
		}
		peers[types.NodeID(id)] = strings.TrimSpace(addr)
	}
	return peers, nil
}
