// Package config is the node configuration: a YAML file over Default,
// then environment overrides, then Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"spectracache/internal/validate"
	"spectracache/pkg/cluster"
	"spectracache/pkg/membership"
	"spectracache/pkg/replica"
	"spectracache/pkg/router"
	"spectracache/pkg/txn"
	"spectracache/pkg/types"
)

// Config holds all configuration for a cache node.
type Config struct {
	Logger     LoggerConfig         `yaml:"logger" validate:"required"`
	Server     ServerConfig         `yaml:"http-server" validate:"required"`
	Node       NodeConfig           `yaml:"node" validate:"required"`
	Sharding   ShardingConfig       `yaml:"sharding" validate:"required"`
	ZooKeeper  ZooKeeperConfig      `yaml:"zookeeper"`
	Engine     cluster.EngineConfig `yaml:"engine" validate:"required"`
	Raft       replica.Config       `yaml:"raft" validate:"required"`
	Txn        txn.Config           `yaml:"txn" validate:"required"`
	Retry      router.RetryConfig   `yaml:"retry" validate:"required"`
	Membership membership.Config    `yaml:"membership" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// NodeConfig describes identity of the node and its peers.
type NodeConfig struct {
	ID types.NodeID `yaml:"id" validate:"required"`
	// Addr is the base URL other nodes reach this one at.
	Addr    string                  `yaml:"addr" validate:"required"`
	Peers   map[types.NodeID]string `yaml:"peers"`
	DataDir string                  `yaml:"data_dir"`
}

// ShardingConfig shapes the first shard map when the cluster bootstraps.
type ShardingConfig struct {
	Shards   int `yaml:"shards" validate:"required,min=1"`
	Replicas int `yaml:"replicas" validate:"required,min=1"`
	VNodes   int `yaml:"vnodes" validate:"required,min=1"`
}

// ZooKeeperConfig enables peer discovery when Servers is set.
type ZooKeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Node: NodeConfig{
			ID:      1,
			Addr:    "http://localhost:8080",
			DataDir: "./data",
		},
		Sharding: ShardingConfig{
			Shards:   4,
			Replicas: 3,
			VNodes:   128,
		},
		ZooKeeper: ZooKeeperConfig{
			Root: "/spectracache",
		},
		Engine:     cluster.DefaultEngineConfig(),
		Raft:       replica.DefaultConfig(),
		Txn:        txn.DefaultConfig(),
		Retry:      router.DefaultRetryConfig(),
		Membership: membership.DefaultConfig(),
	}
}

// Load reads path over Default. A missing file yields Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides node identity, peers and ZooKeeper servers from the
// environment. ZK_SERVERS is a comma separated host list.
func (c *Config) ApplyEnv() error {
	env, err := cluster.FromEnv()
	if err != nil {
		return err
	}
	if env.Local != 0 {
		c.Node.ID = env.Local
	}
	if env.Addr != "" {
		c.Node.Addr = env.Addr
	}
	if len(env.Peers) > 0 {
		c.Node.Peers = env.Peers
	}
	if dir := os.Getenv("SPECTRACACHE_DATA_DIR"); dir != "" {
		c.Node.DataDir = dir
	}
	if raw := os.Getenv("ZK_SERVERS"); raw != "" {
		c.ZooKeeper.Servers = nil
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.ZooKeeper.Servers = append(c.ZooKeeper.Servers, s)
			}
		}
	}
	return nil
}

// Validate checks the validate tags of every section, then what tags cannot
// express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if addr, ok := c.Node.Peers[c.Node.ID]; ok && addr != c.Node.Addr {
		return fmt.Errorf("node: peer table lists %s for this node, addr is %s", addr, c.Node.Addr)
	}
	return nil
}

// Members is the peer table including this node.
func (c Config) Members() map[types.NodeID]string {
	peers := make(map[types.NodeID]string, len(c.Node.Peers)+1)
	for id, addr := range c.Node.Peers {
		peers[id] = addr
	}
	peers[c.Node.ID] = c.Node.Addr
	return peers
}
