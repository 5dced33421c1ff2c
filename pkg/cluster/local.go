package cluster

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/clock"
	"spectracache/pkg/membership"
	"spectracache/pkg/metrics"
	"spectracache/pkg/replica"
	"spectracache/pkg/router"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/txn"
	"spectracache/pkg/types"
)

// LocalOptions describes an in-process cluster.
type LocalOptions struct {
	Nodes    int
	Shards   int
	Replicas int
	VNodes   int

	Engine     EngineConfig
	Replica    replica.Config
	Txn        txn.Config
	Retry      router.RetryConfig
	Membership membership.Config
	Clock      clock.Clock
	Metrics    metrics.Collector
	Logger     *slog.Logger
}

// DefaultLocalOptions uses short timers so that elections and failure
// detection finish within a test.
func DefaultLocalOptions() LocalOptions {
	rc := replica.DefaultConfig()
	rc.TickInterval = 10 * time.Millisecond
	rc.ElectionTick = 10
	rc.HeartbeatTick = 1
	rc.ProposalTimeout = 2 * time.Second
	rc.PreparedTimeout = time.Second
	rc.SweepGrace = 200 * time.Millisecond
	rc.SweepInterval = 50 * time.Millisecond
	rc.LockWait = 200 * time.Millisecond
	rc.SnapshotEntries = 1000
	rc.CompactionOverhead = 200

	tc := txn.DefaultConfig()
	tc.PreparedTimeout = time.Second
	tc.SafetyMargin = 200 * time.Millisecond

	return LocalOptions{
		Nodes:    3,
		Shards:   2,
		Replicas: 3,
		VNodes:   64,
		Engine:   DefaultEngineConfig(),
		Replica:  rc,
		Txn:      tc,
		Retry: router.RetryConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     200 * time.Millisecond,
			Attempts:        60,
		},
		Membership: membership.Config{
			Interval:     20 * time.Millisecond,
			Timeout:      20 * time.Millisecond,
			SuspectAfter: 2,
			DeadAfter:    5,
		},
	}
}

type link struct{ a, b types.NodeID }

func linkOf(a, b types.NodeID) link {
	if a > b {
		a, b = b, a
	}
	return link{a, b}
}

// LocalCluster runs several hosts in one process. Raft messages and router
// calls are direct method calls that can be cut by killing a node or
// partitioning the network. Logs live in memory and survive a restart.
type LocalCluster struct {
	opts LocalOptions
	ctx  context.Context
	log  *slog.Logger

	mu    sync.RWMutex
	hosts map[types.NodeID]*Host
	addrs map[types.NodeID]string
	cut   map[link]bool
	logs  map[types.NodeID]map[types.ShardID]*replica.MemoryLogStore
	boot  *shardmap.Map
}

func NewLocalCluster(ctx context.Context, opts LocalOptions) (*LocalCluster, error) {
	if opts.Nodes <= 0 {
		return nil, fmt.Errorf("local cluster needs at least one node")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ids := make([]types.NodeID, 0, opts.Nodes)
	addrs := make(map[types.NodeID]string, opts.Nodes)
	for i := 1; i <= opts.Nodes; i++ {
		id := types.NodeID(i)
		ids = append(ids, id)
		addrs[id] = fmt.Sprintf("local://node%d", i)
	}
	boot, err := shardmap.Initial(opts.Shards, ids, opts.Replicas, opts.VNodes)
	if err != nil {
		return nil, err
	}

	c := &LocalCluster{
		opts:  opts,
		ctx:   ctx,
		log:   opts.Logger,
		hosts: make(map[types.NodeID]*Host),
		addrs: addrs,
		cut:   make(map[link]bool),
		logs:  make(map[types.NodeID]map[types.ShardID]*replica.MemoryLogStore),
		boot:  boot,
	}
	for _, id := range ids {
		if err := c.startHost(id, boot); err != nil {
			c.Stop()
			return nil, err
		}
	}
	return c, nil
}

func (c *LocalCluster) startHost(id types.NodeID, smap *shardmap.Map) error {
	h, err := NewHost(Options{
		ID:         id,
		Addr:       c.addrs[id],
		Peers:      c.addrs,
		Map:        smap,
		Engine:     c.opts.Engine,
		Replica:    c.opts.Replica,
		Txn:        c.opts.Txn,
		Retry:      c.opts.Retry,
		Membership: c.opts.Membership,
		OpenLog:    func(shard types.ShardID) (replica.LogStore, error) { return c.logStore(id, shard), nil },
		Transport:  &localTransport{c: c, from: id},
		NewClient:  func(to types.NodeID) (router.Remote, error) { return c.remote(id, to) },
		Probe: func(_ context.Context, n membership.Node) error {
			_, err := c.remote(id, n.ID)
			return err
		},
		Clock:   c.opts.Clock,
		Metrics: c.opts.Metrics,
		Logger:  c.log,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.hosts[id] = h
	c.mu.Unlock()
	if err := h.Start(c.ctx); err != nil {
		c.mu.Lock()
		delete(c.hosts, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *LocalCluster) logStore(id types.NodeID, shard types.ShardID) *replica.MemoryLogStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logs[id] == nil {
		c.logs[id] = make(map[types.ShardID]*replica.MemoryLogStore)
	}
	s, ok := c.logs[id][shard]
	if !ok {
		s = replica.NewMemoryLogStore()
		c.logs[id][shard] = s
	}
	return s
}

// reachable fails with NodeUnreachable when to is down or cut off from from.
func (c *LocalCluster) reachable(from, to types.NodeID) (*Host, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hosts[to]
	if !ok || c.hosts[from] == nil {
		return nil, fmt.Errorf("%w: node %d is down", cacheerr.ErrNodeUnreachable, to)
	}
	if c.cut[linkOf(from, to)] {
		return nil, fmt.Errorf("%w: node %d is partitioned from %d", cacheerr.ErrNodeUnreachable, to, from)
	}
	return h, nil
}

func (c *LocalCluster) remote(from, to types.NodeID) (router.Remote, error) {
	h, err := c.reachable(from, to)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Host returns a running host.
func (c *LocalCluster) Host(id types.NodeID) *Host {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hosts[id]
}

// Hosts returns the running hosts ordered by id.
func (c *LocalCluster) Hosts() []*Host {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Host, 0, len(c.hosts))
	for _, h := range c.hosts {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *Host) int { return cmp.Compare(a.id, b.id) })
	return out
}

// ShardMap is the newest map any running host knows.
func (c *LocalCluster) ShardMap() *shardmap.Map {
	m := c.boot
	for _, h := range c.Hosts() {
		if hm := h.router.ShardMap(); hm.Version() > m.Version() {
			m = hm
		}
	}
	return m
}

// Kill stops a node without warning. Its log survives for Restart.
func (c *LocalCluster) Kill(id types.NodeID) {
	c.mu.Lock()
	h := c.hosts[id]
	delete(c.hosts, id)
	c.mu.Unlock()
	if h != nil {
		c.log.Info("killing node", "node", id)
		h.Stop()
	}
}

// Restart brings a killed node back from its logs.
func (c *LocalCluster) Restart(id types.NodeID) error {
	if c.Host(id) != nil {
		return fmt.Errorf("node %d is running", id)
	}
	c.log.Info("restarting node", "node", id)
	return c.startHost(id, c.ShardMap())
}

// Partition cuts every link between nodes of different sides.
func (c *LocalCluster) Partition(sides ...[]types.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range sides {
		for _, b := range sides[i+1:] {
			for _, x := range a {
				for _, y := range b {
					c.cut[linkOf(x, y)] = true
				}
			}
		}
	}
}

// Heal restores every link.
func (c *LocalCluster) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cut = make(map[link]bool)
}

// WaitLeader polls until a running host leads shard.
func (c *LocalCluster) WaitLeader(ctx context.Context, shard types.ShardID) (*Host, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, h := range c.Hosts() {
			if g, ok := h.Group(shard); ok && g.IsLeader() {
				return h, nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("no leader for shard %d: %w", shard, ctx.Err())
		}
	}
}

// Stop stops every host.
func (c *LocalCluster) Stop() {
	for _, h := range c.Hosts() {
		c.Kill(h.id)
	}
}

// localTransport delivers raft messages by calling the target host.
type localTransport struct {
	c    *LocalCluster
	from types.NodeID
}

func (t *localTransport) Send(shard types.ShardID, msg raftpb.Message) error {
	h, err := t.c.reachable(t.from, types.NodeID(msg.To))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.c.ctx, time.Second)
	defer cancel()
	return h.Step(ctx, shard, msg)
}

func (t *localTransport) AddPeer(types.NodeID, string) {}

func (t *localTransport) RemovePeer(types.NodeID) {}
