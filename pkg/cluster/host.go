// Package cluster runs the replica groups a node hosts and wires them to the
// shard router, the transaction coordinator and the failure detector.
package cluster

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"spectracache/internal/validate"
	"spectracache/pkg/clock"
	"spectracache/pkg/listener"
	"spectracache/pkg/membership"
	"spectracache/pkg/metrics"
	"spectracache/pkg/replica"
	"spectracache/pkg/router"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/txn"
	"spectracache/pkg/types"
)

// EngineConfig sizes the structure engine of every hosted shard.
type EngineConfig struct {
	MaxBytes         int     `yaml:"max_bytes"`
	MaxEntryBytes    int     `yaml:"max_entry_bytes"`
	HotHighWatermark int     `yaml:"hot_high_watermark"`
	HotLowWatermark  int     `yaml:"hot_low_watermark"`
	FilterCapacity   uint    `yaml:"filter_capacity" validate:"required"`
	FilterFPRate     float64 `yaml:"filter_fp_rate" validate:"gt=0,lt=1"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxBytes:         256 << 20,
		MaxEntryBytes:    8 << 20,
		HotHighWatermark: 192 << 20,
		HotLowWatermark:  128 << 20,
		FilterCapacity:   100_000,
		FilterFPRate:     0.01,
	}
}

func (c EngineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

func (c EngineConfig) options(clk clock.Clock, log *slog.Logger) structure.Options {
	return structure.Options{
		MaxBytes:         c.MaxBytes,
		MaxEntryBytes:    c.MaxEntryBytes,
		HotHighWatermark: c.HotHighWatermark,
		HotLowWatermark:  c.HotLowWatermark,
		Family: structure.FamilyOptions{
			FilterCapacity: c.FilterCapacity,
			FilterFPRate:   c.FilterFPRate,
		},
		Clock:  clk,
		Logger: log,
	}
}

type Options struct {
	ID   types.NodeID
	Addr string
	// Peers maps every node of the cluster, this one included, to its
	// address.
	Peers map[types.NodeID]string
	// Map is the shard map the node bootstraps from. Groups restarted from
	// durable state catch up to the committed map on their own.
	Map *shardmap.Map

	Engine     EngineConfig
	Replica    replica.Config
	Txn        txn.Config
	Retry      router.RetryConfig
	Membership membership.Config

	// DataDir holds one log directory per shard. Empty keeps logs in memory.
	DataDir string
	// OpenLog overrides how a shard's log store is opened.
	OpenLog   func(shard types.ShardID) (replica.LogStore, error)
	Transport replica.Transport
	// NewClient reaches other nodes; the host answers for itself.
	NewClient router.ClientFactory
	// Probe is the heartbeat of the failure detector. It defaults to
	// fetching the peer's shard map.
	Probe   membership.Prober
	Clock   clock.Clock
	Metrics metrics.Collector
	Logger  *slog.Logger
}

type shardGroup struct {
	group  *replica.Group
	engine *structure.Engine
	logs   replica.LogStore
}

func (sg *shardGroup) close() {
	sg.group.Stop()
	sg.engine.Close()
	_ = sg.logs.Close()
}

// Host is one node: the replicas it holds plus the router and coordinator
// that serve client requests arriving at it.
type Host struct {
	id      types.NodeID
	addr    string
	opts    Options
	clock   clock.Clock
	metrics metrics.Collector
	log     *slog.Logger

	router   *router.Router
	coord    *txn.Coordinator
	detector *membership.Detector
	repairs  *listener.Listener[membership.Event]
	repairMu sync.Mutex

	mu     sync.RWMutex
	groups map[types.ShardID]*shardGroup
	peers  map[types.NodeID]string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewHost(opts Options) (*Host, error) {
	if opts.ID == 0 {
		return nil, fmt.Errorf("host needs a node id")
	}
	if opts.Map == nil {
		return nil, fmt.Errorf("host %d needs a shard map", opts.ID)
	}
	if opts.Transport == nil || opts.NewClient == nil {
		return nil, fmt.Errorf("host %d needs a transport and a client factory", opts.ID)
	}
	if err := opts.Replica.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Membership.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Engine.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Txn.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := &Host{
		id:      opts.ID,
		addr:    opts.Addr,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     opts.Logger.With("node", opts.ID),
		groups:  make(map[types.ShardID]*shardGroup),
		peers:   make(map[types.NodeID]string, len(opts.Peers)),
	}
	for id, addr := range opts.Peers {
		h.peers[id] = addr
	}
	if opts.Addr != "" {
		h.peers[opts.ID] = opts.Addr
	}
	if h.opts.OpenLog == nil {
		h.opts.OpenLog = h.openLog
	}

	rt, err := router.New(router.Options{
		LocalID:   opts.ID,
		Map:       opts.Map,
		NewClient: h.client,
		Retry:     opts.Retry,
		Logger:    h.log,
	})
	if err != nil {
		return nil, err
	}
	h.router = rt
	h.coord = txn.NewCoordinator(rt, opts.Txn, opts.Clock, h.log)

	probe := opts.Probe
	if probe == nil {
		probe = h.probe
	}
	h.detector = membership.NewDetector(opts.Membership, opts.ID, probe, opts.Clock, h.log)
	for id, addr := range h.peers {
		h.detector.Add(id, addr)
	}
	return h, nil
}

func (h *Host) ID() types.NodeID { return h.id }

func (h *Host) Addr() string { return h.addr }

func (h *Host) Router() *router.Router { return h.router }

func (h *Host) Detector() *membership.Detector { return h.detector }

// client resolves a node to a Remote, answering for this node directly.
func (h *Host) client(id types.NodeID) (router.Remote, error) {
	if id == h.id {
		return h, nil
	}
	return h.opts.NewClient(id)
}

func (h *Host) probe(ctx context.Context, n membership.Node) error {
	remote, err := h.client(n.ID)
	if err != nil {
		return err
	}
	_, err = remote.ShardMap(ctx)
	return err
}

func (h *Host) shardDir(shard types.ShardID) string {
	return filepath.Join(h.opts.DataDir, fmt.Sprintf("shard-%d", shard))
}

func (h *Host) openLog(shard types.ShardID) (replica.LogStore, error) {
	if h.opts.DataDir == "" {
		return replica.NewMemoryLogStore(), nil
	}
	return replica.NewFileLogStore(h.shardDir(shard), h.log.With("shard", shard))
}

// storedShards lists shards with a log directory under DataDir.
func (h *Host) storedShards() ([]types.ShardID, error) {
	if h.opts.DataDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(h.opts.DataDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var out []types.ShardID
	for _, e := range entries {
		raw, ok := strings.CutPrefix(e.Name(), "shard-")
		if !e.IsDir() || !ok {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, types.ShardID(id))
	}
	return out, nil
}

// Start brings up the replicas this node holds in the bootstrap map or on
// disk, then the failure detector and the repair loop.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	shards := h.opts.Map.ShardsOf(h.id)
	stored, err := h.storedShards()
	if err != nil {
		return err
	}
	for _, s := range stored {
		if !slices.Contains(shards, s) {
			shards = append(shards, s)
		}
	}
	slices.Sort(shards)
	for _, shard := range shards {
		var members []types.NodeID
		if s, ok := h.opts.Map.Shard(shard); ok {
			members = s.Members
		}
		if err := h.startGroup(shard, members, h.opts.Map, false); err != nil {
			h.Stop()
			return err
		}
	}

	events, unsubscribe := h.detector.Subscribe(64)
	h.repairs = listener.New("repair", events, h.handleLiveness, unsubscribe)
	h.repairs.Start(h.ctx)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.detector.Run(h.ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.repairLoop(h.ctx)
	}()

	h.log.Info("host started", "addr", h.addr, "shards", shards, "map_version", h.opts.Map.Version())
	return nil
}

// startGroup opens the log, engine and state machine of shard and starts
// its replica. join starts an empty replica that waits to be added to an
// existing group.
func (h *Host) startGroup(shard types.ShardID, members []types.NodeID, smap *shardmap.Map, join bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx == nil || h.ctx.Err() != nil {
		return fmt.Errorf("host %d is not running", h.id)
	}
	if _, ok := h.groups[shard]; ok {
		return nil
	}

	log := h.log.With("shard", shard)
	engine, err := structure.NewEngine(h.opts.Engine.options(h.clock, log))
	if err != nil {
		return fmt.Errorf("shard %d: %w", shard, err)
	}
	logs, err := h.opts.OpenLog(shard)
	if err != nil {
		engine.Close()
		return fmt.Errorf("shard %d: open log: %w", shard, err)
	}
	fsm := replica.NewFSM(replica.FSMOptions{
		Shard:           shard,
		Engine:          engine,
		Map:             smap,
		DedupWindow:     h.opts.Replica.DedupWindow,
		PreparedTimeout: h.opts.Replica.PreparedTimeout,
		OnShardMap:      h.onShardMap,
		Logger:          h.log,
	})
	peers := make([]replica.Peer, 0, len(members))
	for _, id := range members {
		peers = append(peers, replica.Peer{ID: id, Addr: h.peers[id]})
	}
	g, err := replica.NewGroup(replica.GroupOptions{
		Shard:     shard,
		ID:        h.id,
		Peers:     peers,
		Join:      join,
		Config:    h.opts.Replica,
		FSM:       fsm,
		LogStore:  logs,
		Transport: h.opts.Transport,
		Clock:     h.clock,
		Logger:    h.log,
		Observer:  metrics.GroupObserver{C: h.metrics},
	})
	if err != nil {
		engine.Close()
		_ = logs.Close()
		return err
	}

	sg := &shardGroup{group: g, engine: engine, logs: logs}
	h.groups[shard] = sg
	engine.Start(h.ctx)
	g.Start(h.ctx)

	h.wg.Add(1)
	go h.watchRemoval(h.ctx, shard, sg)
	log.Info("replica started", "members", members, "join", join)
	return nil
}

func (h *Host) watchRemoval(ctx context.Context, shard types.ShardID, sg *shardGroup) {
	defer h.wg.Done()
	select {
	case <-sg.group.Removed():
		h.log.Info("replica removed from its group", "shard", shard)
		h.retire(shard, sg, true)
	case <-sg.group.Done():
	case <-ctx.Done():
	}
}

// retire stops a hosted replica. purge also deletes its durable log.
func (h *Host) retire(shard types.ShardID, sg *shardGroup, purge bool) {
	h.mu.Lock()
	if h.groups[shard] != sg {
		h.mu.Unlock()
		return
	}
	delete(h.groups, shard)
	h.mu.Unlock()

	sg.close()
	if purge && h.opts.DataDir != "" {
		if err := os.RemoveAll(h.shardDir(shard)); err != nil {
			h.log.Warn("failed to remove shard log", "shard", shard, "error", err)
		}
	}
	h.log.Info("replica retired", "shard", shard)
}

// onShardMap runs on the apply loop of whichever group installs a newer map
// first.
func (h *Host) onShardMap(m *shardmap.Map) {
	if !h.router.UpdateMap(m) {
		return
	}
	h.mu.RLock()
	running := h.ctx != nil && h.ctx.Err() == nil
	h.mu.RUnlock()
	if !running {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.reconcile(m)
	}()
}

// reconcile retires replicas of shards that m no longer lists.
func (h *Host) reconcile(m *shardmap.Map) {
	h.mu.RLock()
	stale := make(map[types.ShardID]*shardGroup)
	for shard, sg := range h.groups {
		if _, ok := m.Shard(shard); !ok {
			stale[shard] = sg
		}
	}
	h.mu.RUnlock()
	for shard, sg := range stale {
		h.log.Info("shard left the map", "shard", shard, "version", m.Version())
		h.retire(shard, sg, true)
	}
}

func (h *Host) hosted() map[types.ShardID]*shardGroup {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[types.ShardID]*shardGroup, len(h.groups))
	for shard, sg := range h.groups {
		out[shard] = sg
	}
	return out
}

// Group returns the local replica of shard.
func (h *Host) Group(shard types.ShardID) (*replica.Group, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sg, ok := h.groups[shard]
	if !ok {
		return nil, false
	}
	return sg.group, true
}

func (h *Host) setPeer(id types.NodeID, addr string) {
	if addr == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[id] = addr
}

func (h *Host) addrOf(id types.NodeID) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[id]
}

// Stop halts every replica and background loop. It is safe to call twice.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		h.log.Info("stopping host")
		if h.repairs != nil {
			h.repairs.Stop()
		}
		h.mu.Lock()
		if h.cancel != nil {
			h.cancel()
		}
		groups := h.groups
		h.groups = make(map[types.ShardID]*shardGroup)
		h.mu.Unlock()

		for _, sg := range groups {
			sg.close()
		}
		h.wg.Wait()
	})
}

// Status reports every hosted replica, ordered by shard.
func (h *Host) Status() []replica.Status {
	groups := h.hosted()
	out := make([]replica.Status, 0, len(groups))
	for _, sg := range groups {
		out = append(out, sg.group.Status())
	}
	slices.SortFunc(out, func(a, b replica.Status) int { return cmp.Compare(a.Shard, b.Shard) })
	return out
}

// EngineStats returns the structure counters of every hosted shard.
func (h *Host) EngineStats() map[types.ShardID]structure.Stats {
	groups := h.hosted()
	out := make(map[types.ShardID]structure.Stats, len(groups))
	for shard, sg := range groups {
		out[shard] = sg.engine.Stats()
	}
	return out
}

// Nodes is the failure detector's view of the cluster.
func (h *Host) Nodes() []membership.Node { return h.detector.Nodes() }

// SweepPrepared runs the expired-transaction sweeper of every hosted leader
// once and returns how many transactions it aborted.
func (h *Host) SweepPrepared(ctx context.Context) int {
	n := 0
	for _, sg := range h.hosted() {
		n += sg.group.SweepPrepared(ctx)
	}
	return n
}

const repairTimeout = 10 * time.Second
