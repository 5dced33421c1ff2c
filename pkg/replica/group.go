package replica

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/clock"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// Peer is a voting member of a group and the address of its node.
type Peer struct {
	ID   types.NodeID
	Addr string
}

// Observer receives group events, typically for metrics.
type Observer interface {
	ObserveApply(shard types.ShardID, kind CmdKind, err error)
	ObserveLeader(shard types.ShardID, leader types.NodeID, term uint64)
	ObserveSnapshot(shard types.ShardID, size int)
}

type nopObserver struct{}

func (nopObserver) ObserveApply(types.ShardID, CmdKind, error)        {}
func (nopObserver) ObserveLeader(types.ShardID, types.NodeID, uint64) {}
func (nopObserver) ObserveSnapshot(types.ShardID, int)                {}

type GroupOptions struct {
	Shard types.ShardID
	ID    types.NodeID
	// Peers are the initial voters. They are ignored when the log store
	// already holds state or when Join is set.
	Peers []Peer
	// Join starts an empty replica that waits to be added by the leader.
	Join      bool
	Config    Config
	FSM       *FSM
	LogStore  LogStore
	Transport Transport
	Clock     clock.Clock
	Logger    *slog.Logger
	Observer  Observer
}

// Status is a point-in-time view of one replica.
type Status struct {
	Shard   types.ShardID  `json:"shard"`
	ID      types.NodeID   `json:"id"`
	Term    uint64         `json:"term"`
	Leader  types.NodeID   `json:"leader"`
	Commit  uint64         `json:"commit"`
	Applied uint64         `json:"applied"`
	Role    string         `json:"role"`
	Members []types.NodeID `json:"members"`
	// Match is the highest log index known replicated per member. Only the
	// leader tracks it.
	Match map[types.NodeID]uint64 `json:"match,omitempty"`
}

// Group is one replica of a shard's raft group. It owns the raft loop that
// persists, sends and applies in order.
type Group struct {
	shard     types.ShardID
	id        types.NodeID
	cfg       Config
	fsm       *FSM
	node      raft.Node
	storage   *raft.MemoryStorage
	logs      LogStore
	transport Transport
	clock     clock.Clock
	log       *slog.Logger
	obs       Observer

	stateMu   sync.RWMutex
	conf      raftpb.ConfState
	peers     map[types.NodeID]string
	snapIndex uint64
	applied   uint64
	appliedCh chan struct{}
	// appliedTerm is the term of the last applied entry.
	appliedTerm uint64

	lead atomic.Uint64
	term atomic.Uint64

	proposalsMu sync.Mutex
	proposals   map[uuid.UUID][]chan Result
	readsMu     sync.Mutex
	reads       map[string]chan uint64
	confsMu     sync.Mutex
	confs       map[uint64]chan error

	started     atomic.Bool
	stopc       chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	removed     chan struct{}
	removedOnce sync.Once
}

func NewGroup(opts GroupOptions) (*Group, error) {
	if opts.FSM == nil || opts.LogStore == nil || opts.Transport == nil {
		return nil, fmt.Errorf("group %d: fsm, log store and transport are required", opts.Shard)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	g := &Group{
		shard:     opts.Shard,
		id:        opts.ID,
		cfg:       opts.Config,
		fsm:       opts.FSM,
		storage:   raft.NewMemoryStorage(),
		logs:      opts.LogStore,
		transport: opts.Transport,
		clock:     opts.Clock,
		log:       opts.Logger.With("shard", opts.Shard, "node", opts.ID),
		obs:       opts.Observer,
		peers:     make(map[types.NodeID]string),
		appliedCh: make(chan struct{}),
		proposals: make(map[uuid.UUID][]chan Result),
		reads:     make(map[string]chan uint64),
		confs:     make(map[uint64]chan error),
		stopc:     make(chan struct{}),
		done:      make(chan struct{}),
		removed:   make(chan struct{}),
	}

	stored, err := opts.LogStore.Load()
	if err != nil {
		return nil, fmt.Errorf("group %d: load log: %w", opts.Shard, err)
	}
	if !raft.IsEmptySnap(stored.Snapshot) {
		if err := g.installSnapshot(stored.Snapshot); err != nil {
			return nil, err
		}
	}
	if err := g.storage.SetHardState(stored.HardState); err != nil {
		return nil, fmt.Errorf("group %d: restore hard state: %w", opts.Shard, err)
	}
	if err := g.storage.Append(stored.Entries); err != nil {
		return nil, fmt.Errorf("group %d: restore entries: %w", opts.Shard, err)
	}

	for _, p := range opts.Peers {
		if _, dup := g.peers[p.ID]; dup {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		g.peers[p.ID] = p.Addr
		g.transport.AddPeer(p.ID, p.Addr)
	}

	rcfg := g.cfg.toRaftConfig(uint64(g.id), g.storage, g.applied, g.log)
	switch {
	case !stored.Empty():
		g.log.Info("restarting replica from durable state",
			"snapshot", stored.Snapshot.Metadata.Index,
			"entries", len(stored.Entries),
			"commit", stored.HardState.Commit)
		g.node = raft.RestartNode(rcfg)
	case opts.Join || len(opts.Peers) == 0:
		g.node = raft.RestartNode(rcfg)
	default:
		raftPeers := make([]raft.Peer, 0, len(opts.Peers))
		for _, p := range opts.Peers {
			raftPeers = append(raftPeers, raft.Peer{ID: uint64(p.ID), Context: []byte(p.Addr)})
		}
		g.node = raft.StartNode(rcfg, raftPeers)
	}
	return g, nil
}

func (g *Group) Shard() types.ShardID { return g.shard }

func (g *Group) ID() types.NodeID { return g.id }

func (g *Group) FSM() *FSM { return g.fsm }

// Start runs the raft loop and the prepared-transaction sweeper until ctx
// ends or Stop is called.
func (g *Group) Start(ctx context.Context) {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(g.done)
		if err := g.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.log.Error("raft loop stopped", "error", err)
		}
	}()
	go g.sweep(ctx)
}

func (g *Group) run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopc:
			return nil
		case <-ctx.Done():
			g.node.Stop()
			return ctx.Err()
		case <-ticker.C:
			g.node.Tick()
		case rd := <-g.node.Ready():
			if err := g.handleReady(rd); err != nil {
				g.node.Stop()
				return err
			}
		}
	}
}

func (g *Group) handleReady(rd raft.Ready) error {
	if !raft.IsEmptySnap(rd.Snapshot) {
		data, err := rd.Snapshot.Marshal()
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if _, err := g.logs.WriteSnapshot(data); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := g.logs.SaveHardState(rd.HardState); err != nil {
			return fmt.Errorf("persist hard state: %w", err)
		}
		if err := g.storage.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
		g.term.Store(rd.HardState.Term)
	}
	if _, err := g.logs.Append(rd.Entries); err != nil {
		return fmt.Errorf("persist entries: %w", err)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := g.installSnapshot(rd.Snapshot); err != nil {
			return err
		}
		g.log.Info("installed snapshot from leader", "index", rd.Snapshot.Metadata.Index)
	}
	if err := g.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	if rd.SoftState != nil {
		g.observeSoftState(rd.SoftState)
	}

	g.sendMessages(rd.Messages)

	for _, rs := range rd.ReadStates {
		g.notifyRead(string(rs.RequestCtx), rs.Index)
	}

	for _, entry := range rd.CommittedEntries {
		if err := g.applyEntry(entry); err != nil {
			g.log.Error("critical: failed to apply entry", "index", entry.Index, "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}
	}

	if err := g.maybeSnapshot(); err != nil {
		g.log.Warn("snapshot failed", "error", err)
	}

	if rd.SoftState != nil && rd.SoftState.RaftState != raft.StateLeader {
		g.failProposals(g.notLeaderErr(types.NodeID(rd.SoftState.Lead)))
	}

	g.node.Advance()
	return nil
}

// installSnapshot replaces the in-memory log and the state machine.
func (g *Group) installSnapshot(snap raftpb.Snapshot) error {
	if err := g.storage.ApplySnapshot(snap); err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil
		}
		return fmt.Errorf("apply snapshot: %w", err)
	}
	if err := g.fsm.Restore(snap.Data); err != nil {
		return fmt.Errorf("restore state machine: %w", err)
	}
	g.stateMu.Lock()
	g.conf = snap.Metadata.ConfState
	g.snapIndex = snap.Metadata.Index
	g.stateMu.Unlock()
	g.advanceApplied(snap.Metadata.Index, snap.Metadata.Term)
	return nil
}

func (g *Group) observeSoftState(ss *raft.SoftState) {
	prev := types.NodeID(g.lead.Swap(ss.Lead))
	if prev == types.NodeID(ss.Lead) {
		return
	}
	g.log.Info("leader changed", "leader", ss.Lead, "role", roleName(ss.RaftState), "term", g.term.Load())
	g.obs.ObserveLeader(g.shard, types.NodeID(ss.Lead), g.term.Load())
}

func (g *Group) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == uint64(g.id) {
			continue
		}

		go func(m raftpb.Message) {
			err := g.transport.Send(g.shard, m)
			if err != nil {
				g.node.ReportUnreachable(m.To)
				if m.Type == raftpb.MsgSnap {
					g.node.ReportSnapshot(m.To, raft.SnapshotFailure)
				}
				g.log.Debug("failed to send raft message",
					"to", m.To,
					"type", m.Type,
					"error", err)
				return
			}
			if m.Type == raftpb.MsgSnap {
				g.node.ReportSnapshot(m.To, raft.SnapshotFinish)
			}
		}(msg)
	}
}

func (g *Group) applyEntry(entry raftpb.Entry) error {
	if entry.Index <= g.Applied() {
		return nil
	}
	switch entry.Type {
	case raftpb.EntryNormal:
		if len(entry.Data) > 0 {
			var cmd Cmd
			if err := json.Unmarshal(entry.Data, &cmd); err != nil {
				return fmt.Errorf("unmarshal command: %w", err)
			}
			res := g.fsm.Apply(entry.Index, cmd)
			res.Index = entry.Index
			g.obs.ObserveApply(g.shard, cmd.Kind, res.Err)
			g.notifyProposal(cmd.ID, res)
		}
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			return fmt.Errorf("unmarshal conf change: %w", err)
		}
		conf := g.node.ApplyConfChange(cc)
		g.stateMu.Lock()
		g.conf = *conf
		g.stateMu.Unlock()
		g.updateTransport(cc)
		g.notifyConf(cc.ID, nil)
	}
	g.advanceApplied(entry.Index, entry.Term)
	return nil
}

func (g *Group) updateTransport(cc raftpb.ConfChange) {
	id := types.NodeID(cc.NodeID)
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode, raftpb.ConfChangeUpdateNode:
		addr := string(cc.Context)
		g.stateMu.Lock()
		if addr != "" || g.peers[id] == "" {
			g.peers[id] = addr
		}
		g.stateMu.Unlock()
		g.transport.AddPeer(id, addr)
		g.log.Info("member added", "id", id, "addr", addr)

	case raftpb.ConfChangeRemoveNode:
		g.stateMu.Lock()
		delete(g.peers, id)
		g.stateMu.Unlock()
		g.log.Info("member removed", "id", id)
		if id == g.id {
			g.removedOnce.Do(func() { close(g.removed) })
		}
	}
}

func (g *Group) maybeSnapshot() error {
	g.stateMu.RLock()
	applied, snapIndex, conf := g.applied, g.snapIndex, g.conf
	g.stateMu.RUnlock()
	if g.cfg.SnapshotEntries == 0 || applied-snapIndex < g.cfg.SnapshotEntries {
		return nil
	}

	data, err := g.fsm.Snapshot()
	if err != nil {
		return err
	}
	snap, err := g.storage.CreateSnapshot(applied, &conf, data)
	if err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil
		}
		return fmt.Errorf("create snapshot: %w", err)
	}
	raw, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := g.logs.WriteSnapshot(raw); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	compactIndex := uint64(1)
	if applied > g.cfg.CompactionOverhead {
		compactIndex = applied - g.cfg.CompactionOverhead
	}
	if err := g.storage.Compact(compactIndex); err != nil && !errors.Is(err, raft.ErrCompacted) {
		return fmt.Errorf("compact log: %w", err)
	}
	if err := g.logs.Compact(compactIndex); err != nil {
		return fmt.Errorf("compact durable log: %w", err)
	}

	g.stateMu.Lock()
	g.snapIndex = applied
	g.stateMu.Unlock()
	g.obs.ObserveSnapshot(g.shard, len(data))
	g.log.Info("snapshot taken", "index", applied, "compacted", compactIndex, "bytes", len(data))
	return nil
}

func (g *Group) advanceApplied(index, term uint64) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if index <= g.applied {
		return
	}
	g.applied, g.appliedTerm = index, term
	close(g.appliedCh)
	g.appliedCh = make(chan struct{})
}

func (g *Group) Applied() uint64 {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.applied
}

func (g *Group) waitApplied(ctx context.Context, index uint64) error {
	for {
		g.stateMu.RLock()
		applied, ch := g.applied, g.appliedCh
		g.stateMu.RUnlock()
		if applied >= index {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return g.timeoutErr(ctx, "apply")
		case <-g.done:
			return cacheerr.ErrStopped
		}
	}
}

// waitLeaderApplied returns once this replica leads and has applied an entry
// of its own term. Raft appends an empty entry on election, so by then
// everything an earlier leader committed is applied here too.
func (g *Group) waitLeaderApplied(ctx context.Context) error {
	for {
		st := g.node.Status()
		if st.RaftState != raft.StateLeader {
			return g.notLeaderErr(types.NodeID(st.Lead))
		}
		g.stateMu.RLock()
		term, ch := g.appliedTerm, g.appliedCh
		g.stateMu.RUnlock()
		if term >= st.Term {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return g.timeoutErr(ctx, "leader apply")
		case <-g.done:
			return cacheerr.ErrStopped
		}
	}
}

func (g *Group) IsLeader() bool { return types.NodeID(g.lead.Load()) == g.id }

// LeaderID is the leader this replica last heard of, zero when unknown.
func (g *Group) LeaderID() types.NodeID { return types.NodeID(g.lead.Load()) }

func (g *Group) notLeaderErr(lead types.NodeID) error {
	if lead == g.id {
		lead = 0
	}
	return &cacheerr.NotLeaderError{Shard: g.shard, LeaderID: lead}
}

func (g *Group) timeoutErr(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: shard %d: %s did not reach a majority in time", cacheerr.ErrNoQuorum, g.shard, what)
	}
	return ctx.Err()
}

func (g *Group) proposeErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, raft.ErrProposalDropped):
		return g.notLeaderErr(g.LeaderID())
	case errors.Is(err, raft.ErrStopped):
		return cacheerr.ErrStopped
	case ctx.Err() != nil:
		return g.timeoutErr(ctx, "proposal")
	}
	return fmt.Errorf("propose: %w", err)
}

func (g *Group) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.ProposalTimeout)
}

func validateCommand(cmd Cmd) error {
	switch cmd.Kind {
	case CmdWrite, CmdPrepare:
		if len(cmd.Ops) == 0 {
			return fmt.Errorf("%w: %s without ops", cacheerr.ErrInvalidArgument, cmd.Kind)
		}
		for _, op := range cmd.Ops {
			if op.Key == "" {
				return fmt.Errorf("%w: empty key", cacheerr.ErrInvalidArgument)
			}
			if op.Op == structure.OpPut {
				if err := op.Value.Validate(); err != nil {
					return err
				}
			}
		}
		if cmd.Kind == CmdPrepare && cmd.TxnID == "" {
			return fmt.Errorf("%w: prepare without transaction id", cacheerr.ErrInvalidArgument)
		}
	case CmdCommit, CmdAbort:
		if cmd.TxnID == "" {
			return fmt.Errorf("%w: %s without transaction id", cacheerr.ErrInvalidArgument, cmd.Kind)
		}
	case CmdShardMap, CmdMigrate:
		if cmd.Map == nil {
			return fmt.Errorf("%w: %s without map", cacheerr.ErrInvalidArgument, cmd.Kind)
		}
	case CmdFence, CmdIngest, CmdBarrier:
	default:
		return fmt.Errorf("%w: unknown command kind %d", cacheerr.ErrInvalidArgument, cmd.Kind)
	}
	return nil
}

// Execute proposes cmd and waits until it is applied on this replica. Only
// the leader accepts proposals; the command's ProposedAt is stamped here.
// A command that does not commit before the deadline fails with NoQuorum and
// may still apply later, so callers retry with the same id.
func (g *Group) Execute(ctx context.Context, cmd Cmd) (Result, error) {
	if err := validateCommand(cmd); err != nil {
		return Result{}, err
	}
	if !g.IsLeader() {
		return Result{}, g.notLeaderErr(g.LeaderID())
	}
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	cmd.ProposedAt = g.clock.Now().UnixNano()

	data, err := json.Marshal(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("marshal command: %w", err)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	resultChan := make(chan Result, 1)
	g.proposalsMu.Lock()
	g.proposals[cmd.ID] = append(g.proposals[cmd.ID], resultChan)
	g.proposalsMu.Unlock()
	defer g.dropProposal(cmd.ID, resultChan)

	if err := g.node.Propose(ctx, data); err != nil {
		return Result{}, g.proposeErr(ctx, err)
	}

	select {
	case res := <-resultChan:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, g.timeoutErr(ctx, cmd.Kind.String())
	case <-g.done:
		return Result{}, cacheerr.ErrStopped
	}
}

func (g *Group) dropProposal(id uuid.UUID, ch chan Result) {
	g.proposalsMu.Lock()
	defer g.proposalsMu.Unlock()
	waiters := slices.DeleteFunc(g.proposals[id], func(c chan Result) bool { return c == ch })
	if len(waiters) == 0 {
		delete(g.proposals, id)
		return
	}
	g.proposals[id] = waiters
}

func (g *Group) notifyProposal(id uuid.UUID, res Result) {
	g.proposalsMu.Lock()
	waiters := g.proposals[id]
	delete(g.proposals, id)
	g.proposalsMu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- res:
		default:
		}
	}
}

func (g *Group) failProposals(err error) {
	g.proposalsMu.Lock()
	pending := g.proposals
	g.proposals = make(map[uuid.UUID][]chan Result)
	g.proposalsMu.Unlock()

	for _, waiters := range pending {
		for _, ch := range waiters {
			select {
			case ch <- Result{Err: err}:
			default:
			}
		}
	}
}

// Barrier commits an empty command, proving that the group has a working
// majority, and returns the index it applied at.
func (g *Group) Barrier(ctx context.Context) (uint64, error) {
	res, err := g.Execute(ctx, NewCmd(CmdBarrier))
	return res.Index, err
}

// ReadIndex runs a raft read-index round and waits until this replica has
// applied everything committed before it started.
func (g *Group) ReadIndex(ctx context.Context) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	rctx := uuid.New()
	key := string(rctx[:])
	ch := make(chan uint64, 1)
	g.readsMu.Lock()
	g.reads[key] = ch
	g.readsMu.Unlock()
	defer func() {
		g.readsMu.Lock()
		delete(g.reads, key)
		g.readsMu.Unlock()
	}()

	if err := g.node.ReadIndex(ctx, rctx[:]); err != nil {
		return g.proposeErr(ctx, err)
	}
	select {
	case index := <-ch:
		return g.waitApplied(ctx, index)
	case <-ctx.Done():
		return g.timeoutErr(ctx, "read index")
	case <-g.done:
		return cacheerr.ErrStopped
	}
}

func (g *Group) notifyRead(key string, index uint64) {
	g.readsMu.Lock()
	ch, ok := g.reads[key]
	g.readsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- index:
	default:
	}
}

// Read runs fn against the local engine once mode's guarantee holds. Keys
// locked by a prepared transaction are waited on, up to LockWait, under the
// leader and quorum modes.
func (g *Group) Read(ctx context.Context, mode types.Consistency, key string, fn func(*structure.Engine) error) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	switch mode.OrDefault() {
	case types.ConsistencyLocal:
	case types.ConsistencyLeader:
		if err := g.waitLeaderApplied(ctx); err != nil {
			return err
		}
		if err := g.waitUnlocked(ctx, key); err != nil {
			return err
		}
	case types.ConsistencyQuorum:
		if err := g.ReadIndex(ctx); err != nil {
			return err
		}
		if err := g.waitUnlocked(ctx, key); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown consistency %q", cacheerr.ErrInvalidArgument, mode)
	}
	if key != "" {
		if err := g.fsm.CheckReadable(key); err != nil {
			return err
		}
	}
	return fn(g.fsm.Engine())
}

func (g *Group) waitUnlocked(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, g.cfg.LockWait)
	defer cancel()
	return g.fsm.WaitUnlocked(lctx, key)
}

// WaitReplicated waits until at least n members hold index. Only the leader
// knows follower progress.
func (g *Group) WaitReplicated(ctx context.Context, index uint64, n int) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()
	for {
		st := g.node.Status()
		if st.RaftState != raft.StateLeader {
			return g.notLeaderErr(types.NodeID(st.Lead))
		}
		if n > len(st.Progress) {
			return fmt.Errorf("%w: %d replicas requested, group has %d", cacheerr.ErrInvalidArgument, n, len(st.Progress))
		}
		acked := 0
		for _, pr := range st.Progress {
			if pr.Match >= index {
				acked++
			}
		}
		if acked >= n {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return g.timeoutErr(ctx, "replication")
		case <-g.done:
			return cacheerr.ErrStopped
		}
	}
}

// AddMember proposes adding a voter and waits for the change to apply.
func (g *Group) AddMember(ctx context.Context, id types.NodeID, addr string) error {
	return g.proposeConfChange(ctx, raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  uint64(id),
		Context: []byte(addr),
	})
}

func (g *Group) RemoveMember(ctx context.Context, id types.NodeID) error {
	return g.proposeConfChange(ctx, raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: uint64(id),
	})
}

func (g *Group) proposeConfChange(ctx context.Context, cc raftpb.ConfChange) error {
	if !g.IsLeader() {
		return g.notLeaderErr(g.LeaderID())
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	u := uuid.New()
	cc.ID = binary.BigEndian.Uint64(u[:8])
	ch := make(chan error, 1)
	g.confsMu.Lock()
	g.confs[cc.ID] = ch
	g.confsMu.Unlock()
	defer func() {
		g.confsMu.Lock()
		delete(g.confs, cc.ID)
		g.confsMu.Unlock()
	}()

	if err := g.node.ProposeConfChange(ctx, cc); err != nil {
		return g.proposeErr(ctx, err)
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return g.timeoutErr(ctx, "membership change")
	case <-g.done:
		return cacheerr.ErrStopped
	}
}

func (g *Group) notifyConf(id uint64, err error) {
	g.confsMu.Lock()
	ch, ok := g.confs[id]
	g.confsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Campaign asks this replica to stand for election.
func (g *Group) Campaign(ctx context.Context) error {
	return g.node.Campaign(ctx)
}

// TransferLeadership hands leadership to another member.
func (g *Group) TransferLeadership(ctx context.Context, to types.NodeID) {
	g.node.TransferLeadership(ctx, uint64(g.id), uint64(to))
}

// Step delivers a message received from a peer.
func (g *Group) Step(ctx context.Context, msg raftpb.Message) error {
	return g.node.Step(ctx, msg)
}

// Removed is closed once this replica has applied its own removal.
func (g *Group) Removed() <-chan struct{} { return g.removed }

// Members lists the voters with their addresses.
func (g *Group) Members() []Peer {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	out := make([]Peer, 0, len(g.conf.Voters))
	for _, id := range g.conf.Voters {
		out = append(out, Peer{ID: types.NodeID(id), Addr: g.peers[types.NodeID(id)]})
	}
	slices.SortFunc(out, func(a, b Peer) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (g *Group) Status() Status {
	st := g.node.Status()
	out := Status{
		Shard:   g.shard,
		ID:      g.id,
		Term:    st.Term,
		Leader:  types.NodeID(st.Lead),
		Commit:  st.Commit,
		Applied: g.Applied(),
		Role:    roleName(st.RaftState),
	}
	for _, p := range g.Members() {
		out.Members = append(out.Members, p.ID)
	}
	if st.RaftState == raft.StateLeader {
		out.Match = make(map[types.NodeID]uint64, len(st.Progress))
		for id, pr := range st.Progress {
			out.Match[types.NodeID(id)] = pr.Match
		}
	}
	return out
}

func roleName(s raft.StateType) string {
	switch s {
	case raft.StateLeader:
		return "leader"
	case raft.StateCandidate:
		return "candidate"
	case raft.StatePreCandidate:
		return "pre-candidate"
	}
	return "follower"
}

func (g *Group) sweep(ctx context.Context) {
	if g.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-ticker.C:
			g.SweepPrepared(ctx)
		}
	}
}

// SweepPrepared aborts prepared transactions whose deadline plus grace has
// passed. It only acts on the leader and returns how many it aborted.
func (g *Group) SweepPrepared(ctx context.Context) int {
	if !g.IsLeader() {
		return 0
	}
	now := g.clock.Now()
	aborted := 0
	for _, p := range g.fsm.Prepared() {
		if now.Before(p.Deadline.Add(g.cfg.SweepGrace)) {
			break
		}
		cmd := NewCmd(CmdAbort)
		cmd.TxnID = p.TxnID
		res, err := g.Execute(ctx, cmd)
		if err != nil {
			g.log.Warn("failed to abort expired transaction", "txn", p.TxnID, "error", err)
			continue
		}
		g.log.Warn("aborted expired prepared transaction",
			"txn", p.TxnID,
			"deadline", p.Deadline,
			"keys", p.Keys,
			"state", res.State)
		aborted++
	}
	return aborted
}

// Stop halts the raft loop and fails pending proposals.
func (g *Group) Stop() {
	g.stopOnce.Do(func() {
		g.log.Info("stopping replica")
		close(g.stopc)
		g.node.Stop()
		if g.started.CompareAndSwap(false, true) {
			close(g.done)
		}
		<-g.done
		g.failProposals(cacheerr.ErrStopped)
	})
}

// Done is closed once the raft loop has exited.
func (g *Group) Done() <-chan struct{} { return g.done }
