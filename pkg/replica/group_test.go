package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/clock"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

var errUnreachable = errors.New("unreachable")

// inprocTransport delivers messages between groups of one test process.
type inprocTransport struct {
	mu     sync.RWMutex
	groups map[types.NodeID]*Group
	down   map[types.NodeID]bool
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{
		groups: make(map[types.NodeID]*Group),
		down:   make(map[types.NodeID]bool),
	}
}

func (t *inprocTransport) register(g *Group) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups[g.ID()] = g
	delete(t.down, g.ID())
}

func (t *inprocTransport) setDown(id types.NodeID, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[id] = down
}

func (t *inprocTransport) Send(_ types.ShardID, msg raftpb.Message) error {
	t.mu.RLock()
	target, ok := t.groups[types.NodeID(msg.To)]
	blocked := t.down[types.NodeID(msg.To)] || t.down[types.NodeID(msg.From)]
	t.mu.RUnlock()
	if !ok || blocked {
		return errUnreachable
	}
	go func() { _ = target.Step(context.Background(), msg) }()
	return nil
}

func (t *inprocTransport) AddPeer(types.NodeID, string) {}
func (t *inprocTransport) RemovePeer(types.NodeID)      {}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ElectionTick = 10
	cfg.HeartbeatTick = 1
	cfg.ProposalTimeout = 2 * time.Second
	cfg.SweepInterval = 0
	cfg.LockWait = 100 * time.Millisecond
	return cfg
}

type testCluster struct {
	t      *testing.T
	cfg    Config
	clk    *clock.Manual
	tr     *inprocTransport
	peers  []Peer
	stores map[types.NodeID]*MemoryLogStore
	groups map[types.NodeID]*Group
}

func newTestCluster(t *testing.T, n int, tune func(*Config)) *testCluster {
	t.Helper()
	c := &testCluster{
		t:      t,
		cfg:    testConfig(),
		clk:    clock.NewManual(epoch),
		tr:     newInprocTransport(),
		stores: make(map[types.NodeID]*MemoryLogStore),
		groups: make(map[types.NodeID]*Group),
	}
	if tune != nil {
		tune(&c.cfg)
	}
	for i := 1; i <= n; i++ {
		c.peers = append(c.peers, Peer{ID: types.NodeID(i), Addr: fmt.Sprintf("node-%d", i)})
	}
	for _, p := range c.peers {
		c.start(p.ID, false)
	}
	t.Cleanup(func() {
		for _, g := range c.groups {
			g.Stop()
		}
	})
	return c
}

func (c *testCluster) start(id types.NodeID, join bool) *Group {
	c.t.Helper()
	store, ok := c.stores[id]
	if !ok {
		store = NewMemoryLogStore()
		c.stores[id] = store
	}
	eng, err := structure.NewEngine(structure.Options{Clock: c.clk})
	require.NoError(c.t, err)
	c.t.Cleanup(eng.Close)
	g, err := NewGroup(GroupOptions{
		Shard:     7,
		ID:        id,
		Peers:     c.peers,
		Join:      join,
		Config:    c.cfg,
		FSM:       NewFSM(FSMOptions{Shard: 7, Engine: eng, PreparedTimeout: c.cfg.PreparedTimeout}),
		LogStore:  store,
		Transport: c.tr,
		Clock:     c.clk,
	})
	require.NoError(c.t, err)
	c.groups[id] = g
	c.tr.register(g)
	g.Start(context.Background())
	return g
}

func (c *testCluster) kill(id types.NodeID) {
	c.tr.setDown(id, true)
	c.groups[id].Stop()
}

func (c *testCluster) restart(id types.NodeID) *Group {
	return c.start(id, false)
}

// waitForLeader polls until exactly one live member reports itself leader.
func (c *testCluster) waitForLeader(timeout time.Duration) *Group {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.tr.mu.RLock()
		var leader *Group
		for id, g := range c.groups {
			if !c.tr.down[id] && g.IsLeader() {
				leader = g
			}
		}
		c.tr.mu.RUnlock()
		if leader != nil {
			return leader
		}
		time.Sleep(50 * time.Millisecond)
	}
	c.t.Fatalf("no leader elected within %v", timeout)
	return nil
}

func (c *testCluster) eventually(cond func() bool, msg string) {
	c.t.Helper()
	require.Eventually(c.t, cond, 5*time.Second, 20*time.Millisecond, msg)
}

func putCmd(key, val string) Cmd {
	return WriteCmd(uuid.Nil, Op{Op: structure.OpPut, Key: key, Value: structure.Scalar([]byte(val))})
}

func readLocal(g *Group, key string) (string, error) {
	var out string
	err := g.Read(context.Background(), types.ConsistencyLocal, key, func(e *structure.Engine) error {
		rec, err := e.Get(key)
		out = string(rec.Data)
		return err
	})
	return out, err
}

func TestSingleNodeGroupCommits(t *testing.T) {
	c := newTestCluster(t, 1, nil)
	g := c.waitForLeader(3 * time.Second)

	res, err := g.Execute(context.Background(), putCmd("k", "v"))
	require.NoError(t, err)
	assert.NotZero(t, res.Index)

	v, err := readLocal(g, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	st := g.Status()
	assert.Equal(t, "leader", st.Role)
	assert.Equal(t, []types.NodeID{1}, st.Members)
	assert.GreaterOrEqual(t, st.Applied, res.Index)
}

func TestReplicationReachesEveryMember(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.waitForLeader(5 * time.Second)

	for i := 0; i < 20; i++ {
		_, err := leader.Execute(context.Background(), putCmd(fmt.Sprintf("k%d", i), fmt.Sprint(i)))
		require.NoError(t, err)
	}
	for id, g := range c.groups {
		g := g
		c.eventually(func() bool {
			v, err := readLocal(g, "k19")
			return err == nil && v == "19"
		}, fmt.Sprintf("node %d did not catch up", id))
	}

	// replicas that applied the same entries hold the same state
	want, err := leader.FSM().Engine().Export(epoch, nil)
	require.NoError(t, err)
	for _, g := range c.groups {
		got, err := g.FSM().Engine().Export(epoch, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.NoError(t, leader.WaitReplicated(context.Background(), leader.Applied(), 3))
}

func TestFollowerRejectsWritesWithLeaderHint(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.waitForLeader(5 * time.Second)

	var follower *Group
	for _, g := range c.groups {
		if g != leader {
			follower = g
			break
		}
	}
	c.eventually(func() bool { return follower.LeaderID() == leader.ID() }, "follower never learned the leader")

	_, err := follower.Execute(context.Background(), putCmd("k", "v"))
	var nl *cacheerr.NotLeaderError
	require.ErrorAs(t, err, &nl)
	assert.Equal(t, leader.ID(), nl.LeaderID)
	assert.EqualValues(t, 7, nl.Shard)

	err = follower.Read(context.Background(), types.ConsistencyLeader, "k", func(*structure.Engine) error { return nil })
	assert.ErrorIs(t, err, cacheerr.ErrNotLeader)
}

func TestQuorumReadSeesCommittedWrite(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.waitForLeader(5 * time.Second)
	_, err := leader.Execute(context.Background(), putCmd("k", "v1"))
	require.NoError(t, err)

	for _, g := range c.groups {
		var got string
		err := g.Read(context.Background(), types.ConsistencyQuorum, "k", func(e *structure.Engine) error {
			rec, err := e.Get("k")
			got = string(rec.Data)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, "v1", got, "node %d", g.ID())
	}
}

func TestMinorityCannotCommit(t *testing.T) {
	c := newTestCluster(t, 3, func(cfg *Config) { cfg.ProposalTimeout = 500 * time.Millisecond })
	leader := c.waitForLeader(5 * time.Second)
	_, err := leader.Execute(context.Background(), putCmd("before", "v"))
	require.NoError(t, err)

	for id := range c.groups {
		if id != leader.ID() {
			c.tr.setDown(id, true)
		}
	}

	_, err = leader.Execute(context.Background(), putCmd("after", "v"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cacheerr.ErrNoQuorum) || errors.Is(err, cacheerr.ErrNotLeader), "got %v", err)

	err = leader.Read(context.Background(), types.ConsistencyQuorum, "before", func(*structure.Engine) error { return nil })
	assert.True(t, errors.Is(err, cacheerr.ErrNoQuorum) || errors.Is(err, cacheerr.ErrNotLeader), "got %v", err)

	// a local read still serves the stale value
	v, err := readLocal(leader, "before")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestLeaderFailoverKeepsCommittedWrites(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.waitForLeader(5 * time.Second)
	_, err := leader.Execute(context.Background(), putCmd("acct:42", "100"))
	require.NoError(t, err)

	c.kill(leader.ID())
	next := c.waitForLeader(5 * time.Second)
	require.NotEqual(t, leader.ID(), next.ID())

	var got string
	err = next.Read(context.Background(), types.ConsistencyQuorum, "acct:42", func(e *structure.Engine) error {
		rec, err := e.Get("acct:42")
		got = string(rec.Data)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "100", got)
	_, err = next.Execute(context.Background(), putCmd("acct:42", "101"))
	require.NoError(t, err)
}

func TestLeaderReadAfterFailoverSeesEarlierCommits(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.waitForLeader(5 * time.Second)
	_, err := leader.Execute(context.Background(), putCmd("acct:42", "100"))
	require.NoError(t, err)

	c.kill(leader.ID())
	next := c.waitForLeader(5 * time.Second)

	var got string
	err = next.Read(context.Background(), types.ConsistencyLeader, "acct:42", func(e *structure.Engine) error {
		rec, err := e.Get("acct:42")
		got = string(rec.Data)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "100", got)

	next.stateMu.RLock()
	appliedTerm := next.appliedTerm
	next.stateMu.RUnlock()
	assert.GreaterOrEqual(t, appliedTerm, next.node.Status().Term, "the read waited for an entry of the new term")
}

func TestLeaderReadOnFollowerIsRejected(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.waitForLeader(5 * time.Second)
	for id, g := range c.groups {
		if id == leader.ID() {
			continue
		}
		err := g.Read(context.Background(), types.ConsistencyLeader, "k", func(*structure.Engine) error { return nil })
		assert.ErrorIs(t, err, cacheerr.ErrNotLeader)
		break
	}
}

func TestRetriedProposalAppliesOnceAcrossLeaders(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.waitForLeader(5 * time.Second)

	cmd := WriteCmd(uuid.New(), Op{Op: structure.OpIncr, Key: "n", Delta: 1})
	_, err := leader.Execute(context.Background(), cmd)
	require.NoError(t, err)

	c.kill(leader.ID())
	next := c.waitForLeader(5 * time.Second)
	res, err := next.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Res.Number)
	v, err := readLocal(next, "n")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestRestartRecoversFromLogStore(t *testing.T) {
	c := newTestCluster(t, 3, func(cfg *Config) {
		cfg.SnapshotEntries = 10
		cfg.CompactionOverhead = 2
	})
	leader := c.waitForLeader(5 * time.Second)
	for i := 0; i < 30; i++ {
		_, err := leader.Execute(context.Background(), putCmd(fmt.Sprintf("k%d", i), "v"))
		require.NoError(t, err)
	}

	var victim types.NodeID
	for id := range c.groups {
		if id != leader.ID() {
			victim = id
			break
		}
	}
	c.eventually(func() bool { return c.groups[victim].Applied() >= leader.Applied() }, "victim lagging")
	c.kill(victim)

	stored, err := c.stores[victim].Load()
	require.NoError(t, err)
	assert.NotZero(t, stored.Snapshot.Metadata.Index, "a snapshot was persisted")

	g := c.restart(victim)
	c.eventually(func() bool {
		v, err := readLocal(g, "k29")
		return err == nil && v == "v"
	}, "restarted replica lost state")
	assert.Equal(t, 30, g.FSM().Engine().Len())
}

func TestLaggingFollowerCatchesUpBySnapshot(t *testing.T) {
	c := newTestCluster(t, 3, func(cfg *Config) {
		cfg.SnapshotEntries = 5
		cfg.CompactionOverhead = 1
	})
	leader := c.waitForLeader(5 * time.Second)

	var lagging types.NodeID
	for id := range c.groups {
		if id != leader.ID() {
			lagging = id
			break
		}
	}
	c.tr.setDown(lagging, true)
	for i := 0; i < 40; i++ {
		_, err := leader.Execute(context.Background(), putCmd(fmt.Sprintf("k%d", i), "v"))
		require.NoError(t, err)
	}
	c.tr.setDown(lagging, false)

	g := c.groups[lagging]
	c.eventually(func() bool {
		v, err := readLocal(g, "k39")
		return err == nil && v == "v"
	}, "lagging follower never caught up")
	assert.Equal(t, 40, g.FSM().Engine().Len())
}

func TestAddAndRemoveMember(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.waitForLeader(5 * time.Second)
	_, err := leader.Execute(context.Background(), putCmd("k", "v"))
	require.NoError(t, err)

	joiner := c.start(4, true)
	require.NoError(t, leader.AddMember(context.Background(), 4, "node-4"))
	c.eventually(func() bool {
		v, err := readLocal(joiner, "k")
		return err == nil && v == "v"
	}, "new member did not catch up")

	var victim types.NodeID
	for id := range c.groups {
		if id != leader.ID() && id != 4 {
			victim = id
			break
		}
	}
	require.NoError(t, leader.RemoveMember(context.Background(), victim))

	members := leader.Status().Members
	assert.Contains(t, members, types.NodeID(4))
	assert.NotContains(t, members, victim)
	c.eventually(func() bool {
		got := joiner.Status().Members
		return len(got) == 3 && !contains(got, victim)
	}, "joiner did not apply the removal")

	_, err = leader.Execute(context.Background(), putCmd("k2", "v"))
	require.NoError(t, err)
}

func contains(ids []types.NodeID, id types.NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func TestSweeperAbortsExpiredPreparedTransaction(t *testing.T) {
	c := newTestCluster(t, 3, func(cfg *Config) {
		cfg.PreparedTimeout = 5 * time.Second
		cfg.SweepGrace = time.Second
	})
	leader := c.waitForLeader(5 * time.Second)
	_, err := leader.Execute(context.Background(), putCmd("acct:1", "100"))
	require.NoError(t, err)

	res, err := leader.Execute(context.Background(), prepareCmd("orphan", incr("acct:1", -10, nil)))
	require.NoError(t, err)
	require.Equal(t, TxnPrepared, res.State)

	assert.Zero(t, leader.SweepPrepared(context.Background()), "deadline not reached yet")
	c.clk.Advance(5*time.Second + 500*time.Millisecond)
	assert.Zero(t, leader.SweepPrepared(context.Background()), "grace not over yet")
	c.clk.Advance(time.Second)
	assert.Equal(t, 1, leader.SweepPrepared(context.Background()))

	state, ok := leader.FSM().Outcome("orphan")
	require.True(t, ok)
	assert.Equal(t, TxnAborted, state)
	_, err = leader.Execute(context.Background(), putCmd("acct:1", "50"))
	require.NoError(t, err)
}
