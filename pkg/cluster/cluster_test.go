package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/replica"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

func newTestCluster(t *testing.T, nodes, shards int, mutate func(*LocalOptions)) *LocalCluster {
	t.Helper()
	opts := DefaultLocalOptions()
	opts.Nodes = nodes
	opts.Shards = shards
	opts.Replicas = min(3, nodes)
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if mutate != nil {
		mutate(&opts)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewLocalCluster(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})

	wctx := testCtx(t)
	for _, shard := range c.ShardMap().ShardIDs() {
		_, err := c.WaitLeader(wctx, shard)
		require.NoError(t, err)
	}
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func put(t *testing.T, h *Host, key, value string) {
	t.Helper()
	_, err := h.Do(testCtx(t), api.Request{Op: api.OpPut, Key: key, Value: structure.Scalar([]byte(value))})
	require.NoError(t, err, "put %s", key)
}

func get(ctx context.Context, h *Host, key string, mode types.Consistency) (string, error) {
	resp, err := h.Do(ctx, api.Request{Op: api.OpGet, Key: key, Consistency: mode})
	if err != nil {
		return "", err
	}
	return string(resp.Record.Data), nil
}

// keyOn finds a key that the current map places on shard.
func keyOn(t *testing.T, c *LocalCluster, shard types.ShardID, prefix string) string {
	t.Helper()
	m := c.ShardMap()
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("%s:%d", prefix, i)
		if s, err := m.Locate(key); err == nil && s == shard {
			return key
		}
	}
	t.Fatalf("no key with prefix %s on shard %d", prefix, shard)
	return ""
}

func anyOtherHost(c *LocalCluster, not types.NodeID) *Host {
	for _, h := range c.Hosts() {
		if h.ID() != not {
			return h
		}
	}
	return nil
}

func TestAcknowledgedWriteSurvivesLeaderKill(t *testing.T) {
	c := newTestCluster(t, 3, 1, nil)
	ctx := testCtx(t)

	put(t, c.Host(1), "acct:42", "100")
	leader, err := c.WaitLeader(ctx, 0)
	require.NoError(t, err)
	killed := leader.ID()
	c.Kill(killed)

	survivor := anyOtherHost(c, killed)
	got, err := get(ctx, survivor, "acct:42", types.ConsistencyQuorum)
	require.NoError(t, err)
	assert.Equal(t, "100", got)

	zero := int64(0)
	resp, err := survivor.Do(ctx, api.Request{Op: api.OpIncr, Key: "acct:42", Delta: -30, Min: &zero})
	require.NoError(t, err)
	assert.EqualValues(t, 70, resp.Number)

	next, err := c.WaitLeader(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, killed, next.ID())

	require.NoError(t, c.Restart(killed))
	restarted := c.Host(killed)
	require.Eventually(t, func() bool {
		got, err := get(ctx, restarted, "acct:42", types.ConsistencyLocal)
		return err == nil && got == "70"
	}, 10*time.Second, 20*time.Millisecond, "restarted replica catches up")
}

func TestIsolatedLeaderCannotCommit(t *testing.T) {
	c := newTestCluster(t, 3, 1, nil)
	ctx := testCtx(t)

	leader, err := c.WaitLeader(ctx, 0)
	require.NoError(t, err)
	var rest []types.NodeID
	for _, h := range c.Hosts() {
		if h.ID() != leader.ID() {
			rest = append(rest, h.ID())
		}
	}
	c.Partition([]types.NodeID{leader.ID()}, rest)

	pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	cmd := replica.WriteCmd(uuid.New(), replica.Op{Op: structure.OpPut, Key: "lonely", Value: structure.Scalar([]byte("x"))})
	_, err = leader.Propose(pctx, 0, cmd, 0)
	require.Error(t, err)
	assert.True(t, cacheerr.IsRetryable(err), "got %v", err)

	majority := c.Host(rest[0])
	put(t, majority, "elected", "yes")
	g, _ := majority.Group(0)
	assert.NotEqual(t, leader.ID(), g.LeaderID())

	c.Heal()
	require.Eventually(t, func() bool {
		got, err := get(ctx, leader, "elected", types.ConsistencyLocal)
		return err == nil && got == "yes"
	}, 10*time.Second, 20*time.Millisecond)
	_, err = get(ctx, majority, "lonely", types.ConsistencyQuorum)
	assert.ErrorIs(t, err, cacheerr.ErrNotFound, "uncommitted write must not surface")
}

func TestReplicasConvergeOnSameState(t *testing.T) {
	c := newTestCluster(t, 3, 1, nil)
	ctx := testCtx(t)
	h := c.Host(2)

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%d", i%10)
		switch i % 4 {
		case 0, 1:
			put(t, h, key, fmt.Sprintf("v%d", i))
		case 2:
			_, err := h.Do(ctx, api.Request{Op: api.OpDelete, Key: key})
			if err != nil {
				require.ErrorIs(t, err, cacheerr.ErrNotFound)
			}
		case 3:
			_, err := h.Do(ctx, api.Request{Op: api.OpIncr, Key: "counter", Delta: int64(i)})
			require.NoError(t, err)
		}
	}

	leader, err := c.WaitLeader(ctx, 0)
	require.NoError(t, err)
	lg, _ := leader.Group(0)
	target := lg.Applied()
	require.Eventually(t, func() bool {
		for _, host := range c.Hosts() {
			g, ok := host.Group(0)
			if !ok || g.Applied() < target {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	want := leader.EngineStats()[0]
	for _, host := range c.Hosts() {
		st := host.EngineStats()[0]
		assert.Equal(t, want.Keys, st.Keys, "node %d", host.ID())
		assert.Equal(t, want.LogicalBytes, st.LogicalBytes, "node %d", host.ID())
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("k%d", i)
			w, werr := get(ctx, leader, key, types.ConsistencyLocal)
			g, gerr := get(ctx, host, key, types.ConsistencyLocal)
			assert.Equal(t, w, g, "node %d key %s", host.ID(), key)
			assert.Equal(t, werr == nil, gerr == nil)
		}
	}
}

func TestTransactionAcrossShards(t *testing.T) {
	c := newTestCluster(t, 3, 2, nil)
	ctx := testCtx(t)
	h := c.Host(1)

	from, to := keyOn(t, c, 0, "acct"), keyOn(t, c, 1, "acct")
	put(t, h, from, "100")
	put(t, h, to, "0")

	zero := int64(0)
	transfer := func(id string, amount int64) (api.TxnResponse, error) {
		return c.Host(3).Txn(ctx, api.TxnRequest{
			ID: id,
			Ops: []api.TxnOp{
				{Op: api.OpIncr, Key: from, Delta: -amount, Min: &zero},
				{Op: api.OpIncr, Key: to, Delta: amount},
			},
		})
	}

	resp, err := transfer("t-ok", 40)
	require.NoError(t, err)
	assert.Equal(t, string(replica.TxnCommitted), resp.State)

	resp, err = transfer("t-overdraft", 100)
	require.ErrorIs(t, err, cacheerr.ErrTransactionAborted)
	assert.Equal(t, string(replica.TxnAborted), resp.State)

	for key, want := range map[string]string{from: "60", to: "40"} {
		got, err := get(ctx, h, key, types.ConsistencyQuorum)
		require.NoError(t, err)
		assert.Equal(t, want, got, key)
	}

	remembered, ok := c.Host(3).TxnOutcome("t-ok")
	require.True(t, ok)
	assert.Equal(t, string(replica.TxnCommitted), remembered.State)

	resp, err = transfer("t-ok", 40)
	require.NoError(t, err, "a retried transaction is answered from memory")
	assert.Equal(t, string(replica.TxnCommitted), resp.State)
	got, err := get(ctx, h, from, types.ConsistencyQuorum)
	require.NoError(t, err)
	assert.Equal(t, "60", got)
}

func TestCoordinatorCrashAfterPrepareIsSwept(t *testing.T) {
	c := newTestCluster(t, 3, 2, nil)
	ctx := testCtx(t)
	h := c.Host(1)

	key := keyOn(t, c, 0, "stock")
	put(t, h, key, "old")

	// A coordinator that prepared and then vanished.
	prepare := replica.NewCmd(replica.CmdPrepare)
	prepare.TxnID = "orphan"
	prepare.Deadline = time.Now().Add(300 * time.Millisecond).UnixNano()
	prepare.Ops = []replica.Op{{Op: structure.OpPut, Key: key, Value: structure.Scalar([]byte("new"))}}
	res, err := h.Router().Propose(ctx, 0, prepare, 0)
	require.NoError(t, err)
	require.Equal(t, replica.TxnPrepared, res.State)

	got, err := get(ctx, c.Host(2), key, types.ConsistencyLeader)
	require.NoError(t, err, "the read waits out the lock")
	assert.Equal(t, "old", got)

	leader, err := c.WaitLeader(ctx, 0)
	require.NoError(t, err)
	g, _ := leader.Group(0)
	state, ok := g.FSM().Outcome("orphan")
	require.True(t, ok)
	assert.Equal(t, replica.TxnAborted, state)

	commit := replica.NewCmd(replica.CmdCommit)
	commit.TxnID = "orphan"
	res, err = h.Router().Propose(ctx, 0, commit, 0)
	require.ErrorIs(t, err, cacheerr.ErrTransactionAborted, "a late commit finds the presumed abort")
	assert.Equal(t, replica.TxnAborted, res.State)
}

func TestRebalancePreservesEveryKey(t *testing.T) {
	c := newTestCluster(t, 3, 2, nil)
	ctx := testCtx(t)
	h := c.Host(1)

	const n = 120
	for i := 0; i < n; i++ {
		put(t, h, fmt.Sprintf("item:%d", i), fmt.Sprintf("v%d", i))
	}
	_, err := h.Do(ctx, api.Request{Op: api.OpDelete, Key: "item:7"})
	require.NoError(t, err)

	next, err := c.Host(2).AddShard(ctx, nil)
	require.NoError(t, err)
	require.Len(t, next.ShardIDs(), 3)
	assert.Equal(t, next.Version(), c.ShardMap().Version())

	moved := 0
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("item:%d", i)
		got, err := get(ctx, c.Host(3), key, types.ConsistencyQuorum)
		if i == 7 {
			require.ErrorIs(t, err, cacheerr.ErrNotFound, "deleted keys stay deleted")
			continue
		}
		require.NoError(t, err, key)
		assert.Equal(t, fmt.Sprintf("v%d", i), got)
		if s, _ := next.Locate(key); s == 2 {
			moved++
		}
	}
	assert.Positive(t, moved, "the new shard owns part of the key space")

	after, err := h.RemoveShard(ctx, 0)
	require.NoError(t, err)
	assert.NotContains(t, after.ShardIDs(), types.ShardID(0))
	for i := 0; i < n; i++ {
		if i == 7 {
			continue
		}
		key := fmt.Sprintf("item:%d", i)
		got, err := get(ctx, h, key, types.ConsistencyQuorum)
		require.NoError(t, err, key)
		assert.Equal(t, fmt.Sprintf("v%d", i), got)
	}
	require.Eventually(t, func() bool {
		for _, host := range c.Hosts() {
			if _, ok := host.Group(0); ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "replicas of the removed shard retire")
}

func TestDeadMemberIsReplaced(t *testing.T) {
	c := newTestCluster(t, 4, 1, nil)
	ctx := testCtx(t)

	s, ok := c.ShardMap().Shard(0)
	require.True(t, ok)
	require.Len(t, s.Members, 3)
	var spare types.NodeID
	for _, h := range c.Hosts() {
		if !slices.Contains(s.Members, h.ID()) {
			spare = h.ID()
		}
	}
	require.NotZero(t, spare)

	put(t, c.Host(spare), "inventory", "12")
	leader, err := c.WaitLeader(ctx, 0)
	require.NoError(t, err)
	var victim types.NodeID
	for _, id := range s.Members {
		if id != leader.ID() {
			victim = id
			break
		}
	}
	c.Kill(victim)

	require.Eventually(t, func() bool {
		m, ok := c.ShardMap().Shard(0)
		return ok && slices.Contains(m.Members, spare) && !slices.Contains(m.Members, victim)
	}, 10*time.Second, 20*time.Millisecond, "the shard map lists the replacement")

	require.Eventually(t, func() bool {
		st, ok := c.Host(spare).EngineStats()[0]
		return ok && st.Keys == 1
	}, 10*time.Second, 20*time.Millisecond, "the replacement catches up")
	got, err := get(ctx, c.Host(spare), "inventory", types.ConsistencyLocal)
	require.NoError(t, err)
	assert.Equal(t, "12", got)
}

func TestStatusReportsEveryGroup(t *testing.T) {
	c := newTestCluster(t, 3, 2, nil)
	st := c.Host(1).Status()
	require.Len(t, st, 2)
	assert.Equal(t, types.ShardID(0), st[0].Shard)
	assert.Len(t, st[0].Members, 3)
	assert.Len(t, c.Host(1).Nodes(), 3)
}
