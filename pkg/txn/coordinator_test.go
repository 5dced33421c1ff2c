package txn

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/clock"
	"spectracache/pkg/replica"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// localParticipants applies commands straight to one FSM per shard.
type localParticipants struct {
	mu    sync.Mutex
	smap  *shardmap.Map
	fsms  map[types.ShardID]*replica.FSM
	index map[types.ShardID]uint64
	clock *clock.Manual

	calls     map[replica.CmdKind]int
	acks      []int
	failKind  replica.CmdKind
	onPrepare func()
}

func newLocalParticipants(t *testing.T) *localParticipants {
	t.Helper()
	m, err := shardmap.New(1, 0, []shardmap.Shard{
		{ID: 0, Members: []types.NodeID{1}},
		{ID: 1, Members: []types.NodeID{1}},
	})
	require.NoError(t, err)
	p := &localParticipants{
		smap:  m,
		fsms:  make(map[types.ShardID]*replica.FSM),
		index: make(map[types.ShardID]uint64),
		clock: clock.NewManual(epoch),
		calls: make(map[replica.CmdKind]int),
	}
	for _, id := range m.ShardIDs() {
		eng, err := structure.NewEngine(structure.Options{})
		require.NoError(t, err)
		t.Cleanup(eng.Close)
		p.fsms[id] = replica.NewFSM(replica.FSMOptions{Shard: id, Engine: eng, Map: m})
	}
	return p
}

func (p *localParticipants) Locate(key string) (types.ShardID, error) { return p.smap.Locate(key) }

func (p *localParticipants) Propose(_ context.Context, shard types.ShardID, cmd replica.Cmd, acks int) (replica.Result, error) {
	p.mu.Lock()
	p.calls[cmd.Kind]++
	if cmd.Kind == replica.CmdCommit {
		p.acks = append(p.acks, acks)
	}
	fail := p.failKind == cmd.Kind
	hook := p.onPrepare
	p.mu.Unlock()

	if fail {
		return replica.Result{}, fmt.Errorf("%w: injected", cacheerr.ErrNodeUnreachable)
	}
	if cmd.Kind == replica.CmdPrepare && hook != nil {
		hook()
	}
	p.mu.Lock()
	p.index[shard]++
	idx := p.index[shard]
	p.mu.Unlock()
	cmd.ProposedAt = p.clock.Now().UnixNano()
	res := p.fsms[shard].Apply(idx, cmd)
	return res, res.Err
}

func (p *localParticipants) write(t *testing.T, key string, val int64) {
	t.Helper()
	shard, err := p.Locate(key)
	require.NoError(t, err)
	cmd := replica.WriteCmd(uuid.Nil, replica.Op{Op: structure.OpPut, Key: key, Value: structure.Scalar([]byte(strconv.FormatInt(val, 10)))})
	_, err = p.Propose(context.Background(), shard, cmd, 0)
	require.NoError(t, err)
}

func (p *localParticipants) read(t *testing.T, key string) string {
	t.Helper()
	shard, err := p.Locate(key)
	require.NoError(t, err)
	rec, err := p.fsms[shard].Engine().Get(key)
	require.NoError(t, err)
	return string(rec.Data)
}

// accountsOnBothShards returns one key owned by each shard.
func accountsOnBothShards(t *testing.T, p *localParticipants) (string, string) {
	t.Helper()
	byShard := map[types.ShardID]string{}
	for i := 0; len(byShard) < 2 && i < 1000; i++ {
		k := fmt.Sprintf("acct:%d", i)
		s, err := p.Locate(k)
		require.NoError(t, err)
		if _, ok := byShard[s]; !ok {
			byShard[s] = k
		}
	}
	require.Len(t, byShard, 2)
	return byShard[0], byShard[1]
}

func transfer(from, to string, amount int64) []replica.Op {
	zero := int64(0)
	return []replica.Op{
		{Op: structure.OpIncr, Key: from, Delta: -amount, Min: &zero},
		{Op: structure.OpIncr, Key: to, Delta: amount},
	}
}

func testConfig() Config {
	return Config{PreparedTimeout: 5 * time.Second, SafetyMargin: 500 * time.Millisecond, OutcomeTTL: time.Minute}
}

func TestTransferCommitsOnBothShards(t *testing.T) {
	p := newLocalParticipants(t)
	a, b := accountsOnBothShards(t, p)
	p.write(t, a, 100)
	p.write(t, b, 0)

	c := NewCoordinator(p, testConfig(), p.clock, nil)
	o, err := c.Execute(context.Background(), "t1", transfer(a, b, 30), QuorumMajority)
	require.NoError(t, err)
	assert.Equal(t, replica.TxnCommitted, o.State)
	assert.Equal(t, "70", p.read(t, a))
	assert.Equal(t, "30", p.read(t, b))
	for _, f := range p.fsms {
		assert.Empty(t, f.Prepared())
	}
}

func TestConstraintViolationAbortsEverywhere(t *testing.T) {
	p := newLocalParticipants(t)
	a, b := accountsOnBothShards(t, p)
	p.write(t, a, 10)
	p.write(t, b, 0)

	c := NewCoordinator(p, testConfig(), p.clock, nil)
	o, err := c.Execute(context.Background(), "t2", transfer(a, b, 30), QuorumMajority)
	require.ErrorIs(t, err, cacheerr.ErrTransactionAborted)
	assert.Equal(t, replica.TxnAborted, o.State)
	assert.Equal(t, "10", p.read(t, a))
	assert.Equal(t, "0", p.read(t, b))
	assert.Equal(t, 2, p.calls[replica.CmdAbort])
	for id, f := range p.fsms {
		assert.Empty(t, f.Prepared(), "shard %d still holds locks", id)
		state, ok := f.Outcome("t2")
		require.True(t, ok)
		assert.Equal(t, replica.TxnAborted, state)
	}
	p.write(t, b, 5)
}

func TestSameKeyOpsAreCheckedTogether(t *testing.T) {
	p := newLocalParticipants(t)
	a, b := accountsOnBothShards(t, p)
	p.write(t, a, 200)
	p.write(t, b, 0)
	zero := int64(0)

	c := NewCoordinator(p, testConfig(), p.clock, nil)
	ops := []replica.Op{
		{Op: structure.OpPut, Key: a, Value: structure.Scalar([]byte("10"))},
		{Op: structure.OpIncr, Key: a, Delta: -50, Min: &zero},
		{Op: structure.OpIncr, Key: b, Delta: 50},
	}
	o, err := c.Execute(context.Background(), "reset-then-draw", ops, QuorumMajority)
	require.ErrorIs(t, err, cacheerr.ErrTransactionAborted)
	assert.Equal(t, replica.TxnAborted, o.State)
	assert.Zero(t, p.calls[replica.CmdCommit])
	assert.Equal(t, "200", p.read(t, a))
	assert.Equal(t, "0", p.read(t, b))
	for id, f := range p.fsms {
		assert.Empty(t, f.Prepared(), "shard %d still holds locks", id)
	}

	ops[1].Delta = -5
	o, err = c.Execute(context.Background(), "reset-then-spend", ops, QuorumMajority)
	require.NoError(t, err)
	assert.Equal(t, replica.TxnCommitted, o.State)
	assert.Equal(t, "5", p.read(t, a))
	assert.Equal(t, "50", p.read(t, b))
}

func TestRetryReturnsRememberedOutcome(t *testing.T) {
	p := newLocalParticipants(t)
	a, b := accountsOnBothShards(t, p)
	p.write(t, a, 100)
	p.write(t, b, 0)

	c := NewCoordinator(p, testConfig(), p.clock, nil)
	_, err := c.Execute(context.Background(), "t3", transfer(a, b, 10), QuorumMajority)
	require.NoError(t, err)
	prepares := p.calls[replica.CmdPrepare]

	o, err := c.Execute(context.Background(), "t3", transfer(a, b, 10), QuorumMajority)
	require.NoError(t, err)
	assert.Equal(t, replica.TxnCommitted, o.State)
	assert.Equal(t, prepares, p.calls[replica.CmdPrepare])
	assert.Equal(t, "90", p.read(t, a))

	// a fresh coordinator is deduplicated by the participants' logs
	fresh := NewCoordinator(p, testConfig(), p.clock, nil)
	o, err = fresh.Execute(context.Background(), "t3", transfer(a, b, 10), QuorumMajority)
	require.NoError(t, err)
	assert.Equal(t, replica.TxnCommitted, o.State)
	assert.Equal(t, "90", p.read(t, a))
	assert.Equal(t, "10", p.read(t, b))
}

func TestOutcomeForgottenAfterTTL(t *testing.T) {
	p := newLocalParticipants(t)
	a, b := accountsOnBothShards(t, p)
	p.write(t, a, 1)
	p.write(t, b, 1)

	c := NewCoordinator(p, testConfig(), p.clock, nil)
	_, err := c.Execute(context.Background(), "t4", transfer(a, b, 1), QuorumMajority)
	require.NoError(t, err)
	_, ok := c.Outcome("t4")
	require.True(t, ok)

	p.clock.Advance(2 * time.Minute)
	_, _ = c.Execute(context.Background(), "other", []replica.Op{{Op: structure.OpIncr, Key: a, Delta: 1}}, QuorumMajority)
	_, ok = c.Outcome("t4")
	assert.False(t, ok)
}

func TestSlowPrepareAbortsBeforeDeadline(t *testing.T) {
	p := newLocalParticipants(t)
	a, b := accountsOnBothShards(t, p)
	p.write(t, a, 100)
	p.write(t, b, 0)
	var once sync.Once
	p.onPrepare = func() { once.Do(func() { p.clock.Advance(4800 * time.Millisecond) }) }

	c := NewCoordinator(p, testConfig(), p.clock, nil)
	o, err := c.Execute(context.Background(), "slow", transfer(a, b, 1), QuorumMajority)
	require.ErrorIs(t, err, cacheerr.ErrTransactionAborted)
	assert.Equal(t, replica.TxnAborted, o.State)
	assert.Zero(t, p.calls[replica.CmdCommit])
	assert.Equal(t, "100", p.read(t, a))
}

func TestUnconfirmedCommitIsNotCached(t *testing.T) {
	p := newLocalParticipants(t)
	a, b := accountsOnBothShards(t, p)
	p.write(t, a, 100)
	p.write(t, b, 0)
	p.failKind = replica.CmdCommit

	c := NewCoordinator(p, testConfig(), p.clock, nil)
	o, err := c.Execute(context.Background(), "lost", transfer(a, b, 5), QuorumMajority)
	require.Error(t, err)
	assert.Equal(t, replica.TxnCommitting, o.State)
	_, ok := c.Outcome("lost")
	assert.False(t, ok)

	// the retry finishes the commit through the same prepared state
	p.failKind = 0
	o, err = c.Execute(context.Background(), "lost", transfer(a, b, 5), QuorumMajority)
	require.NoError(t, err)
	assert.Equal(t, replica.TxnCommitted, o.State)
	assert.Equal(t, "95", p.read(t, a))
	assert.Equal(t, "5", p.read(t, b))
}

func TestQuorumLevelReachesCommit(t *testing.T) {
	p := newLocalParticipants(t)
	a, b := accountsOnBothShards(t, p)
	p.write(t, a, 1)
	p.write(t, b, 1)

	c := NewCoordinator(p, testConfig(), p.clock, nil)
	_, err := c.Execute(context.Background(), "all", transfer(a, b, 1), QuorumAll)
	require.NoError(t, err)
	assert.Equal(t, []int{-1, -1}, p.acks)
}

func TestParseQuorum(t *testing.T) {
	cases := map[string]Quorum{"": QuorumMajority, "majority": QuorumMajority, "ALL": QuorumAll, "3": 3}
	for in, want := range cases {
		got, err := ParseQuorum(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"0", "-2", "most"} {
		_, err := ParseQuorum(bad)
		assert.ErrorIs(t, err, cacheerr.ErrInvalidArgument, bad)
	}
}
