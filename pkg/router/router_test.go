package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/replica"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// fakeRemote answers with whatever reply returns and records the calls.
type fakeRemote struct {
	id    types.NodeID
	reply func(shard types.ShardID) error
	smap  *shardmap.Map

	mu       sync.Mutex
	proposed []replica.Cmd
	queried  int
}

func (f *fakeRemote) answer(shard types.ShardID) error {
	if f.reply == nil {
		return nil
	}
	return f.reply(shard)
}

func (f *fakeRemote) Propose(_ context.Context, shard types.ShardID, cmd replica.Cmd, _ int) (replica.Result, error) {
	f.mu.Lock()
	f.proposed = append(f.proposed, cmd)
	f.mu.Unlock()
	if err := f.answer(shard); err != nil {
		return replica.Result{Err: err}, err
	}
	return replica.Result{Index: 1}, nil
}

func (f *fakeRemote) Query(_ context.Context, shard types.ShardID, req api.Request) (api.Response, error) {
	f.mu.Lock()
	f.queried++
	f.mu.Unlock()
	if err := f.answer(shard); err != nil {
		return api.Response{}, err
	}
	return api.Response{Record: &structure.Record{Key: req.Key, Data: []byte(fmt.Sprint(f.id))}}, nil
}

func (f *fakeRemote) ShardMap(context.Context) (*shardmap.Map, error) { return f.smap, nil }

func (f *fakeRemote) Export(context.Context, types.ShardID, types.ShardID, uint64) (replica.Handoff, error) {
	return replica.Handoff{}, nil
}

func (f *fakeRemote) EnsureGroup(context.Context, types.ShardID, []types.NodeID, *shardmap.Map) error {
	return nil
}

func (f *fakeRemote) proposals() []replica.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]replica.Cmd(nil), f.proposed...)
}

type fakeNet struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*fakeRemote
	down  map[types.NodeID]bool
}

func newFakeNet(ids ...types.NodeID) *fakeNet {
	n := &fakeNet{nodes: make(map[types.NodeID]*fakeRemote), down: make(map[types.NodeID]bool)}
	for _, id := range ids {
		n.nodes[id] = &fakeRemote{id: id}
	}
	return n
}

func (n *fakeNet) factory(id types.NodeID) (Remote, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[id] {
		return nil, fmt.Errorf("node %d down", id)
	}
	r, ok := n.nodes[id]
	if !ok {
		return nil, fmt.Errorf("unknown node %d", id)
	}
	return r, nil
}

func singleShardMap(t *testing.T, version uint64, members ...types.NodeID) *shardmap.Map {
	t.Helper()
	m, err := shardmap.New(version, 16, []shardmap.Shard{{ID: 0, Members: members}})
	require.NoError(t, err)
	return m
}

func newTestRouter(t *testing.T, local types.NodeID, m *shardmap.Map, net *fakeNet) *Router {
	t.Helper()
	r, err := New(Options{
		LocalID:   local,
		Map:       m,
		NewClient: net.factory,
		Retry:     RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Attempts: 10},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return r
}

func TestWriteFollowsLeaderHint(t *testing.T) {
	net := newFakeNet(1, 2, 3)
	for _, id := range []types.NodeID{1, 2} {
		net.nodes[id].reply = func(shard types.ShardID) error {
			return &cacheerr.NotLeaderError{Shard: shard, LeaderID: 3}
		}
	}
	r := newTestRouter(t, 1, singleShardMap(t, 1, 1, 2, 3), net)

	id := uuid.NewString()
	_, err := r.Do(context.Background(), api.Request{ID: id, Op: api.OpPut, Key: "k", Value: structure.Scalar([]byte("v"))})
	require.NoError(t, err)
	assert.Equal(t, types.NodeID(3), r.Leader(0))

	got := net.nodes[3].proposals()
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID.String(), "retries keep the request id")

	_, err = r.Do(context.Background(), api.Request{Op: api.OpDelete, Key: "k"})
	require.NoError(t, err)
	assert.Len(t, net.nodes[3].proposals(), 2, "cached leader is contacted first")
}

func TestUnreachableNodeIsSkipped(t *testing.T) {
	net := newFakeNet(1, 2, 3)
	net.down[1] = true
	net.nodes[2].reply = func(shard types.ShardID) error {
		return &cacheerr.NotLeaderError{Shard: shard, LeaderID: 1}
	}
	net.nodes[3].reply = func(shard types.ShardID) error {
		return &cacheerr.NotLeaderError{Shard: shard}
	}
	r := newTestRouter(t, 2, singleShardMap(t, 1, 1, 2, 3), net)

	_, err := r.Do(context.Background(), api.Request{Op: api.OpGet, Key: "k", Consistency: types.ConsistencyLeader})
	require.ErrorIs(t, err, cacheerr.ErrNodeUnreachable)
	assert.Zero(t, r.Leader(0))
}

func TestShardMovedRefreshesMap(t *testing.T) {
	net := newFakeNet(1, 2)
	old := singleShardMap(t, 1, 1)
	next, err := shardmap.New(2, 16, []shardmap.Shard{{ID: 5, Members: []types.NodeID{2}}})
	require.NoError(t, err)

	net.nodes[1].smap = next
	net.nodes[1].reply = func(types.ShardID) error {
		return &cacheerr.ShardMovedError{Key: "k", Owner: 5, Version: 2}
	}
	r := newTestRouter(t, 1, old, net)

	resp, err := r.Do(context.Background(), api.Request{Op: api.OpGet, Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "2", string(resp.Record.Data))
	assert.Equal(t, uint64(2), r.ShardMap().Version())
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	net := newFakeNet(1)
	net.nodes[1].reply = func(types.ShardID) error { return cacheerr.ErrTypeMismatch }
	r := newTestRouter(t, 1, singleShardMap(t, 1, 1), net)

	_, err := r.Do(context.Background(), api.Request{Op: api.OpGet, Key: "k"})
	require.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
	assert.Equal(t, 1, net.nodes[1].queried)
}

func TestLocalReadStaysOnLocalReplica(t *testing.T) {
	net := newFakeNet(1, 2, 3)
	r := newTestRouter(t, 2, singleShardMap(t, 1, 1, 2, 3), net)

	for i := 0; i < 3; i++ {
		resp, err := r.Do(context.Background(), api.Request{Op: api.OpGet, Key: "k", Consistency: types.ConsistencyLocal})
		require.NoError(t, err)
		assert.Equal(t, "2", string(resp.Record.Data))
	}
	assert.Equal(t, 3, net.nodes[2].queried)
}

func TestInvalidRequestNeverLeavesTheNode(t *testing.T) {
	net := newFakeNet(1)
	r := newTestRouter(t, 1, singleShardMap(t, 1, 1), net)

	_, err := r.Do(context.Background(), api.Request{Op: api.OpPut, Key: "k"})
	require.ErrorIs(t, err, cacheerr.ErrInvalidArgument)
	assert.Empty(t, net.nodes[1].proposals())
}

func TestInstallMapReachesOldAndNewGroups(t *testing.T) {
	net := newFakeNet(1, 2)
	cur := singleShardMap(t, 1, 1)
	next, err := shardmap.New(2, 16, []shardmap.Shard{{ID: 1, Members: []types.NodeID{2}}})
	require.NoError(t, err)
	r := newTestRouter(t, 1, cur, net)

	require.NoError(t, r.InstallMap(context.Background(), next))
	assert.Equal(t, uint64(2), r.ShardMap().Version())

	for _, id := range []types.NodeID{1, 2} {
		got := net.nodes[id].proposals()
		require.Len(t, got, 1, "node %d", id)
		assert.Equal(t, replica.CmdShardMap, got[0].Kind)
		assert.Equal(t, uint64(2), got[0].Map.Version())
	}
	assert.False(t, r.UpdateMap(cur), "older maps are ignored")
}
