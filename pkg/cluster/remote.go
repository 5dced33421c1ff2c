package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/replica"
	"spectracache/pkg/router"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// ErrUnknownShard is returned for raft traffic addressed to a shard this
// node does not host.
var ErrUnknownShard = errors.New("shard not hosted on this node")

var _ router.Remote = (*Host)(nil)

// replicaOf returns the local replica of shard, or the error that sends a
// router elsewhere: ShardMoved when the shard left the map, NotLeader when
// another node holds it.
func (h *Host) replicaOf(shard types.ShardID) (*replica.Group, error) {
	if g, ok := h.Group(shard); ok {
		return g, nil
	}
	m := h.router.ShardMap()
	if _, ok := m.Shard(shard); !ok {
		return nil, &cacheerr.ShardMovedError{Version: m.Version()}
	}
	return nil, &cacheerr.NotLeaderError{Shard: shard}
}

// Propose runs cmd on the local replica of shard, which must lead its group.
func (h *Host) Propose(ctx context.Context, shard types.ShardID, cmd replica.Cmd, acks int) (replica.Result, error) {
	g, err := h.replicaOf(shard)
	if err != nil {
		return replica.Result{}, err
	}
	res, err := g.Execute(ctx, cmd)
	if err != nil || acks == 0 {
		return res, err
	}
	n := acks
	if acks == router.AcksAll {
		n = len(g.Members())
	}
	if err := g.WaitReplicated(ctx, res.Index, n); err != nil {
		return res, err
	}
	return res, nil
}

// Query serves a read from the local replica under the request's
// consistency mode.
func (h *Host) Query(ctx context.Context, shard types.ShardID, req api.Request) (api.Response, error) {
	g, err := h.replicaOf(shard)
	if err != nil {
		return api.Response{}, err
	}
	var resp api.Response
	err = g.Read(ctx, req.Consistency, req.Key, func(e *structure.Engine) error {
		var qerr error
		resp, qerr = api.Query(e, req)
		return qerr
	})
	return resp, err
}

// ShardMap returns the newest map this node has applied or learned.
func (h *Host) ShardMap(context.Context) (*shardmap.Map, error) {
	return h.router.ShardMap(), nil
}

// Export hands off the part of shard that moves to dest. The leader confirms
// its lease with a read index round first, so nothing committed is missed.
func (h *Host) Export(ctx context.Context, shard, dest types.ShardID, since uint64) (replica.Handoff, error) {
	g, err := h.replicaOf(shard)
	if err != nil {
		return replica.Handoff{}, err
	}
	if !g.IsLeader() {
		return replica.Handoff{}, &cacheerr.NotLeaderError{Shard: shard, LeaderID: g.LeaderID()}
	}
	if err := g.ReadIndex(ctx); err != nil {
		return replica.Handoff{}, err
	}
	return g.FSM().ExportMoving(dest, h.clock.Now(), since)
}

// EnsureGroup starts the local replica of shard. A shard already listed in
// current is an existing group, so the replica starts empty and waits to be
// added; otherwise members bootstrap a new group.
func (h *Host) EnsureGroup(_ context.Context, shard types.ShardID, members []types.NodeID, current *shardmap.Map) error {
	if !slices.Contains(members, h.id) {
		return fmt.Errorf("%w: node %d is not a member of shard %d", cacheerr.ErrInvalidArgument, h.id, shard)
	}
	if current == nil {
		current = h.router.ShardMap()
	}
	_, exists := current.Shard(shard)
	return h.startGroup(shard, members, current, exists)
}

// Step delivers a raft message from a peer to the local replica.
func (h *Host) Step(ctx context.Context, shard types.ShardID, msg raftpb.Message) error {
	g, ok := h.Group(shard)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, shard)
	}
	return g.Step(ctx, msg)
}
