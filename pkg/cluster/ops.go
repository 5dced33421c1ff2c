package cluster

import (
	"context"
	"fmt"
	"slices"
	"time"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/metrics"
	"spectracache/pkg/replica"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/txn"
	"spectracache/pkg/types"
)

// Do serves a single-key client request from any node.
func (h *Host) Do(ctx context.Context, req api.Request) (api.Response, error) {
	start := time.Now()
	resp, err := h.router.Do(ctx, req)
	metrics.ObserveRequest(h.metrics, string(req.Op), string(cacheerr.CodeOf(err)), time.Since(start).Seconds())
	return resp, err
}

// Txn runs a multi-key transaction with this node as coordinator.
func (h *Host) Txn(ctx context.Context, req api.TxnRequest) (api.TxnResponse, error) {
	if err := req.Validate(); err != nil {
		return api.TxnResponse{ID: req.ID}, err
	}
	q, err := txn.ParseQuorum(req.Quorum)
	if err != nil {
		return api.TxnResponse{ID: req.ID}, err
	}

	ops := make([]replica.Op, 0, len(req.Ops))
	shards := make(map[types.ShardID]struct{})
	for _, op := range req.Ops {
		mop, _ := op.Op.Mutation()
		ops = append(ops, replica.Op{Op: mop, Key: op.Key, Value: op.Value, Delta: op.Delta, Min: op.Min})
		if s, err := h.router.Locate(op.Key); err == nil {
			shards[s] = struct{}{}
		}
	}

	start := time.Now()
	o, err := h.coord.Execute(ctx, req.ID, ops, q)
	metrics.ObserveTxn(h.metrics, string(o.State), len(shards))
	h.metrics.ObserveHistogram("transaction_duration_seconds", map[string]string{"state": string(o.State)}, time.Since(start).Seconds())
	return api.TxnResponse{ID: o.ID, State: string(o.State)}, err
}

// TxnOutcome returns the decision this node remembers for a transaction it
// coordinated.
func (h *Host) TxnOutcome(id string) (api.TxnResponse, bool) {
	o, ok := h.coord.Outcome(id)
	if !ok {
		return api.TxnResponse{}, false
	}
	return api.TxnResponse{ID: o.ID, State: string(o.State)}, true
}

// Rebalance moves the cluster to next, which must be the successor of the
// current map.
func (h *Host) Rebalance(ctx context.Context, next *shardmap.Map) error {
	return h.router.Rebalance(ctx, next)
}

// AddShard creates a shard on members, or on the least loaded live nodes
// when members is empty, and moves its key ranges onto it.
func (h *Host) AddShard(ctx context.Context, members []types.NodeID) (*shardmap.Map, error) {
	cur := h.router.ShardMap()
	ids := cur.ShardIDs()
	next := types.ShardID(0)
	if len(ids) > 0 {
		next = slices.Max(ids) + 1
	}
	if len(members) == 0 {
		members = h.placeReplicas(cur, h.replicaCount(cur), nil)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no live node to place shard %d on", cacheerr.ErrInvalidArgument, next)
	}
	m, err := cur.WithShard(shardmap.Shard{ID: next, Members: members})
	if err != nil {
		return nil, err
	}
	if err := h.Rebalance(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveShard hands the key ranges of shard to the remaining shards and
// retires its group.
func (h *Host) RemoveShard(ctx context.Context, shard types.ShardID) (*shardmap.Map, error) {
	m, err := h.router.ShardMap().WithoutShard(shard)
	if err != nil {
		return nil, err
	}
	if err := h.Rebalance(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (h *Host) replicaCount(m *shardmap.Map) int {
	n := 0
	for _, s := range m.Shards() {
		n = max(n, len(s.Members))
	}
	return max(n, 1)
}

// placeReplicas picks up to n live nodes outside exclude, fewest hosted
// shards first.
func (h *Host) placeReplicas(m *shardmap.Map, n int, exclude []types.NodeID) []types.NodeID {
	var candidates []types.NodeID
	for _, id := range h.detector.Alive() {
		if !slices.Contains(exclude, id) {
			candidates = append(candidates, id)
		}
	}
	slices.SortStableFunc(candidates, func(a, b types.NodeID) int {
		return len(m.ShardsOf(a)) - len(m.ShardsOf(b))
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	slices.Sort(candidates)
	return candidates
}
