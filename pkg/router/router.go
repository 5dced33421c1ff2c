// Package router resolves keys to shards and shards to replica leaders, and
// forwards each request to the node that can serve it. It retries on
// NotLeader, ShardMoved, NoQuorum, KeyLocked and unreachable nodes, re-resolving
// the leader or the shard map before each new attempt.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"spectracache/internal/validate"
	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/replica"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/types"
)

// Remote is one node as seen by the router. Implementations report transport
// failures as cacheerr.ErrNodeUnreachable.
type Remote interface {
	// Propose runs cmd on the node's replica of shard, which must be the
	// leader. acks > 0 waits until that many replicas hold the entry, -1
	// waits for every member.
	Propose(ctx context.Context, shard types.ShardID, cmd replica.Cmd, acks int) (replica.Result, error)
	Query(ctx context.Context, shard types.ShardID, req api.Request) (api.Response, error)
	ShardMap(ctx context.Context) (*shardmap.Map, error)
	// Export returns the part of shard moving to dest under the announced
	// migration, as seen after a quorum read barrier.
	Export(ctx context.Context, shard, dest types.ShardID, since uint64) (replica.Handoff, error)
	// EnsureGroup starts the node's replica of a shard that is not in its
	// map yet.
	EnsureGroup(ctx context.Context, shard types.ShardID, members []types.NodeID, current *shardmap.Map) error
}

// ClientFactory returns the Remote for a node id.
type ClientFactory func(id types.NodeID) (Remote, error)

// AcksAll asks Propose to wait for every member of the group.
const AcksAll = -1

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" validate:"required"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"required,gtefield=InitialInterval"`
	Attempts        int           `yaml:"attempts" validate:"required,min=1"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     time.Second,
		Attempts:        30,
	}
}

func (c RetryConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

type Options struct {
	LocalID   types.NodeID
	Map       *shardmap.Map
	NewClient ClientFactory
	Retry     RetryConfig
	Logger    *slog.Logger
}

type Router struct {
	localID   types.NodeID
	newClient ClientFactory
	retry     RetryConfig
	log       *slog.Logger

	smap atomic.Pointer[shardmap.Map]

	mu      sync.Mutex
	leaders map[types.ShardID]types.NodeID
	cursor  map[types.ShardID]int
}

func New(opts Options) (*Router, error) {
	if opts.Map == nil {
		return nil, fmt.Errorf("router needs an initial shard map")
	}
	if opts.NewClient == nil {
		return nil, fmt.Errorf("router needs a client factory")
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Router{
		localID:   opts.LocalID,
		newClient: opts.NewClient,
		retry:     opts.Retry,
		log:       opts.Logger.With("component", "router"),
		leaders:   make(map[types.ShardID]types.NodeID),
		cursor:    make(map[types.ShardID]int),
	}
	r.smap.Store(opts.Map)
	return r, nil
}

// ShardMap returns the newest map the router knows. Callers keep the
// returned snapshot for the whole request.
func (r *Router) ShardMap() *shardmap.Map { return r.smap.Load() }

// UpdateMap installs m if it is newer than the current map.
func (r *Router) UpdateMap(m *shardmap.Map) bool {
	for {
		cur := r.smap.Load()
		if m == nil || (cur != nil && m.Version() <= cur.Version()) {
			return false
		}
		if r.smap.CompareAndSwap(cur, m) {
			r.log.Info("shard map updated", "version", m.Version(), "shards", len(m.Shards()))
			return true
		}
	}
}

func (r *Router) Locate(key string) (types.ShardID, error) {
	return r.ShardMap().Locate(key)
}

// Leader returns the cached leader of shard, zero when unknown.
func (r *Router) Leader(shard types.ShardID) types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaders[shard]
}

func (r *Router) setLeader(shard types.ShardID, id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		delete(r.leaders, shard)
		return
	}
	r.leaders[shard] = id
}

// target picks the node to contact: the local replica for local reads, the
// cached leader otherwise, and members in rotation while no leader is known.
func (r *Router) target(shard types.ShardID, members []types.NodeID, anyMember bool) types.NodeID {
	if anyMember && slices.Contains(members, r.localID) {
		return r.localID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if lead, ok := r.leaders[shard]; ok && slices.Contains(members, lead) {
		return lead
	}
	i := r.cursor[shard]
	r.cursor[shard] = i + 1
	return members[i%len(members)]
}

func (r *Router) members(m *shardmap.Map, shard types.ShardID) ([]types.NodeID, error) {
	s, ok := m.Shard(shard)
	if !ok {
		return nil, &cacheerr.ShardMovedError{Owner: shard, Version: m.Version()}
	}
	return s.Members, nil
}

func (r *Router) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retry.Attempts)), ctx)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the retry budget or ctx runs out.
func (r *Router) withRetry(ctx context.Context, what string, fn func() error) error {
	var last error
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		last = err
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			last = perm.Err
			return err
		}
		if !cacheerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.newBackOff(ctx), func(err error, d time.Duration) {
		r.log.Debug("retrying request", "op", what, "backoff", d, "error", err)
	})
	if err != nil && last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return last
	}
	return err
}

// call sends one attempt to node and updates the leader cache from the
// outcome.
func (r *Router) call(shard types.ShardID, node types.NodeID, fn func(Remote) error) error {
	remote, err := r.newClient(node)
	if err != nil {
		r.setLeader(shard, 0)
		return fmt.Errorf("%w: node %d: %v", cacheerr.ErrNodeUnreachable, node, err)
	}
	err = fn(remote)
	var nl *cacheerr.NotLeaderError
	switch {
	case err == nil:
	case errors.As(err, &nl):
		if nl.LeaderID == node {
			nl.LeaderID = 0
		}
		r.setLeader(shard, nl.LeaderID)
	case errors.Is(err, cacheerr.ErrNodeUnreachable), errors.Is(err, cacheerr.ErrNoQuorum):
		r.setLeader(shard, 0)
	}
	return err
}

// refresh pulls a newer map from the cluster after a ShardMoved answer.
func (r *Router) refresh(ctx context.Context, hinted uint64, from types.NodeID) {
	cur := r.ShardMap()
	if hinted != 0 && hinted <= cur.Version() {
		return
	}
	nodes := append([]types.NodeID{from}, cur.Nodes()...)
	for _, id := range slices.Compact(nodes) {
		if id == 0 {
			continue
		}
		remote, err := r.newClient(id)
		if err != nil {
			continue
		}
		m, err := remote.ShardMap(ctx)
		if err != nil {
			continue
		}
		if r.UpdateMap(m) && (hinted == 0 || m.Version() >= hinted) {
			return
		}
	}
}

// Do executes a single-key request.
func (r *Router) Do(ctx context.Context, req api.Request) (api.Response, error) {
	if err := req.Validate(); err != nil {
		return api.Response{}, err
	}
	if req.Op.IsWrite() {
		return r.write(ctx, req)
	}
	return r.read(ctx, req)
}

func (r *Router) write(ctx context.Context, req api.Request) (api.Response, error) {
	mop, _ := req.Op.Mutation()
	cmd := replica.WriteCmd(req.RequestID(), replica.Op{
		Op:    mop,
		Key:   req.Key,
		Value: req.Value,
		Delta: req.Delta,
		Min:   req.Min,
	})
	var resp api.Response
	err := r.onKey(ctx, string(req.Op), req.Key, false, func(remote Remote, shard types.ShardID) error {
		res, err := remote.Propose(ctx, shard, cmd, 0)
		if err != nil {
			return err
		}
		resp = api.FromResult(res.Res)
		return nil
	})
	return resp, err
}

func (r *Router) read(ctx context.Context, req api.Request) (api.Response, error) {
	local := req.Consistency.OrDefault() == types.ConsistencyLocal
	var resp api.Response
	err := r.onKey(ctx, string(req.Op), req.Key, local, func(remote Remote, shard types.ShardID) error {
		var err error
		resp, err = remote.Query(ctx, shard, req)
		return err
	})
	return resp, err
}

// onKey resolves key against the current map on every attempt.
func (r *Router) onKey(ctx context.Context, what, key string, anyMember bool, fn func(Remote, types.ShardID) error) error {
	return r.withRetry(ctx, what, func() error {
		m := r.ShardMap()
		shard, err := m.Locate(key)
		if err != nil {
			return backoff.Permanent(err)
		}
		members, err := r.members(m, shard)
		if err != nil {
			return err
		}
		node := r.target(shard, members, anyMember)
		err = r.call(shard, node, func(remote Remote) error { return fn(remote, shard) })
		var moved *cacheerr.ShardMovedError
		if errors.As(err, &moved) {
			r.refresh(ctx, moved.Version, node)
		}
		return err
	})
}

// Propose runs cmd on the leader of shard as listed in the current map.
// ShardMoved is final here: the command is bound to the shard.
func (r *Router) Propose(ctx context.Context, shard types.ShardID, cmd replica.Cmd, acks int) (replica.Result, error) {
	members, err := r.members(r.ShardMap(), shard)
	if err != nil {
		return replica.Result{}, err
	}
	return r.ProposeTo(ctx, shard, members, cmd, acks)
}

// ProposeTo is Propose for a group whose members are given explicitly, such
// as a shard that is not in the installed map yet.
func (r *Router) ProposeTo(ctx context.Context, shard types.ShardID, members []types.NodeID, cmd replica.Cmd, acks int) (replica.Result, error) {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	var res replica.Result
	err := r.withRetry(ctx, cmd.Kind.String(), func() error {
		node := r.target(shard, members, false)
		err := r.call(shard, node, func(remote Remote) error {
			var perr error
			res, perr = remote.Propose(ctx, shard, cmd, acks)
			return perr
		})
		if errors.Is(err, cacheerr.ErrShardMoved) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil && res.Err == nil {
		res.Err = err
	}
	return res, err
}

// InstallMap commits m to every group of m and to every group of the map it
// replaces, then adopts it.
func (r *Router) InstallMap(ctx context.Context, m *shardmap.Map) error {
	groups := make(map[types.ShardID][]types.NodeID)
	for _, s := range r.ShardMap().Shards() {
		groups[s.ID] = s.Members
	}
	for _, s := range m.Shards() {
		groups[s.ID] = s.Members
	}
	ids := make([]types.ShardID, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		cmd := replica.NewCmd(replica.CmdShardMap)
		cmd.Map = m
		if _, err := r.ProposeTo(ctx, id, groups[id], cmd, 0); err != nil {
			return fmt.Errorf("install map v%d on shard %d: %w", m.Version(), id, err)
		}
	}
	r.UpdateMap(m)
	return nil
}
