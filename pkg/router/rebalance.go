package router

import (
	"context"
	"fmt"
	"slices"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/replica"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// ingestBatch bounds the entries carried by one ingest command.
const ingestBatch = 256

type handoffKey struct {
	from, to types.ShardID
}

// Rebalance moves the cluster from the installed map to next:
//
//  1. start the groups of shards that only exist in next
//  2. announce next on every current group (CmdMigrate)
//  3. copy the moving entries into their destinations
//  4. fence the moving keys on the sources, retried until prepared
//     transactions holding them resolve
//  5. copy what changed since step 3, dropping keys deleted meanwhile
//  6. commit next on every group; sources drop what they handed off
//
// Writes to moving keys fail with ShardMoved between steps 4 and 6 and are
// retried by routers until the new map is installed.
func (r *Router) Rebalance(ctx context.Context, next *shardmap.Map) error {
	cur := r.ShardMap()
	if next.Version() <= cur.Version() {
		return fmt.Errorf("%w: map v%d is not newer than v%d", cacheerr.ErrInvalidArgument, next.Version(), cur.Version())
	}
	log := r.log.With("from", cur.Version(), "to", next.Version())
	log.Info("rebalance started")

	for _, s := range next.Shards() {
		if _, ok := cur.Shard(s.ID); ok {
			continue
		}
		if err := r.startGroup(ctx, s, cur); err != nil {
			return err
		}
	}

	sources := cur.Shards()
	for _, src := range sources {
		cmd := replica.NewCmd(replica.CmdMigrate)
		cmd.Map = next
		if _, err := r.ProposeTo(ctx, src.ID, src.Members, cmd, 0); err != nil {
			return fmt.Errorf("announce migration on shard %d: %w", src.ID, err)
		}
	}

	since := make(map[handoffKey]uint64)
	for _, src := range sources {
		for _, dst := range next.Shards() {
			if dst.ID == src.ID {
				continue
			}
			h, err := r.export(ctx, src, dst.ID, 0)
			if err != nil {
				return err
			}
			since[handoffKey{src.ID, dst.ID}] = h.Index
			if err := r.ingest(ctx, dst, h.Items); err != nil {
				return err
			}
			if len(h.Items) > 0 {
				log.Debug("copied moving entries", "source", src.ID, "dest", dst.ID, "entries", len(h.Items))
			}
		}
	}

	for _, src := range sources {
		if _, err := r.ProposeTo(ctx, src.ID, src.Members, replica.NewCmd(replica.CmdFence), 0); err != nil {
			return fmt.Errorf("fence shard %d: %w", src.ID, err)
		}
	}

	for _, src := range sources {
		for _, dst := range next.Shards() {
			if dst.ID == src.ID {
				continue
			}
			h, err := r.export(ctx, src, dst.ID, since[handoffKey{src.ID, dst.ID}])
			if err != nil {
				return err
			}
			final := replica.NewCmd(replica.CmdIngest)
			final.Final, final.Source, final.Keys = true, src.ID, h.Keys
			if len(h.Items) > ingestBatch {
				if err := r.ingest(ctx, dst, h.Items); err != nil {
					return err
				}
			} else {
				final.Items = h.Items
			}
			if _, err := r.ProposeTo(ctx, dst.ID, dst.Members, final, 0); err != nil {
				return fmt.Errorf("finish hand-off %d -> %d: %w", src.ID, dst.ID, err)
			}
		}
	}

	if err := r.InstallMap(ctx, next); err != nil {
		return err
	}
	log.Info("rebalance finished")
	return nil
}

// startGroup creates the replicas of a new shard and waits until the group
// commits a barrier.
func (r *Router) startGroup(ctx context.Context, s shardmap.Shard, cur *shardmap.Map) error {
	for _, id := range s.Members {
		remote, err := r.newClient(id)
		if err != nil {
			return fmt.Errorf("%w: node %d: %v", cacheerr.ErrNodeUnreachable, id, err)
		}
		if err := remote.EnsureGroup(ctx, s.ID, slices.Clone(s.Members), cur); err != nil {
			return fmt.Errorf("start shard %d on node %d: %w", s.ID, id, err)
		}
	}
	if _, err := r.ProposeTo(ctx, s.ID, s.Members, replica.NewCmd(replica.CmdBarrier), 0); err != nil {
		return fmt.Errorf("shard %d did not elect a leader: %w", s.ID, err)
	}
	return nil
}

func (r *Router) export(ctx context.Context, src shardmap.Shard, dest types.ShardID, since uint64) (replica.Handoff, error) {
	var h replica.Handoff
	err := r.withRetry(ctx, "export", func() error {
		node := r.target(src.ID, src.Members, false)
		return r.call(src.ID, node, func(remote Remote) error {
			var err error
			h, err = remote.Export(ctx, src.ID, dest, since)
			return err
		})
	})
	if err != nil {
		return h, fmt.Errorf("export shard %d -> %d: %w", src.ID, dest, err)
	}
	return h, nil
}

func (r *Router) ingest(ctx context.Context, dst shardmap.Shard, items []structure.Exported) error {
	for len(items) > 0 {
		n := min(len(items), ingestBatch)
		cmd := replica.NewCmd(replica.CmdIngest)
		cmd.Items = items[:n]
		if _, err := r.ProposeTo(ctx, dst.ID, dst.Members, cmd, 0); err != nil {
			return fmt.Errorf("ingest into shard %d: %w", dst.ID, err)
		}
		items = items[n:]
	}
	return nil
}
