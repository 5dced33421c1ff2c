package cluster

import (
	"context"
	"fmt"
	"slices"
	"time"

	"spectracache/pkg/membership"
	"spectracache/pkg/replica"
	"spectracache/pkg/types"
)

// handleLiveness reacts to a detector transition. A dead leader makes the
// first live member campaign; every group led here is then checked for
// members to replace.
func (h *Host) handleLiveness(ev membership.Event) error {
	switch ev.To {
	case membership.Alive:
		h.setPeer(ev.Node, ev.Addr)
		return nil
	case membership.Dead:
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(h.ctx, repairTimeout)
	defer cancel()
	for shard, sg := range h.hosted() {
		g := sg.group
		members := memberIDs(g)
		if !slices.Contains(members, ev.Node) {
			continue
		}
		lead := g.LeaderID()
		if (lead == ev.Node || lead == 0) && h.firstLive(members) == h.id {
			h.log.Info("campaigning after leader failure", "shard", shard, "dead", ev.Node)
			if err := g.Campaign(ctx); err != nil {
				h.log.Warn("campaign failed", "shard", shard, "error", err)
			}
		}
	}
	h.repairAll(ctx)
	return nil
}

func (h *Host) repairLoop(ctx context.Context) {
	ticker := time.NewTicker(h.opts.Membership.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, repairTimeout)
			h.repairAll(rctx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// repairAll replaces dead members of every group led by this node. Only one
// pass runs at a time.
func (h *Host) repairAll(ctx context.Context) {
	if !h.repairMu.TryLock() {
		return
	}
	defer h.repairMu.Unlock()
	for shard, sg := range h.hosted() {
		g := sg.group
		if !g.IsLeader() {
			continue
		}
		for _, id := range memberIDs(g) {
			if id == h.id || h.detector.State(id) != membership.Dead {
				continue
			}
			if err := h.replaceMember(ctx, g, id); err != nil {
				h.log.Warn("member replacement failed", "shard", shard, "dead", id, "error", err)
			}
		}
	}
}

// replaceMember brings a live node into the group, removes the dead one and
// publishes the new membership in the shard map. Without a spare node the
// group keeps running with the members it has.
func (h *Host) replaceMember(ctx context.Context, g *replica.Group, dead types.NodeID) error {
	shard := g.Shard()
	smap := h.router.ShardMap()
	if _, ok := smap.Shard(shard); !ok {
		return nil
	}
	members := memberIDs(g)
	spares := h.placeReplicas(smap, 1, members)
	if len(spares) == 0 {
		h.log.Debug("no spare node for failed member", "shard", shard, "dead", dead)
		return nil
	}
	spare := spares[0]
	next := slices.DeleteFunc(append(slices.Clone(members), spare), func(id types.NodeID) bool { return id == dead })
	slices.Sort(next)

	h.log.Info("replacing failed member", "shard", shard, "dead", dead, "spare", spare)
	remote, err := h.client(spare)
	if err != nil {
		return fmt.Errorf("reach spare %d: %w", spare, err)
	}
	if err := remote.EnsureGroup(ctx, shard, next, smap); err != nil {
		return fmt.Errorf("start replica on %d: %w", spare, err)
	}
	if err := g.AddMember(ctx, spare, h.addrOf(spare)); err != nil {
		return fmt.Errorf("add member %d: %w", spare, err)
	}
	if err := g.RemoveMember(ctx, dead); err != nil {
		return fmt.Errorf("remove member %d: %w", dead, err)
	}
	m, err := smap.WithMembers(shard, next)
	if err != nil {
		return err
	}
	if err := h.router.InstallMap(ctx, m); err != nil {
		return fmt.Errorf("publish membership: %w", err)
	}
	h.log.Info("replaced failed member", "shard", shard, "dead", dead, "spare", spare, "map_version", m.Version())
	return nil
}

func memberIDs(g *replica.Group) []types.NodeID {
	peers := g.Members()
	ids := make([]types.NodeID, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.ID)
	}
	return ids
}

// firstLive is the lowest member id the detector does not consider dead.
func (h *Host) firstLive(members []types.NodeID) types.NodeID {
	for _, id := range members {
		if h.detector.State(id) != membership.Dead {
			return id
		}
	}
	return 0
}
