package shardmap

import (
	"fmt"
	"hash/crc32"
	"sort"

	"spectracache/pkg/types"
)

// Ring implements consistent hashing with virtual nodes. A shard owns the
// arc that ends at each of its points.
type Ring struct {
	vnodes int
	points []uint32                 // sorted hashes
	owner  map[uint32]types.ShardID // hash -> shard
}

func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = 1
	}
	return &Ring{
		vnodes: vnodes,
		owner:  make(map[uint32]types.ShardID),
	}
}

func hashKey(key string) uint32 { return crc32.ChecksumIEEE([]byte(key)) }

func (r *Ring) AddShard(id types.ShardID) {
	for i := 0; i < r.vnodes; i++ {
		h := hashKey(fmt.Sprintf("shard-%d#%d", id, i))
		// on collision the lower id keeps the point so that the ring does not
		// depend on insertion order
		if prev, taken := r.owner[h]; taken {
			if prev < id {
				continue
			}
		} else {
			r.points = append(r.points, h)
		}
		r.owner[h] = id
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

func (r *Ring) RemoveShard(id types.ShardID) {
	filtered := r.points[:0]
	for _, h := range r.points {
		if r.owner[h] != id {
			filtered = append(filtered, h)
		} else {
			delete(r.owner, h)
		}
	}
	r.points = filtered
}

// Locate returns the shard owning key.
func (r *Ring) Locate(key string) (types.ShardID, bool) {
	if len(r.points) == 0 {
		return 0, false
	}
	h := hashKey(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.owner[r.points[idx]], true
}

// Shards returns the distinct shard ids on the ring.
func (r *Ring) Shards() []types.ShardID {
	seen := map[types.ShardID]struct{}{}
	var out []types.ShardID
	for _, id := range r.owner {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
