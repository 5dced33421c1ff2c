// Package shardmap holds the versioned assignment of the key space to
// shards and of shards to replica groups. A Map is immutable: changes build a
// new Map with a higher version, and only committed maps are ever installed.
package shardmap

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"spectracache/pkg/types"
)

const DefaultVNodes = 128

// Shard is one partition and the nodes of its replica group.
type Shard struct {
	ID      types.ShardID  `json:"id"`
	Members []types.NodeID `json:"members"`
}

type Map struct {
	version uint64
	vnodes  int
	shards  []Shard
	ring    *Ring
}

// New builds a map. Shards are sorted by id and members by node id.
func New(version uint64, vnodes int, shards []Shard) (*Map, error) {
	if vnodes <= 0 {
		vnodes = DefaultVNodes
	}
	sorted := make([]Shard, 0, len(shards))
	seen := make(map[types.ShardID]struct{}, len(shards))
	for _, s := range shards {
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("duplicate shard %d", s.ID)
		}
		if len(s.Members) == 0 {
			return nil, fmt.Errorf("shard %d has no members", s.ID)
		}
		seen[s.ID] = struct{}{}
		members := slices.Clone(s.Members)
		slices.Sort(members)
		sorted = append(sorted, Shard{ID: s.ID, Members: slices.Compact(members)})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	ring := NewRing(vnodes)
	for _, s := range sorted {
		ring.AddShard(s.ID)
	}
	return &Map{version: version, vnodes: vnodes, shards: sorted, ring: ring}, nil
}

func (m *Map) Version() uint64 { return m.version }

func (m *Map) VNodes() int { return m.vnodes }

// Locate returns the shard owning key under this map.
func (m *Map) Locate(key string) (types.ShardID, error) {
	id, ok := m.ring.Locate(key)
	if !ok {
		return 0, fmt.Errorf("shard map v%d is empty", m.version)
	}
	return id, nil
}

func (m *Map) Shards() []Shard {
	out := make([]Shard, len(m.shards))
	for i, s := range m.shards {
		out[i] = Shard{ID: s.ID, Members: slices.Clone(s.Members)}
	}
	return out
}

func (m *Map) ShardIDs() []types.ShardID {
	ids := make([]types.ShardID, len(m.shards))
	for i, s := range m.shards {
		ids[i] = s.ID
	}
	return ids
}

func (m *Map) Shard(id types.ShardID) (Shard, bool) {
	for _, s := range m.shards {
		if s.ID == id {
			return Shard{ID: s.ID, Members: slices.Clone(s.Members)}, true
		}
	}
	return Shard{}, false
}

// ShardsOf lists the shards whose group includes node.
func (m *Map) ShardsOf(node types.NodeID) []types.ShardID {
	var out []types.ShardID
	for _, s := range m.shards {
		if slices.Contains(s.Members, node) {
			out = append(out, s.ID)
		}
	}
	return out
}

// Nodes lists every node referenced by the map.
func (m *Map) Nodes() []types.NodeID {
	var out []types.NodeID
	for _, s := range m.shards {
		out = append(out, s.Members...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// WithShard returns the next version with s added or replaced.
func (m *Map) WithShard(s Shard) (*Map, error) {
	shards := m.Shards()
	replaced := false
	for i := range shards {
		if shards[i].ID == s.ID {
			shards[i] = s
			replaced = true
		}
	}
	if !replaced {
		shards = append(shards, s)
	}
	return New(m.version+1, m.vnodes, shards)
}

// WithoutShard returns the next version with id removed.
func (m *Map) WithoutShard(id types.ShardID) (*Map, error) {
	shards := m.Shards()
	out := shards[:0]
	for _, s := range shards {
		if s.ID != id {
			out = append(out, s)
		}
	}
	if len(out) == len(shards) {
		return nil, fmt.Errorf("shard %d is not in map v%d", id, m.version)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cannot remove the last shard")
	}
	return New(m.version+1, m.vnodes, out)
}

// WithMembers returns the next version with the group of id replaced. The
// key space does not move.
func (m *Map) WithMembers(id types.ShardID, members []types.NodeID) (*Map, error) {
	if _, ok := m.Shard(id); !ok {
		return nil, fmt.Errorf("shard %d is not in map v%d", id, m.version)
	}
	return m.WithShard(Shard{ID: id, Members: members})
}

// Moved reports whether key changes owner between m and next, and to whom.
func (m *Map) Moved(next *Map, key string) (types.ShardID, types.ShardID, bool) {
	from, err := m.Locate(key)
	if err != nil {
		return 0, 0, false
	}
	to, err := next.Locate(key)
	if err != nil {
		return 0, 0, false
	}
	return from, to, from != to
}

// Equal compares version and assignment.
func (m *Map) Equal(o *Map) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.version != o.version || m.vnodes != o.vnodes || len(m.shards) != len(o.shards) {
		return false
	}
	for i := range m.shards {
		if m.shards[i].ID != o.shards[i].ID || !slices.Equal(m.shards[i].Members, o.shards[i].Members) {
			return false
		}
	}
	return true
}

func (m *Map) String() string {
	return fmt.Sprintf("shardmap v%d (%d shards)", m.version, len(m.shards))
}

type mapJSON struct {
	Version uint64  `json:"version"`
	VNodes  int     `json:"vnodes"`
	Shards  []Shard `json:"shards"`
}

func (m *Map) MarshalJSON() ([]byte, error) {
	return json.Marshal(mapJSON{Version: m.version, VNodes: m.vnodes, Shards: m.shards})
}

func (m *Map) UnmarshalJSON(b []byte) error {
	var raw mapJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	built, err := New(raw.Version, raw.VNodes, raw.Shards)
	if err != nil {
		return err
	}
	*m = *built
	return nil
}

// Initial spreads shards over nodes round robin with replicas members each.
func Initial(shards int, nodes []types.NodeID, replicas, vnodes int) (*Map, error) {
	if shards <= 0 || len(nodes) == 0 {
		return nil, fmt.Errorf("need at least one shard and one node")
	}
	if replicas <= 0 || replicas > len(nodes) {
		replicas = len(nodes)
	}
	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	out := make([]Shard, 0, shards)
	for i := 0; i < shards; i++ {
		members := make([]types.NodeID, 0, replicas)
		for r := 0; r < replicas; r++ {
			members = append(members, sorted[(i+r)%len(sorted)])
		}
		out = append(out, Shard{ID: types.ShardID(i), Members: members})
	}
	return New(1, vnodes, out)
}
