package structure

import (
	"fmt"
	"sort"

	"spectracache/pkg/cacheerr"
)

// read looks key up as of the local clock, promotes it if it is cold and runs
// fn under the engine lock.
func (e *Engine) read(key string, fn func(en *entry) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	en := e.liveLocked(key, now)
	if en == nil {
		e.stats.misses.Add(1)
		return fmt.Errorf("%w: %s", cacheerr.ErrNotFound, key)
	}
	e.stats.hits.Add(1)
	if err := e.promoteLocked(en); err != nil {
		return err
	}
	en.Touch(now)
	return fn(en)
}

func (e *Engine) Get(key string) (Record, error) {
	var rec Record
	e.mu.Lock()
	cold := false
	if en, ok := e.entries[key]; ok {
		cold = en.isCold()
	}
	e.mu.Unlock()

	err := e.read(key, func(en *entry) error {
		rec = Record{
			Key:        key,
			Kind:       en.kind,
			Len:        en.s.Len(),
			CreatedAt:  en.meta.CreatedAt,
			UpdatedAt:  en.meta.UpdatedAt,
			TTL:        en.TTL(e.clock.Now()),
			Durability: en.meta.Durability,
		}
		if cold {
			rec.Tier = TierCold
		}
		if s, ok := en.s.(*scalar); ok {
			rec.Data = s.Bytes()
		}
		return nil
	})
	return rec, err
}

// GetField returns the payload stored under field of a container key.
func (e *Engine) GetField(key, field string) ([]byte, error) {
	var out []byte
	err := e.read(key, func(en *entry) error {
		var ok bool
		switch s := en.s.(type) {
		case Ranger:
			out, ok = s.Field(field)
		case *graph:
			out, ok = s.Node(field)
		case SpatialQuerier:
			var hit SpatialHit
			hit, ok = s.Member(field)
			out = hit.Data
		default:
			return mismatch("get field", en.kind)
		}
		if !ok {
			return fmt.Errorf("%w: %s/%s", cacheerr.ErrNotFound, key, field)
		}
		out = append([]byte(nil), out...)
		return nil
	})
	return out, err
}

func (e *Engine) Range(key, start, end string, limit int) ([]Pair, error) {
	var out []Pair
	err := e.read(key, func(en *entry) error {
		r, ok := en.s.(Ranger)
		if !ok {
			return mismatch("range", en.kind)
		}
		out = r.Range(start, end, limit)
		return nil
	})
	return out, err
}

// First and Last return the smallest and largest field of a range structure.
func (e *Engine) First(key string) (Pair, error) { return e.edge(key, true) }

func (e *Engine) Last(key string) (Pair, error) { return e.edge(key, false) }

func (e *Engine) edge(key string, first bool) (Pair, error) {
	var p Pair
	err := e.read(key, func(en *entry) error {
		r, ok := en.s.(Ranger)
		if !ok {
			return mismatch("first/last", en.kind)
		}
		var found bool
		if first {
			p, found = r.First()
		} else {
			p, found = r.Last()
		}
		if !found {
			return fmt.Errorf("%w: %s is empty", cacheerr.ErrNotFound, key)
		}
		return nil
	})
	return p, err
}

// MemberTest returns false only if member was never added to the filter.
func (e *Engine) MemberTest(key, member string) (bool, error) {
	var hit bool
	err := e.read(key, func(en *entry) error {
		t, ok := en.s.(MembershipTester)
		if !ok {
			return mismatch("member test", en.kind)
		}
		hit = t.Test(member)
		return nil
	})
	return hit, err
}

func (e *Engine) Cardinality(key string) (uint64, error) {
	var n uint64
	err := e.read(key, func(en *entry) error {
		c, ok := en.s.(CardinalityEstimator)
		if !ok {
			return mismatch("cardinality", en.kind)
		}
		n = c.Estimate()
		return nil
	})
	return n, err
}

func (e *Engine) Nearest(key string, lat, lng float64, k int) ([]SpatialHit, error) {
	var hits []SpatialHit
	err := e.read(key, func(en *entry) error {
		q, ok := en.s.(SpatialQuerier)
		if !ok {
			return mismatch("nearest", en.kind)
		}
		hits = q.Nearest(lat, lng, k)
		return nil
	})
	return hits, err
}

func (e *Engine) Within(key string, lat, lng, radiusMeters float64) ([]SpatialHit, error) {
	if radiusMeters < 0 {
		return nil, fmt.Errorf("%w: negative radius", cacheerr.ErrInvalidArgument)
	}
	var hits []SpatialHit
	err := e.read(key, func(en *entry) error {
		q, ok := en.s.(SpatialQuerier)
		if !ok {
			return mismatch("within", en.kind)
		}
		hits = q.Within(lat, lng, radiusMeters)
		return nil
	})
	return hits, err
}

// TimeRange aggregates the series samples with from <= t <= to (unix ms).
func (e *Engine) TimeRange(key string, from, to int64) (Aggregate, []Point, error) {
	if from > to {
		return Aggregate{}, nil, fmt.Errorf("%w: from after to", cacheerr.ErrInvalidArgument)
	}
	var (
		agg Aggregate
		pts []Point
	)
	err := e.read(key, func(en *entry) error {
		s, ok := en.s.(SeriesAggregator)
		if !ok {
			return mismatch("time range", en.kind)
		}
		agg = s.Aggregate(from, to)
		pts = s.Points(from, to)
		return nil
	})
	return agg, pts, err
}

func (e *Engine) Neighbors(key, node string) ([]Edge, error) {
	var edges []Edge
	err := e.read(key, func(en *entry) error {
		g, ok := en.s.(GraphTraverser)
		if !ok {
			return mismatch("neighbors", en.kind)
		}
		var found bool
		if edges, found = g.Neighbors(node); !found {
			return fmt.Errorf("%w: node %s", cacheerr.ErrNotFound, node)
		}
		return nil
	})
	return edges, err
}

func (e *Engine) Traverse(key, start string, depth int) ([]string, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: negative depth", cacheerr.ErrInvalidArgument)
	}
	var nodes []string
	err := e.read(key, func(en *entry) error {
		g, ok := en.s.(GraphTraverser)
		if !ok {
			return mismatch("traverse", en.kind)
		}
		var found bool
		if nodes, found = g.Traverse(start, depth); !found {
			return fmt.Errorf("%w: node %s", cacheerr.ErrNotFound, start)
		}
		return nil
	})
	return nodes, err
}

// ContainsKey does not count as an access.
func (e *Engine) ContainsKey(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveLocked(key, e.clock.Now()) != nil
}

// Keys returns the live keys in ascending order.
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	keys := make([]string, 0, len(e.entries))
	for k, en := range e.entries {
		if !en.IsExpired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) Len() int { return len(e.Keys()) }

func (e *Engine) IsEmpty() bool { return e.Len() == 0 }

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	Keys         int            `json:"keys"`
	LogicalBytes int            `json:"logical_bytes"`
	HotBytes     int            `json:"hot_bytes"`
	ColdBytes    int            `json:"cold_bytes"`
	ColdEntries  int            `json:"cold_entries"`
	Reserved     int            `json:"reserved_bytes"`
	Hits         uint64         `json:"hits"`
	Misses       uint64         `json:"misses"`
	Evictions    uint64         `json:"evictions"`
	Expired      uint64         `json:"expired"`
	Demotions    uint64         `json:"demotions"`
	Promotions   uint64         `json:"promotions"`
	ByKind       map[string]int `json:"by_kind"`
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Keys:         len(e.entries),
		LogicalBytes: e.logical,
		HotBytes:     e.hot,
		ColdBytes:    e.coldSize,
		Reserved:     e.reserved,
		Hits:         e.stats.hits.Load(),
		Misses:       e.stats.misses.Load(),
		Evictions:    e.stats.evictions.Load(),
		Expired:      e.stats.expired.Load(),
		Demotions:    e.stats.demotions.Load(),
		Promotions:   e.stats.promotions.Load(),
		ByKind:       make(map[string]int),
	}
	for _, en := range e.entries {
		st.ByKind[en.kind.String()]++
		if en.isCold() {
			st.ColdEntries++
		}
	}
	return st
}
