package structure

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/btree"
)

const pointCost = 16

// series keeps one value per millisecond timestamp, ordered by time.
type series struct {
	tree *btree.BTreeG[Point]
}

func newSeries() *series {
	return &series{tree: btree.NewG[Point](btreeDegree, func(a, b Point) bool { return a.T < b.T })}
}

func (s *series) Kind() Kind { return KindSeries }

func (s *series) Put(v Value) error {
	s.tree.ReplaceOrInsert(Point{T: v.Timestamp, V: v.Number})
	return nil
}

func (s *series) Remove(v Value) (bool, error) {
	_, ok := s.tree.Delete(Point{T: v.Timestamp})
	return ok, nil
}

func (s *series) Reset() { s.tree.Clear(false) }

func (s *series) Len() int { return s.tree.Len() }

func (s *series) Cost() int { return s.tree.Len() * pointCost }

// Points returns samples with from <= T <= to.
func (s *series) Points(from, to int64) []Point {
	var out []Point
	s.tree.AscendGreaterOrEqual(Point{T: from}, func(p Point) bool {
		if p.T > to {
			return false
		}
		out = append(out, p)
		return true
	})
	return out
}

func (s *series) Aggregate(from, to int64) Aggregate {
	agg := Aggregate{Min: math.Inf(1), Max: math.Inf(-1)}
	s.tree.AscendGreaterOrEqual(Point{T: from}, func(p Point) bool {
		if p.T > to {
			return false
		}
		if agg.Count == 0 {
			agg.First = p.T
		}
		agg.Count++
		agg.Sum += p.V
		agg.Min = math.Min(agg.Min, p.V)
		agg.Max = math.Max(agg.Max, p.V)
		agg.Last = p.T
		return true
	})
	if agg.Count == 0 {
		return Aggregate{}
	}
	agg.Avg = agg.Sum / float64(agg.Count)
	return agg
}

func (s *series) Encode() ([]byte, error) {
	return json.Marshal(s.Points(math.MinInt64, math.MaxInt64))
}

func (s *series) Decode(data []byte) error {
	var pts []Point
	if err := json.Unmarshal(data, &pts); err != nil {
		return fmt.Errorf("decode series: %w", err)
	}
	s.Reset()
	for _, p := range pts {
		s.tree.ReplaceOrInsert(p)
	}
	return nil
}
