package structure

import (
	"fmt"

	"spectracache/pkg/cacheerr"
)

// Structure is implemented by every family. Mutating methods are only
// reached from Engine.Apply.
type Structure interface {
	Kind() Kind
	// Put merges v into the structure.
	Put(v Value) error
	// Remove deletes one field; it reports whether the field existed.
	Remove(v Value) (bool, error)
	Reset()
	Len() int
	// Cost is the logical size in bytes. It depends only on applied writes.
	Cost() int
	Encode() ([]byte, error)
	Decode(data []byte) error
}

// Pair is one field of an ordered or skip structure.
type Pair struct {
	Field string `json:"field"`
	Data  []byte `json:"data,omitempty"`
}

// Ranger is implemented by the ordered index and the skip structure.
type Ranger interface {
	// Range returns fields in [start, end]; empty bounds are open. limit <= 0
	// means no limit.
	Range(start, end string, limit int) []Pair
	Field(field string) ([]byte, bool)
	First() (Pair, bool)
	Last() (Pair, bool)
}

// MembershipTester answers "possibly present" or "definitely absent".
type MembershipTester interface {
	Test(member string) bool
}

// CardinalityEstimator estimates the number of distinct members.
type CardinalityEstimator interface {
	Estimate() uint64
}

// SpatialHit is one point returned by a spatial query.
type SpatialHit struct {
	Member   string  `json:"member"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Distance float64 `json:"distance_m"`
	Geohash  string  `json:"geohash"`
	Data     []byte  `json:"data,omitempty"`
}

type SpatialQuerier interface {
	Nearest(lat, lng float64, k int) []SpatialHit
	Within(lat, lng, radiusMeters float64) []SpatialHit
	Member(member string) (SpatialHit, bool)
}

// Aggregate summarises the points of a series inside a time window.
type Aggregate struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	First int64   `json:"first_ts"`
	Last  int64   `json:"last_ts"`
}

// Point is one series sample; T is unix milliseconds.
type Point struct {
	T int64   `json:"t"`
	V float64 `json:"v"`
}

type SeriesAggregator interface {
	Aggregate(from, to int64) Aggregate
	Points(from, to int64) []Point
}

// Edge is a directed, weighted graph edge.
type Edge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

type GraphTraverser interface {
	Neighbors(node string) ([]Edge, bool)
	// Traverse returns nodes reachable from start within depth hops in BFS
	// order, start included.
	Traverse(start string, depth int) ([]string, bool)
}

// FamilyOptions tunes the families that are sized up front.
type FamilyOptions struct {
	FilterCapacity uint
	FilterFPRate   float64
}

func newStructure(k Kind, opts FamilyOptions) (Structure, error) {
	switch k {
	case KindScalar:
		return &scalar{}, nil
	case KindOrdered:
		return newOrdered(), nil
	case KindSkip:
		return newSkip(), nil
	case KindFilter:
		return NewFilter(opts.FilterCapacity, opts.FilterFPRate), nil
	case KindCardinality:
		return newCardinality(), nil
	case KindSeries:
		return newSeries(), nil
	case KindGraph:
		return newGraph(), nil
	case KindSpatial:
		return newSpatial(), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", cacheerr.ErrInvalidArgument, k)
}

func mismatch(op string, k Kind) error {
	return fmt.Errorf("%w: %s on %s", cacheerr.ErrTypeMismatch, op, k)
}

// restorePut re-inserts one decoded element, rejecting what a write could
// never have stored.
func restorePut(s Structure, v Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	return s.Put(v)
}
