package structure

import (
	"fmt"
	"math"
	"time"

	"spectracache/pkg/cacheerr"
)

// Value is the tagged union written by PUT. Kind decides which of the fields
// are meaningful:
//
//	scalar   Data
//	ordered  Field, Data
//	skiplist Field, Data
//	filter   Field (member)
//	hll      Field (member)
//	series   Timestamp (unix ms), Number
//	graph    Field (node) and Data, or Field -> To with Number as weight
//	spatial  Field (member), Lat, Lng, Data
type Value struct {
	Kind       Kind          `json:"kind"`
	Data       []byte        `json:"data,omitempty"`
	Field      string        `json:"field,omitempty"`
	To         string        `json:"to,omitempty"`
	Timestamp  int64         `json:"ts,omitempty"`
	Number     float64       `json:"num,omitempty"`
	Lat        float64       `json:"lat,omitempty"`
	Lng        float64       `json:"lng,omitempty"`
	TTL        time.Duration `json:"ttl,omitempty"`
	Tier       Tier          `json:"tier,omitempty"`
	Durability Durability    `json:"durability,omitempty"`
}

func Scalar(data []byte) Value {
	return Value{Kind: KindScalar, Data: data}
}

func OrderedEntry(field string, data []byte) Value {
	return Value{Kind: KindOrdered, Field: field, Data: data}
}

func SkipEntry(field string, data []byte) Value {
	return Value{Kind: KindSkip, Field: field, Data: data}
}

func FilterMember(member string) Value {
	return Value{Kind: KindFilter, Field: member}
}

func CardinalityMember(member string) Value {
	return Value{Kind: KindCardinality, Field: member}
}

func SeriesPoint(at time.Time, v float64) Value {
	return Value{Kind: KindSeries, Timestamp: at.UnixMilli(), Number: v}
}

func GraphNode(id string, payload []byte) Value {
	return Value{Kind: KindGraph, Field: id, Data: payload}
}

func GraphEdge(from, to string, weight float64) Value {
	return Value{Kind: KindGraph, Field: from, To: to, Number: weight}
}

func SpatialPoint(member string, lat, lng float64, payload []byte) Value {
	return Value{Kind: KindSpatial, Field: member, Lat: lat, Lng: lng, Data: payload}
}

// WithTTL returns a copy of v that expires d after it is committed.
func (v Value) WithTTL(d time.Duration) Value {
	v.TTL = d
	return v
}

// AsCacheOnly returns a copy of v that may be dropped under memory pressure.
func (v Value) AsCacheOnly() Value {
	v.Durability = CacheOnly
	return v
}

// AsCold returns a copy of v that is stored compressed from the start.
func (v Value) AsCold() Value {
	v.Tier = TierCold
	return v
}

// Validate checks the fields required by v.Kind.
func (v Value) Validate() error {
	if !v.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", cacheerr.ErrInvalidArgument, v.Kind)
	}
	if v.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", cacheerr.ErrInvalidArgument)
	}
	switch v.Kind {
	case KindOrdered, KindSkip, KindFilter, KindCardinality, KindGraph, KindSpatial:
		if v.Field == "" {
			return fmt.Errorf("%w: %s value needs a field", cacheerr.ErrInvalidArgument, v.Kind)
		}
	}
	if v.Kind == KindSpatial {
		if math.Abs(v.Lat) > 90 || math.Abs(v.Lng) > 180 {
			return fmt.Errorf("%w: coordinates out of range", cacheerr.ErrInvalidArgument)
		}
	}
	if v.Kind == KindSeries && (math.IsNaN(v.Number) || math.IsInf(v.Number, 0)) {
		return fmt.Errorf("%w: series value must be finite", cacheerr.ErrInvalidArgument)
	}
	return nil
}

// cost is the logical number of bytes v adds to a structure.
func (v Value) cost() int {
	const fixed = 16
	return fixed + len(v.Data) + len(v.Field) + len(v.To)
}
