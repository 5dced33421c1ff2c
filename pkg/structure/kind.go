package structure

import (
	"fmt"
	"strings"
)

// Kind selects the structure family that backs a key.
type Kind uint8

const (
	KindScalar Kind = iota + 1
	KindOrdered
	KindSkip
	KindFilter
	KindCardinality
	KindSeries
	KindGraph
	KindSpatial
)

var kindNames = map[Kind]string{
	KindScalar:      "scalar",
	KindOrdered:     "ordered",
	KindSkip:        "skiplist",
	KindFilter:      "filter",
	KindCardinality: "hll",
	KindSeries:      "series",
	KindGraph:       "graph",
	KindSpatial:     "spatial",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return KindScalar, nil
	}
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown structure kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid structure kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Tier is the in-memory representation of an entry.
type Tier uint8

const (
	TierHot Tier = iota
	TierCold
)

func (t Tier) String() string {
	if t == TierCold {
		return "cold"
	}
	return "hot"
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "hot":
		*t = TierHot
	case "cold":
		*t = TierCold
	default:
		return fmt.Errorf("unknown tier %q", b)
	}
	return nil
}

// Durability tells whether a committed entry may be dropped under pressure.
type Durability uint8

const (
	// Durable entries survive until TTL or explicit delete.
	Durable Durability = iota
	// CacheOnly entries are best-effort and may be dropped when capacity runs out.
	CacheOnly
)

func (d Durability) String() string {
	if d == CacheOnly {
		return "cache-only"
	}
	return "durable"
}

func (d Durability) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Durability) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "durable":
		*d = Durable
	case "cache-only", "cache_only", "cacheonly":
		*d = CacheOnly
	default:
		return fmt.Errorf("unknown durability %q", b)
	}
	return nil
}
