package structure

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

const (
	defaultFilterCapacity = 10_000
	defaultFilterFPRate   = 0.01
)

// Filter is a bloom filter. Members are hashed once with xxhash and the k
// probe positions are derived by double hashing.
type Filter struct {
	bits     *bitset.BitSet
	m        uint
	k        uint
	capacity uint
	fpRate   float64
	inserted uint64
}

// NewFilter sizes the filter for capacity members at half of fpRate, so the
// configured rate still holds when the filter is completely full.
func NewFilter(capacity uint, fpRate float64) *Filter {
	if capacity == 0 {
		capacity = defaultFilterCapacity
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = defaultFilterFPRate
	}
	m, k := filterGeometry(capacity, fpRate/2)
	return &Filter{
		bits:     bitset.New(m),
		m:        m,
		k:        k,
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// m = -n ln(p) / ln(2)^2, k = m/n ln(2)
func filterGeometry(n uint, p float64) (uint, uint) {
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	k := math.Round(m / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	return uint(m), uint(k)
}

func (f *Filter) probes(member string) (uint64, uint64) {
	h1 := xxhash.Sum64String(member)
	h2 := (h1>>33 | h1<<31) ^ 0x9e3779b97f4a7c15
	return h1, h2 | 1
}

func (f *Filter) Kind() Kind { return KindFilter }

// Add inserts member.
func (f *Filter) Add(member string) {
	h1, h2 := f.probes(member)
	for i := uint64(0); i < uint64(f.k); i++ {
		f.bits.Set(uint((h1 + i*h2) % uint64(f.m)))
	}
	f.inserted++
}

func (f *Filter) Put(v Value) error {
	f.Add(v.Field)
	return nil
}

func (f *Filter) Remove(Value) (bool, error) { return false, mismatch("remove member", KindFilter) }

// Test reports false only for members that were never added.
func (f *Filter) Test(member string) bool {
	h1, h2 := f.probes(member)
	for i := uint64(0); i < uint64(f.k); i++ {
		if !f.bits.Test(uint((h1 + i*h2) % uint64(f.m))) {
			return false
		}
	}
	return true
}

// Merge ORs other into f. Both filters must share their geometry.
func (f *Filter) Merge(other *Filter) error {
	if other.m != f.m || other.k != f.k {
		return fmt.Errorf("merge filters: geometry mismatch (%d/%d vs %d/%d)", f.m, f.k, other.m, other.k)
	}
	f.bits.InPlaceUnion(other.bits)
	f.inserted += other.inserted
	return nil
}

func (f *Filter) Reset() {
	f.bits.ClearAll()
	f.inserted = 0
}

// Len is the number of insertions, duplicates included.
func (f *Filter) Len() int { return int(f.inserted) }

func (f *Filter) IsEmpty() bool { return f.inserted == 0 }

func (f *Filter) FPRate() float64 { return f.fpRate }

func (f *Filter) Cost() int { return int(f.m/8) + 32 }

type filterState struct {
	M        uint    `json:"m"`
	K        uint    `json:"k"`
	Capacity uint    `json:"capacity"`
	FPRate   float64 `json:"fp_rate"`
	Inserted uint64  `json:"inserted"`
	Bits     []byte  `json:"bits"`
}

func (f *Filter) Encode() ([]byte, error) {
	bits, err := f.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode filter bits: %w", err)
	}
	return json.Marshal(filterState{
		M:        f.m,
		K:        f.k,
		Capacity: f.capacity,
		FPRate:   f.fpRate,
		Inserted: f.inserted,
		Bits:     bits,
	})
}

func (f *Filter) Decode(data []byte) error {
	var st filterState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode filter: %w", err)
	}
	bits := &bitset.BitSet{}
	if err := bits.UnmarshalBinary(st.Bits); err != nil {
		return fmt.Errorf("decode filter bits: %w", err)
	}
	f.bits, f.m, f.k = bits, st.M, st.K
	f.capacity, f.fpRate, f.inserted = st.Capacity, st.FPRate, st.Inserted
	return nil
}
