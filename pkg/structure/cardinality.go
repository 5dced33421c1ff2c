package structure

import (
	"encoding/binary"
	"fmt"

	"github.com/axiomhq/hyperloglog"
)

// cardinality is a HyperLogLog sketch with 2^14 registers.
type cardinality struct {
	sketch   *hyperloglog.Sketch
	inserted uint64
}

func newCardinality() *cardinality {
	return &cardinality{sketch: hyperloglog.New14()}
}

func (c *cardinality) Kind() Kind { return KindCardinality }

func (c *cardinality) Put(v Value) error {
	c.sketch.Insert([]byte(v.Field))
	c.inserted++
	return nil
}

func (c *cardinality) Remove(Value) (bool, error) {
	return false, mismatch("remove member", KindCardinality)
}

func (c *cardinality) Reset() {
	c.sketch = hyperloglog.New14()
	c.inserted = 0
}

func (c *cardinality) Len() int { return int(c.inserted) }

// Cost is the dense register array; sparse sketches are smaller but the
// charge must not depend on the internal representation.
func (c *cardinality) Cost() int { return 1 << 14 }

func (c *cardinality) Estimate() uint64 { return c.sketch.Estimate() }

func (c *cardinality) Merge(other *cardinality) error {
	if err := c.sketch.Merge(other.sketch); err != nil {
		return fmt.Errorf("merge sketches: %w", err)
	}
	c.inserted += other.inserted
	return nil
}

func (c *cardinality) Encode() ([]byte, error) {
	b, err := c.sketch.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode sketch: %w", err)
	}
	out := make([]byte, 8, 8+len(b))
	binary.BigEndian.PutUint64(out, c.inserted)
	return append(out, b...), nil
}

func (c *cardinality) Decode(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("decode sketch: short buffer")
	}
	sk := hyperloglog.New14()
	if err := sk.UnmarshalBinary(data[8:]); err != nil {
		return fmt.Errorf("decode sketch: %w", err)
	}
	c.sketch = sk
	c.inserted = binary.BigEndian.Uint64(data)
	return nil
}
