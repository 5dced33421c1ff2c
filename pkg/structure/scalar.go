package structure

import (
	"fmt"
	"strconv"

	"spectracache/pkg/cacheerr"
)

// scalar is a plain blob. Counters are stored as decimal text so that GET
// returns what a client would expect after INCR.
type scalar struct {
	data []byte
}

func (s *scalar) Kind() Kind { return KindScalar }

func (s *scalar) Put(v Value) error {
	s.data = append([]byte(nil), v.Data...)
	return nil
}

func (s *scalar) Remove(Value) (bool, error) { return false, mismatch("remove field", KindScalar) }

func (s *scalar) Reset() { s.data = nil }

func (s *scalar) Len() int { return 1 }

func (s *scalar) Cost() int { return len(s.data) }

func (s *scalar) Encode() ([]byte, error) { return append([]byte(nil), s.data...), nil }

func (s *scalar) Decode(data []byte) error {
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *scalar) Bytes() []byte { return append([]byte(nil), s.data...) }

// counter parses the blob as a signed integer. An empty blob counts as zero.
func (s *scalar) counter() (int64, error) {
	if len(s.data) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(s.data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: value is not an integer", cacheerr.ErrTypeMismatch)
	}
	return n, nil
}
