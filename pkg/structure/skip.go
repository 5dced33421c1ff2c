package structure

import (
	"encoding/json"
	"fmt"

	"github.com/zhangyunhao116/skipmap"
)

// skip is the lock-free ordered skip structure. It offers the same range
// contract as ordered but readers never block writers.
type skip struct {
	m    *skipmap.FuncMap[string, []byte]
	cost int
}

func newSkip() *skip {
	return &skip{m: skipmap.NewFunc[string, []byte](func(a, b string) bool { return a < b })}
}

func (s *skip) Kind() Kind { return KindSkip }

func (s *skip) Put(v Value) error {
	if old, ok := s.m.Load(v.Field); ok {
		s.cost -= pairCost(Pair{Field: v.Field, Data: old})
	}
	data := append([]byte(nil), v.Data...)
	s.m.Store(v.Field, data)
	s.cost += pairCost(Pair{Field: v.Field, Data: data})
	return nil
}

func (s *skip) Remove(v Value) (bool, error) {
	old, ok := s.m.LoadAndDelete(v.Field)
	if ok {
		s.cost -= pairCost(Pair{Field: v.Field, Data: old})
	}
	return ok, nil
}

func (s *skip) Reset() {
	s.m = skipmap.NewFunc[string, []byte](func(a, b string) bool { return a < b })
	s.cost = 0
}

func (s *skip) Len() int { return s.m.Len() }

func (s *skip) Cost() int { return s.cost }

func (s *skip) Field(field string) ([]byte, bool) { return s.m.Load(field) }

func (s *skip) Range(start, end string, limit int) []Pair {
	var out []Pair
	s.m.Range(func(field string, data []byte) bool {
		if field < start {
			return true
		}
		if end != "" && field > end {
			return false
		}
		out = append(out, Pair{Field: field, Data: data})
		return limit <= 0 || len(out) < limit
	})
	return out
}

func (s *skip) First() (Pair, bool) {
	var (
		p  Pair
		ok bool
	)
	s.m.Range(func(field string, data []byte) bool {
		p, ok = Pair{Field: field, Data: data}, true
		return false
	})
	return p, ok
}

func (s *skip) Last() (Pair, bool) {
	var (
		p  Pair
		ok bool
	)
	s.m.Range(func(field string, data []byte) bool {
		p, ok = Pair{Field: field, Data: data}, true
		return true
	})
	return p, ok
}

func (s *skip) Encode() ([]byte, error) {
	return json.Marshal(s.Range("", "", 0))
}

func (s *skip) Decode(data []byte) error {
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("decode skiplist: %w", err)
	}
	s.Reset()
	for _, p := range pairs {
		if err := restorePut(s, Value{Kind: KindSkip, Field: p.Field, Data: p.Data}); err != nil {
			return fmt.Errorf("decode skiplist: %w", err)
		}
	}
	return nil
}
