package structure

import (
	"encoding/json"
	"fmt"

	"github.com/google/btree"
)

const btreeDegree = 32

// ordered is a sorted map of fields backed by a B-tree.
type ordered struct {
	tree *btree.BTreeG[Pair]
	cost int
}

func pairLess(a, b Pair) bool { return a.Field < b.Field }

func newOrdered() *ordered {
	return &ordered{tree: btree.NewG[Pair](btreeDegree, pairLess)}
}

func (o *ordered) Kind() Kind { return KindOrdered }

func (o *ordered) Put(v Value) error {
	p := Pair{Field: v.Field, Data: append([]byte(nil), v.Data...)}
	if old, replaced := o.tree.ReplaceOrInsert(p); replaced {
		o.cost -= pairCost(old)
	}
	o.cost += pairCost(p)
	return nil
}

func (o *ordered) Remove(v Value) (bool, error) {
	old, ok := o.tree.Delete(Pair{Field: v.Field})
	if ok {
		o.cost -= pairCost(old)
	}
	return ok, nil
}

func (o *ordered) Reset() {
	o.tree.Clear(false)
	o.cost = 0
}

func (o *ordered) Len() int { return o.tree.Len() }

func (o *ordered) Cost() int { return o.cost }

func (o *ordered) Field(field string) ([]byte, bool) {
	p, ok := o.tree.Get(Pair{Field: field})
	return p.Data, ok
}

func (o *ordered) Range(start, end string, limit int) []Pair {
	var out []Pair
	visit := func(p Pair) bool {
		if end != "" && p.Field > end {
			return false
		}
		out = append(out, p)
		return limit <= 0 || len(out) < limit
	}
	if start == "" {
		o.tree.Ascend(visit)
	} else {
		o.tree.AscendGreaterOrEqual(Pair{Field: start}, visit)
	}
	return out
}

func (o *ordered) First() (Pair, bool) { return o.tree.Min() }

func (o *ordered) Last() (Pair, bool) { return o.tree.Max() }

func (o *ordered) Encode() ([]byte, error) {
	pairs := make([]Pair, 0, o.tree.Len())
	o.tree.Ascend(func(p Pair) bool {
		pairs = append(pairs, p)
		return true
	})
	return json.Marshal(pairs)
}

func (o *ordered) Decode(data []byte) error {
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("decode ordered: %w", err)
	}
	o.Reset()
	for _, p := range pairs {
		if err := restorePut(o, Value{Kind: KindOrdered, Field: p.Field, Data: p.Data}); err != nil {
			return fmt.Errorf("decode ordered: %w", err)
		}
	}
	return nil
}

func pairCost(p Pair) int { return len(p.Field) + len(p.Data) + 16 }
