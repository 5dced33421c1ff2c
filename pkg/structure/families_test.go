package structure

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectracache/pkg/cacheerr"
)

func TestOrderedRangeIsInclusive(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	for _, f := range []string{"d", "a", "c", "b", "e"} {
		a.put("idx", OrderedEntry(f, []byte(f+f)))
	}

	pairs, err := e.Range("idx", "b", "d", 0)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "b", pairs[0].Field)
	assert.Equal(t, "d", pairs[2].Field)

	pairs, err = e.Range("idx", "", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Field: "a", Data: []byte("aa")}, {Field: "b", Data: []byte("bb")}}, pairs)

	first, err := e.First("idx")
	require.NoError(t, err)
	assert.Equal(t, "a", first.Field)
	last, err := e.Last("idx")
	require.NoError(t, err)
	assert.Equal(t, "e", last.Field)

	v, err := e.GetField("idx", "c")
	require.NoError(t, err)
	assert.Equal(t, "cc", string(v))

	_, err = a.apply(Mutation{Op: OpRemoveField, Key: "idx", Value: OrderedEntry("c", nil)})
	require.NoError(t, err)
	_, err = e.GetField("idx", "c")
	assert.ErrorIs(t, err, cacheerr.ErrNotFound)

	_, err = a.apply(Mutation{Op: OpClear, Key: "idx"})
	require.NoError(t, err)
	_, err = e.First("idx")
	assert.ErrorIs(t, err, cacheerr.ErrNotFound)
	assert.True(t, e.ContainsKey("idx"))
}

func TestSkipMatchesOrdered(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	for i := 9; i >= 0; i-- {
		f := fmt.Sprintf("f%d", i)
		a.put("ord", OrderedEntry(f, []byte{byte(i)}))
		a.put("skp", SkipEntry(f, []byte{byte(i)}))
	}
	for _, bounds := range [][2]string{{"", ""}, {"f3", "f6"}, {"f7", ""}, {"", "f0"}} {
		want, err := e.Range("ord", bounds[0], bounds[1], 0)
		require.NoError(t, err)
		got, err := e.Range("skp", bounds[0], bounds[1], 0)
		require.NoError(t, err)
		assert.Equal(t, want, got, "bounds %v", bounds)
	}
	last, err := e.Last("skp")
	require.NoError(t, err)
	assert.Equal(t, "f9", last.Field)
}

func TestCardinalityEstimate(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	for i := 0; i < 2000; i++ {
		a.put("visitors", CardinalityMember(fmt.Sprintf("user-%d", i%1000)))
	}
	n, err := e.Cardinality("visitors")
	require.NoError(t, err)
	assert.InDelta(t, 1000, float64(n), 50)

	_, err = a.apply(Mutation{Op: OpRemoveField, Key: "visitors", Value: CardinalityMember("user-1")})
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
}

func TestSeriesAggregate(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	for i, v := range []float64{4, 8, 15, 16, 23, 42} {
		a.put("temp", SeriesPoint(epoch.Add(time.Duration(i)*time.Minute), v))
	}

	agg, pts, err := e.TimeRange("temp", epoch.Add(time.Minute).UnixMilli(), epoch.Add(3*time.Minute).UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Count)
	assert.Equal(t, 39.0, agg.Sum)
	assert.Equal(t, 8.0, agg.Min)
	assert.Equal(t, 16.0, agg.Max)
	assert.Equal(t, 13.0, agg.Avg)
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), agg.First)
	assert.Len(t, pts, 3)

	empty, _, err := e.TimeRange("temp", 0, 1)
	require.NoError(t, err)
	assert.Zero(t, empty.Count)

	_, _, err = e.TimeRange("temp", 10, 1)
	assert.ErrorIs(t, err, cacheerr.ErrInvalidArgument)
}

func TestGraphNeighborsAndTraverse(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("social", GraphNode("ann", []byte("admin")))
	a.put("social", GraphEdge("ann", "bob", 1))
	a.put("social", GraphEdge("ann", "cat", 2))
	a.put("social", GraphEdge("bob", "dan", 1))
	a.put("social", GraphEdge("dan", "ann", 1))

	edges, err := e.Neighbors("social", "ann")
	require.NoError(t, err)
	assert.Equal(t, []Edge{{From: "ann", To: "bob", Weight: 1}, {From: "ann", To: "cat", Weight: 2}}, edges)

	nodes, err := e.Traverse("social", "ann", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"ann", "bob", "cat"}, nodes)

	nodes, err = e.Traverse("social", "ann", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"ann", "bob", "cat", "dan"}, nodes)

	payload, err := e.GetField("social", "ann")
	require.NoError(t, err)
	assert.Equal(t, "admin", string(payload))

	_, err = a.apply(Mutation{Op: OpRemoveField, Key: "social", Value: GraphNode("bob", nil)})
	require.NoError(t, err)
	nodes, err = e.Traverse("social", "ann", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"ann", "cat"}, nodes)

	_, err = e.Neighbors("social", "nobody")
	assert.ErrorIs(t, err, cacheerr.ErrNotFound)
}

func TestSpatialQueries(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("cities", SpatialPoint("paris", 48.8566, 2.3522, []byte("fr")))
	a.put("cities", SpatialPoint("london", 51.5074, -0.1278, []byte("uk")))
	a.put("cities", SpatialPoint("berlin", 52.5200, 13.4050, []byte("de")))
	a.put("cities", SpatialPoint("versailles", 48.8049, 2.1204, nil))

	hits, err := e.Within("cities", 48.8566, 2.3522, 50_000)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "paris", hits[0].Member)
	assert.Equal(t, "versailles", hits[1].Member)
	assert.InDelta(t, 17_900, hits[1].Distance, 1_000)
	assert.Len(t, hits[0].Geohash, 12)

	hits, err = e.Within("cities", 48.8566, 2.3522, 400_000)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	near, err := e.Nearest("cities", 52.52, 13.405, 2)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "berlin", near[0].Member)
	assert.Equal(t, "paris", near[1].Member)

	payload, err := e.GetField("cities", "berlin")
	require.NoError(t, err)
	assert.Equal(t, "de", string(payload))

	a.put("cities", SpatialPoint("paris", 0, 0, nil))
	hits, err = e.Within("cities", 48.8566, 2.3522, 50_000)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "moved member leaves its old cell")

	_, err = a.apply(Mutation{Op: OpPut, Key: "cities", Value: SpatialPoint("bad", 91, 0, nil)})
	assert.ErrorIs(t, err, cacheerr.ErrInvalidArgument)
}

func TestDecodeRejectsInvalidElements(t *testing.T) {
	for _, tc := range []struct {
		kind    Kind
		payload string
	}{
		{KindOrdered, `[{"field":"a"},{"field":""}]`},
		{KindSkip, `[{"field":""}]`},
		{KindGraph, `{"nodes":{"":null},"edges":[]}`},
		{KindSpatial, `[{"member":"x","lat":91,"lng":0}]`},
	} {
		s, err := newStructure(tc.kind, FamilyOptions{})
		require.NoError(t, err)
		assert.ErrorIs(t, s.Decode([]byte(tc.payload)), cacheerr.ErrInvalidArgument, tc.kind.String())
	}
}

func TestImportRejectsCorruptPayload(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	err := e.Import([]Exported{
		{Key: "idx", Kind: KindOrdered, Payload: []byte(`[{"field":""}]`)},
	})
	assert.ErrorIs(t, err, cacheerr.ErrInvalidArgument)
	assert.False(t, e.ContainsKey("idx"))
}
