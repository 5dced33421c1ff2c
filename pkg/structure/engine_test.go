package structure

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts Options) (*Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	opts.Clock = clk
	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, clk
}

// applier feeds mutations with increasing log indexes like a replica would.
type applier struct {
	t     *testing.T
	e     *Engine
	clk   *clock.Manual
	index uint64
}

func (a *applier) apply(m Mutation) (Result, error) {
	a.index++
	m.Index = a.index
	m.Now = a.clk.Now()
	return a.e.Apply(m)
}

func (a *applier) put(key string, v Value) Result {
	a.t.Helper()
	res, err := a.apply(Mutation{Op: OpPut, Key: key, Value: v})
	require.NoError(a.t, err)
	return res
}

func TestScalarPutGetDelete(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}

	a.put("acct:42", Scalar([]byte("100")))
	rec, err := e.Get("acct:42")
	require.NoError(t, err)
	assert.Equal(t, "100", string(rec.Data))
	assert.Equal(t, KindScalar, rec.Kind)
	assert.True(t, e.ContainsKey("acct:42"))

	res, err := a.apply(Mutation{Op: OpDelete, Key: "acct:42"})
	require.NoError(t, err)
	assert.True(t, res.Existed)

	_, err = e.Get("acct:42")
	assert.ErrorIs(t, err, cacheerr.ErrNotFound)
	_, err = a.apply(Mutation{Op: OpDelete, Key: "acct:42"})
	assert.ErrorIs(t, err, cacheerr.ErrNotFound)
}

func TestTypeMismatch(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("s", Scalar([]byte("x")))

	_, err := a.apply(Mutation{Op: OpPut, Key: "s", Value: OrderedEntry("f", nil)})
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)

	_, err = e.Range("s", "", "", 0)
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
	_, err = e.MemberTest("s", "x")
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
	_, err = e.Cardinality("s")
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
	_, err = e.Nearest("s", 0, 0, 1)
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
	_, _, err = e.TimeRange("s", 0, 1)
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
	_, err = e.Neighbors("s", "n")
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
}

func TestIncrWithMinimum(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("acct:1", Scalar([]byte("100")))

	zero := int64(0)
	res, err := a.apply(Mutation{Op: OpIncr, Key: "acct:1", Delta: -50, Min: &zero})
	require.NoError(t, err)
	assert.EqualValues(t, 50, res.Number)

	_, err = a.apply(Mutation{Op: OpIncr, Key: "acct:1", Delta: -60, Min: &zero})
	assert.ErrorIs(t, err, cacheerr.ErrConditionFailed)

	rec, err := e.Get("acct:1")
	require.NoError(t, err)
	assert.Equal(t, "50", string(rec.Data))

	res, err = a.apply(Mutation{Op: OpIncr, Key: "fresh", Delta: 7})
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.Number)

	a.put("word", Scalar([]byte("abc")))
	_, err = a.apply(Mutation{Op: OpIncr, Key: "word", Delta: 1})
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
}

func TestTTLExpiry(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("session", Scalar([]byte("x")).WithTTL(time.Minute))
	a.put("forever", Scalar([]byte("y")))

	rec, err := e.Get("session")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, rec.TTL)

	clk.Advance(2 * time.Minute)
	_, err = e.Get("session")
	assert.ErrorIs(t, err, cacheerr.ErrNotFound, "expired entries are invisible before removal")
	assert.Equal(t, []string{"forever"}, e.Keys())

	a.put("other", Scalar([]byte("z")))
	assert.EqualValues(t, 1, e.Stats().Expired)
	assert.Equal(t, 2, e.Stats().Keys)
}

func TestCapacityRejectsWithoutPartialWrite(t *testing.T) {
	e, clk := newTestEngine(t, Options{MaxEntryBytes: 200, MaxBytes: 400})
	a := &applier{t: t, e: e, clk: clk}

	_, err := a.apply(Mutation{Op: OpPut, Key: "big", Value: Scalar(make([]byte, 500))})
	assert.ErrorIs(t, err, cacheerr.ErrCapacityExceeded)
	assert.False(t, e.ContainsKey("big"))

	a.put("a", Scalar(make([]byte, 100)))
	a.put("b", Scalar(make([]byte, 100)))
	before := e.Stats().LogicalBytes

	_, err = a.apply(Mutation{Op: OpPut, Key: "c", Value: Scalar(make([]byte, 100))})
	assert.ErrorIs(t, err, cacheerr.ErrCapacityExceeded)
	assert.Equal(t, before, e.Stats().LogicalBytes)
	assert.False(t, e.ContainsKey("c"))
}

func TestCacheOnlyEvictedOldestWriteFirst(t *testing.T) {
	e, clk := newTestEngine(t, Options{MaxBytes: 400})
	a := &applier{t: t, e: e, clk: clk}

	r := a.put("c1", Scalar(make([]byte, 50)).AsCacheOnly())
	assert.True(t, r.CacheOnly)
	a.put("c2", Scalar(make([]byte, 50)).AsCacheOnly())
	a.put("d1", Scalar(make([]byte, 50)))

	res := a.put("d2", Scalar(make([]byte, 100)))
	assert.Equal(t, []string{"c1"}, res.Evicted)
	assert.False(t, e.ContainsKey("c1"))
	assert.True(t, e.ContainsKey("c2"))
	assert.True(t, e.ContainsKey("d1"))
	assert.EqualValues(t, 1, e.Stats().Evictions)
}

func TestPinnedKeysAreNotEvicted(t *testing.T) {
	e, clk := newTestEngine(t, Options{MaxBytes: 300})
	a := &applier{t: t, e: e, clk: clk}
	a.put("c1", Scalar(make([]byte, 50)).AsCacheOnly())
	e.Pin("c1")

	_, err := a.apply(Mutation{Op: OpPut, Key: "d", Value: Scalar(make([]byte, 200))})
	assert.ErrorIs(t, err, cacheerr.ErrCapacityExceeded)

	e.Unpin("c1")
	a.put("d", Scalar(make([]byte, 200)))
	assert.False(t, e.ContainsKey("c1"))
}

func TestReserveBatchChecksOpsInSequence(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("acct", Scalar([]byte("200")))
	zero := int64(0)
	now := clk.Now()

	_, err := e.ReserveBatch([]Mutation{
		{Op: OpPut, Key: "k", Value: Scalar([]byte("a")), Now: now},
		{Op: OpPut, Key: "k", Value: OrderedEntry("f", []byte("1")), Now: now},
	})
	assert.ErrorIs(t, err, cacheerr.ErrTypeMismatch)
	assert.False(t, e.ContainsKey("k"))

	_, err = e.ReserveBatch([]Mutation{
		{Op: OpPut, Key: "acct", Value: Scalar([]byte("10")), Now: now},
		{Op: OpIncr, Key: "acct", Delta: -50, Min: &zero, Now: now},
	})
	assert.ErrorIs(t, err, cacheerr.ErrConditionFailed)
	rec, err := e.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, "200", string(rec.Data))
	assert.Zero(t, e.Stats().Reserved)
}

func TestReserveBatchSumsCapacity(t *testing.T) {
	e, clk := newTestEngine(t, Options{MaxBytes: 200})
	now := clk.Now()
	// Each put costs 1+48+21 = 70 bytes.
	put := func(key string) Mutation {
		return Mutation{Op: OpPut, Key: key, Value: Scalar(make([]byte, 21)), Now: now}
	}
	two := []Mutation{put("a"), put("b")}
	three := []Mutation{put("a"), put("b"), put("c")}

	_, err := e.ReserveBatch(three)
	assert.ErrorIs(t, err, cacheerr.ErrCapacityExceeded)
	assert.Zero(t, e.Stats().Reserved)

	n, err := e.ReserveBatch(two)
	require.NoError(t, err)
	assert.Equal(t, 140, n)
	_, err = e.ReserveBatch(two)
	assert.ErrorIs(t, err, cacheerr.ErrCapacityExceeded, "first reservation still holds 140 bytes")

	_, err = e.CommitBatch(two)
	require.NoError(t, err)
	e.Release(n)
	st := e.Stats()
	assert.Equal(t, 140, st.LogicalBytes)
	assert.Zero(t, st.Reserved)
}

func TestReserveBatchEvictsOnlyOutsideTheBatch(t *testing.T) {
	e, clk := newTestEngine(t, Options{MaxBytes: 200})
	a := &applier{t: t, e: e, clk: clk}
	a.put("c1", Scalar(make([]byte, 50)).AsCacheOnly())
	a.put("c2", Scalar(make([]byte, 50)).AsCacheOnly())

	n, err := e.ReserveBatch([]Mutation{{Op: OpPut, Key: "d", Value: Scalar(make([]byte, 50)), Now: clk.Now()}})
	require.NoError(t, err)
	assert.Equal(t, 99, n)
	assert.False(t, e.ContainsKey("c1"), "oldest cache-only entry makes room")
	assert.True(t, e.ContainsKey("c2"))
	assert.False(t, e.ContainsKey("d"))
	assert.EqualValues(t, 1, e.Stats().Evictions)
}

func TestCommitBatchRollsBackOnFailure(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("x", Scalar([]byte("1")))
	a.put("idx", OrderedEntry("a", []byte("1")))
	before := e.Stats()
	now := clk.Now()

	_, err := e.CommitBatch([]Mutation{
		{Op: OpPut, Key: "x", Value: Scalar([]byte("2")), Now: now},
		{Op: OpPut, Key: "idx", Value: OrderedEntry("b", []byte("2")), Now: now},
		{Op: OpPut, Key: "fresh", Value: Scalar([]byte("3")), Now: now},
		{Op: OpDelete, Key: "missing", Now: now},
	})
	assert.ErrorIs(t, err, cacheerr.ErrNotFound)

	rec, err := e.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "1", string(rec.Data))
	assert.False(t, e.ContainsKey("fresh"))
	pairs, err := e.Range("idx", "", "", 0)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
	after := e.Stats()
	assert.Equal(t, before.LogicalBytes, after.LogicalBytes)
	assert.Equal(t, before.HotBytes, after.HotBytes)
	assert.Equal(t, before.Keys, after.Keys)
}

func TestPinnedKeysDoNotExpire(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("s", Scalar([]byte("v")).WithTTL(time.Second))
	e.Pin("s")

	clk.Advance(2 * time.Second)
	assert.Zero(t, e.Expire(clk.Now()))

	e.Unpin("s")
	assert.Equal(t, 1, e.Expire(clk.Now()))
	assert.False(t, e.ContainsKey("s"))
}

func TestTieringPreservesPresence(t *testing.T) {
	e, clk := newTestEngine(t, Options{HotHighWatermark: 2000, HotLowWatermark: 500})
	a := &applier{t: t, e: e, clk: clk}
	for i := 0; i < 20; i++ {
		clk.Advance(time.Second)
		a.put(fmt.Sprintf("k%02d", i), Scalar([]byte(fmt.Sprintf("value-%02d-%s", i, make([]byte, 100)))))
	}
	a.put("idx", OrderedEntry("a", []byte("1")))

	n, err := e.DemoteCold()
	require.NoError(t, err)
	assert.Positive(t, n)
	st := e.Stats()
	assert.LessOrEqual(t, st.HotBytes, 500)
	assert.Positive(t, st.ColdEntries)
	logical := st.LogicalBytes

	for i := 0; i < 20; i++ {
		rec, err := e.Get(fmt.Sprintf("k%02d", i))
		require.NoError(t, err)
		assert.Contains(t, string(rec.Data), fmt.Sprintf("value-%02d", i))
	}
	assert.Equal(t, logical, e.Stats().LogicalBytes)
	assert.Positive(t, e.Stats().Promotions)
}

func TestColdHintStoresCompressed(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("archive", Scalar([]byte("payload")).AsCold())
	assert.Equal(t, 1, e.Stats().ColdEntries)

	rec, err := e.Get("archive")
	require.NoError(t, err)
	assert.Equal(t, TierCold, rec.Tier)
	assert.Equal(t, "payload", string(rec.Data))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: e, clk: clk}
	a.put("s", Scalar([]byte("v")).WithTTL(time.Hour))
	a.put("o", OrderedEntry("b", []byte("2")))
	a.put("o", OrderedEntry("a", []byte("1")))
	a.put("f", FilterMember("alice"))
	a.put("h", CardinalityMember("x"))
	a.put("ts", SeriesPoint(epoch, 3))
	a.put("g", GraphEdge("a", "b", 1))
	a.put("geo", SpatialPoint("paris", 48.8566, 2.3522, nil))
	a.put("sk", SkipEntry("z", []byte("26")).AsCold())

	snap, err := e.Snapshot()
	require.NoError(t, err)

	other, _ := newTestEngine(t, Options{})
	require.NoError(t, other.Restore(snap))
	assert.Equal(t, e.Keys(), other.Keys())
	assert.Equal(t, e.Stats().LogicalBytes, other.Stats().LogicalBytes)

	again, err := other.Snapshot()
	require.NoError(t, err)
	raw1, _ := e.codec.Decode(snap)
	raw2, _ := other.codec.Decode(again)
	assert.Equal(t, string(raw1), string(raw2), "snapshot encoding must be deterministic")

	pairs, err := other.Range("o", "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Field: "a", Data: []byte("1")}, {Field: "b", Data: []byte("2")}}, pairs)
	ok, err := other.MemberTest("f", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	rec, err := other.Get("s")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, rec.TTL)
}

func TestExportImportDrop(t *testing.T) {
	src, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: src, clk: clk}
	a.put("user:1", Scalar([]byte("a")))
	a.put("user:2", Scalar([]byte("b")))
	a.put("order:1", Scalar([]byte("c")))
	a.put("seen", FilterMember("x"))

	moved, err := src.Export(clk.Now(), func(k string) bool { return k != "order:1" })
	require.NoError(t, err)
	require.Len(t, moved, 3)

	dst, dclk := newTestEngine(t, Options{})
	b := &applier{t: t, e: dst, clk: dclk}
	b.put("seen", FilterMember("y"))
	require.NoError(t, dst.Import(moved))

	rec, err := dst.Get("user:2")
	require.NoError(t, err)
	assert.Equal(t, "b", string(rec.Data))
	for _, m := range []string{"x", "y"} {
		ok, err := dst.MemberTest("seen", m)
		require.NoError(t, err)
		assert.True(t, ok, "filters merge on import")
	}

	n := src.DropWhere(func(k string) bool { return k != "order:1" })
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"order:1"}, src.Keys())
}

func TestImportOverCapacityKeepsEntriesAndWarns(t *testing.T) {
	src, clk := newTestEngine(t, Options{})
	a := &applier{t: t, e: src, clk: clk}
	a.put("a", Scalar(make([]byte, 100)))
	a.put("b", Scalar(make([]byte, 100)))
	moved, err := src.Export(clk.Now(), nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	dst, _ := newTestEngine(t, Options{MaxBytes: 200, Logger: slog.New(slog.NewJSONHandler(&buf, nil))})
	require.NoError(t, dst.Import(moved))

	assert.Equal(t, 298, dst.Stats().LogicalBytes)
	assert.Contains(t, buf.String(), "engine over capacity")
	_, err = dst.Apply(Mutation{Op: OpPut, Key: "c", Value: Scalar([]byte("x")), Now: clk.Now(), Index: 1})
	assert.ErrorIs(t, err, cacheerr.ErrCapacityExceeded)
}

func TestReplicasConverge(t *testing.T) {
	muts := []Mutation{
		{Op: OpPut, Key: "a", Value: Scalar([]byte("1")).AsCacheOnly()},
		{Op: OpPut, Key: "b", Value: OrderedEntry("x", []byte("2"))},
		{Op: OpIncr, Key: "n", Delta: 5},
		{Op: OpPut, Key: "c", Value: Scalar(make([]byte, 120))},
		{Op: OpRemoveField, Key: "b", Value: OrderedEntry("x", nil)},
		{Op: OpPut, Key: "t", Value: Scalar([]byte("tmp")).WithTTL(time.Second)},
		{Op: OpPut, Key: "d", Value: Scalar(make([]byte, 120))},
	}
	engines := make([]*Engine, 3)
	for i := range engines {
		e, _ := newTestEngine(t, Options{MaxBytes: 520})
		engines[i] = e
		for j, m := range muts {
			m.Index = uint64(j + 1)
			m.Now = epoch.Add(time.Duration(j) * time.Second)
			_, _ = e.Apply(m)
		}
	}
	want, err := engines[0].Snapshot()
	require.NoError(t, err)
	wantRaw, _ := engines[0].codec.Decode(want)
	for _, e := range engines[1:] {
		got, err := e.Snapshot()
		require.NoError(t, err)
		gotRaw, _ := e.codec.Decode(got)
		assert.Equal(t, string(wantRaw), string(gotRaw))
	}
}
