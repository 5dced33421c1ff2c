// Package structure is the storage runtime of a shard: a keyed map whose
// values are one of several structure families. All mutations arrive through
// Apply from the replicated log, so replicas that applied the same entries
// hold the same logical state.
package structure

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/clock"
	"spectracache/pkg/compression"
	"spectracache/pkg/listener"
)

// Op is a mutation kind.
type Op uint8

const (
	OpPut Op = iota + 1
	OpDelete
	OpRemoveField
	OpIncr
	OpClear
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpRemoveField:
		return "remove-field"
	case OpIncr:
		return "incr"
	case OpClear:
		return "clear"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Mutation is one committed change. Now and Index come from the log entry
// that carries it.
type Mutation struct {
	Op    Op
	Key   string
	Value Value
	Delta int64
	// Min rejects an INCR whose result would drop below it.
	Min   *int64
	Now   time.Time
	Index uint64
}

// Result describes an applied mutation.
type Result struct {
	CacheOnly bool     `json:"cache_only,omitempty"`
	Existed   bool     `json:"existed,omitempty"`
	Number    int64    `json:"number,omitempty"`
	Evicted   []string `json:"evicted,omitempty"`
}

type Options struct {
	// MaxBytes bounds the logical size of the engine. Zero disables the limit.
	MaxBytes int
	// MaxEntryBytes bounds the logical size of a single key.
	MaxEntryBytes int
	// Tiering starts demoting when hot bytes exceed HotHighWatermark and
	// stops at HotLowWatermark. Zero disables tiering.
	HotHighWatermark int
	HotLowWatermark  int
	Family           FamilyOptions
	Clock            clock.Clock
	Logger           *slog.Logger
}

type counters struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	expired    atomic.Uint64
	demotions  atomic.Uint64
	promotions atomic.Uint64
}

// Engine is safe for concurrent use.
type Engine struct {
	opts  Options
	log   *slog.Logger
	clock clock.Clock
	codec *compression.Codec

	mu       sync.Mutex
	entries  map[string]*entry
	logical  int
	hot      int
	coldSize int
	reserved int
	pinned   map[string]int
	// undo is set while a batch runs; removals and first touches are recorded
	// so the batch can be rolled back.
	undo *undoLog
	// unbounded skips the MaxBytes check for a batch that was reserved.
	unbounded bool
	// nextExpiry is the earliest ExpiresAt of any entry, zero when none expire.
	nextExpiry time.Time

	stats counters

	tierCh chan struct{}
	tierer *listener.Listener[struct{}]
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HotHighWatermark > 0 && opts.HotLowWatermark >= opts.HotHighWatermark {
		opts.HotLowWatermark = opts.HotHighWatermark / 2
	}
	codec, err := compression.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("create cold tier codec: %w", err)
	}
	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		clock:   opts.Clock,
		codec:   codec,
		entries: make(map[string]*entry),
		pinned:  make(map[string]int),
		tierCh:  make(chan struct{}, 1),
	}
	e.tierer = listener.New("tierer", e.tierCh, func(struct{}) error {
		_, err := e.DemoteCold()
		return err
	})
	return e, nil
}

// Start launches the background tierer.
func (e *Engine) Start(ctx context.Context) { e.tierer.Start(ctx) }

func (e *Engine) Close() {
	e.tierer.Stop()
	e.codec.Close()
}

// Apply executes m. Expired entries are removed first using m.Now.
func (e *Engine) Apply(m Mutation) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireLocked(m.Now)
	res, err := e.applyLocked(m, false)
	if err == nil && e.opts.HotHighWatermark > 0 && e.hot > e.opts.HotHighWatermark {
		select {
		case e.tierCh <- struct{}{}:
		default:
		}
	}
	return res, err
}

func (e *Engine) applyLocked(m Mutation, dry bool) (Result, error) {
	if m.Key == "" {
		return Result{}, fmt.Errorf("%w: empty key", cacheerr.ErrInvalidArgument)
	}
	switch m.Op {
	case OpPut:
		return e.putLocked(m, dry)
	case OpIncr:
		return e.incrLocked(m, dry)
	case OpDelete:
		en := e.liveLocked(m.Key, m.Now)
		if en == nil {
			return Result{}, fmt.Errorf("%w: %s", cacheerr.ErrNotFound, m.Key)
		}
		if !dry {
			e.removeLocked(en)
		}
		return Result{Existed: true}, nil
	case OpRemoveField, OpClear:
		en := e.liveLocked(m.Key, m.Now)
		if en == nil {
			return Result{}, fmt.Errorf("%w: %s", cacheerr.ErrNotFound, m.Key)
		}
		if dry {
			if m.Op == OpRemoveField && (en.kind == KindScalar || en.kind == KindFilter || en.kind == KindCardinality) {
				return Result{}, mismatch("remove field", en.kind)
			}
			return Result{Existed: true}, nil
		}
		return e.mutateLocked(en, m, func(s Structure) (bool, error) {
			if m.Op == OpClear {
				s.Reset()
				return true, nil
			}
			return s.Remove(m.Value)
		})
	}
	return Result{}, fmt.Errorf("%w: unknown op %d", cacheerr.ErrInvalidArgument, m.Op)
}

func (e *Engine) putLocked(m Mutation, dry bool) (Result, error) {
	v := m.Value
	if err := v.Validate(); err != nil {
		return Result{}, err
	}
	en := e.liveLocked(m.Key, m.Now)
	if en != nil && en.kind != v.Kind {
		return Result{}, fmt.Errorf("%w: key %s holds %s, not %s", cacheerr.ErrTypeMismatch, m.Key, en.kind, v.Kind)
	}

	oldCost, projected := 0, 0
	if en != nil {
		oldCost = en.cost
		if v.Kind == KindScalar {
			projected = len(m.Key) + entryOverhead + len(v.Data)
		} else {
			projected = en.cost + v.cost()
		}
	} else {
		s, err := newStructure(v.Kind, e.opts.Family)
		if err != nil {
			return Result{}, err
		}
		projected = entryCost(m.Key, s) + v.cost()
		if v.Kind == KindScalar {
			projected = len(m.Key) + entryOverhead + len(v.Data)
		}
	}
	evicted, err := e.reserveLocked(m.Key, oldCost, projected, dry)
	if err != nil {
		return Result{}, err
	}
	res := Result{CacheOnly: v.Durability == CacheOnly, Existed: en != nil, Evicted: evicted}
	if dry {
		return res, nil
	}

	if en == nil {
		if stale, ok := e.entries[m.Key]; ok {
			e.removeLocked(stale)
		}
		s, _ := newStructure(v.Kind, e.opts.Family)
		en = &entry{
			key:  m.Key,
			kind: v.Kind,
			s:    s,
			meta: Meta{CreatedAt: m.Now},
		}
		e.entries[m.Key] = en
		e.logical += entryCost(m.Key, s)
		e.hot += entryCost(m.Key, s)
		en.cost = entryCost(m.Key, s)
	}
	en.meta.Durability = v.Durability
	switch {
	case v.TTL > 0:
		en.meta.ExpiresAt = m.Now.Add(v.TTL)
		e.noteExpiryLocked(en.meta.ExpiresAt)
	case v.Kind == KindScalar:
		en.meta.ExpiresAt = time.Time{}
	}
	if _, err := e.mutateLocked(en, m, func(s Structure) (bool, error) { return true, s.Put(v) }); err != nil {
		return Result{}, err
	}
	if v.Tier == TierCold {
		if err := e.demoteLocked(en); err != nil {
			e.log.Warn("demote on write failed", "key", m.Key, "error", err)
		}
	}
	return res, nil
}

func (e *Engine) incrLocked(m Mutation, dry bool) (Result, error) {
	en := e.liveLocked(m.Key, m.Now)
	var current int64
	if en != nil {
		if en.kind != KindScalar {
			return Result{}, mismatch("incr", en.kind)
		}
		if err := e.promoteLocked(en); err != nil {
			return Result{}, err
		}
		n, err := en.s.(*scalar).counter()
		if err != nil {
			return Result{}, err
		}
		current = n
	}
	next := current + m.Delta
	if m.Min != nil && next < *m.Min {
		return Result{}, fmt.Errorf("%w: %s would become %d, minimum is %d", cacheerr.ErrConditionFailed, m.Key, next, *m.Min)
	}
	put := m
	put.Op = OpPut
	put.Value = Scalar(strconv.AppendInt(nil, next, 10))
	if en != nil {
		put.Value.Durability = en.meta.Durability
		if !en.meta.ExpiresAt.IsZero() {
			put.Value.TTL = en.meta.ExpiresAt.Sub(m.Now)
		}
	}
	res, err := e.putLocked(put, dry)
	if err != nil {
		return Result{}, err
	}
	res.Number = next
	return res, nil
}

// mutateLocked runs fn against en's structure and keeps the byte accounting
// in step with the structure's cost.
func (e *Engine) mutateLocked(en *entry, m Mutation, fn func(Structure) (bool, error)) (Result, error) {
	if err := e.promoteLocked(en); err != nil {
		return Result{}, err
	}
	before := en.cost
	existed, err := fn(en.s)
	if err != nil {
		return Result{}, err
	}
	en.cost = entryCost(en.key, en.s)
	e.logical += en.cost - before
	e.hot += en.cost - before
	en.meta.UpdatedAt = m.Now
	en.meta.WriteIndex = m.Index
	if !existed {
		return Result{}, fmt.Errorf("%w: %s", cacheerr.ErrNotFound, m.Key)
	}
	return Result{Existed: true, CacheOnly: en.meta.Durability == CacheOnly}, nil
}

// reserveLocked checks the per-entry and total limits for growing key from
// oldCost to newCost, evicting cache-only entries if that makes room.
func (e *Engine) reserveLocked(key string, oldCost, newCost int, dry bool) ([]string, error) {
	if e.opts.MaxEntryBytes > 0 && newCost > e.opts.MaxEntryBytes {
		return nil, fmt.Errorf("%w: %s needs %d bytes, entry limit is %d",
			cacheerr.ErrCapacityExceeded, key, newCost, e.opts.MaxEntryBytes)
	}
	if e.opts.MaxBytes <= 0 || e.unbounded {
		return nil, nil
	}
	need := e.logical + e.reserved - oldCost + newCost - e.opts.MaxBytes
	return e.makeRoomLocked(key, need, func(k string) bool { return k == key }, dry)
}

// makeRoomLocked evicts cache-only entries, oldest write first, until need
// bytes are free. Entries for which keep returns true are never chosen.
func (e *Engine) makeRoomLocked(key string, need int, keep func(string) bool, dry bool) ([]string, error) {
	if need <= 0 {
		return nil, nil
	}
	victims := e.evictionOrderLocked(keep)
	freed := 0
	var chosen []*entry
	for _, v := range victims {
		if freed >= need {
			break
		}
		chosen = append(chosen, v)
		freed += v.cost
	}
	if freed < need {
		return nil, fmt.Errorf("%w: %s needs %d more bytes", cacheerr.ErrCapacityExceeded, key, need-freed)
	}
	keys := make([]string, 0, len(chosen))
	for _, v := range chosen {
		keys = append(keys, v.key)
		if !dry {
			e.removeLocked(v)
			e.stats.evictions.Add(1)
			if e.undo != nil {
				e.undo.evicted += v.cost
			}
		}
	}
	if !dry {
		e.log.Debug("evicted cache-only entries", "for", key, "count", len(keys))
	}
	return keys, nil
}

// evictionOrderLocked lists cache-only entries, least recently written first.
func (e *Engine) evictionOrderLocked(keep func(string) bool) []*entry {
	var out []*entry
	for k, en := range e.entries {
		if keep(k) || en.meta.Durability != CacheOnly || e.pinned[k] > 0 {
			continue
		}
		out = append(out, en)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].meta.WriteIndex != out[j].meta.WriteIndex {
			return out[i].meta.WriteIndex < out[j].meta.WriteIndex
		}
		return out[i].key < out[j].key
	})
	return out
}

// liveLocked returns the entry for key unless it is missing or expired at now.
func (e *Engine) liveLocked(key string, now time.Time) *entry {
	en, ok := e.entries[key]
	if !ok || en.IsExpired(now) {
		return nil
	}
	return en
}

func (e *Engine) removeLocked(en *entry) {
	if e.undo != nil {
		e.undo.keep(en)
	}
	delete(e.entries, en.key)
	e.logical -= en.cost
	if en.isCold() {
		e.coldSize -= len(en.cold)
	} else {
		e.hot -= en.cost
	}
}

// Expire removes every entry whose TTL elapsed at now.
func (e *Engine) Expire(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expireLocked(now)
}

func (e *Engine) expireLocked(now time.Time) int {
	if now.IsZero() || e.nextExpiry.IsZero() || now.Before(e.nextExpiry) {
		return 0
	}
	n := 0
	e.nextExpiry = time.Time{}
	for k, en := range e.entries {
		switch {
		case e.pinned[k] > 0:
			// noted again by Unpin
		case en.IsExpired(now):
			e.removeLocked(en)
			n++
		case !en.meta.ExpiresAt.IsZero():
			e.noteExpiryLocked(en.meta.ExpiresAt)
		}
	}
	if n > 0 {
		e.stats.expired.Add(uint64(n))
	}
	return n
}

func (e *Engine) noteExpiryLocked(at time.Time) {
	if e.nextExpiry.IsZero() || at.Before(e.nextExpiry) {
		e.nextExpiry = at
	}
}

// Reserve holds back n bytes of capacity for writes that are prepared but
// not yet committed. Release returns them.
func (e *Engine) Reserve(n int) {
	e.mu.Lock()
	e.reserved += n
	e.mu.Unlock()
}

func (e *Engine) Release(n int) {
	e.mu.Lock()
	e.reserved -= n
	if e.reserved < 0 {
		e.reserved = 0
	}
	e.mu.Unlock()
}

// Pin protects key from cache-only eviction and from expiry until a matching
// Unpin.
func (e *Engine) Pin(key string) {
	e.mu.Lock()
	e.pinned[key]++
	e.mu.Unlock()
}

func (e *Engine) Unpin(key string) {
	e.mu.Lock()
	if e.pinned[key]--; e.pinned[key] <= 0 {
		delete(e.pinned, key)
		if en, ok := e.entries[key]; ok && !en.meta.ExpiresAt.IsZero() {
			e.noteExpiryLocked(en.meta.ExpiresAt)
		}
	}
	e.mu.Unlock()
}
