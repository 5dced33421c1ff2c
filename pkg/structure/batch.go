package structure

import (
	"fmt"
	"time"
)

// undoLog is what a running batch needs to put the engine back as it was.
type undoLog struct {
	// saved holds each touched key's entry as it was before the batch; nil
	// means the key did not exist.
	saved      map[string]*entry
	logical    int
	hot        int
	coldSize   int
	nextExpiry time.Time
	evictions  uint64
	// evicted is the cost of entries removed to make room for the batch.
	evicted int
}

// keep records en unless the batch already saved its key. Removal does not
// change en, so the pointer itself is kept.
func (u *undoLog) keep(en *entry) {
	if _, ok := u.saved[en.key]; !ok {
		u.saved[en.key] = en
	}
}

func (e *Engine) beginLocked() *undoLog {
	u := &undoLog{
		saved:      make(map[string]*entry),
		logical:    e.logical,
		hot:        e.hot,
		coldSize:   e.coldSize,
		nextExpiry: e.nextExpiry,
		evictions:  e.stats.evictions.Load(),
	}
	e.undo = u
	return u
}

// saveLocked copies key's entry before the batch first mutates it in place.
func (e *Engine) saveLocked(key string) error {
	u := e.undo
	if _, ok := u.saved[key]; ok {
		return nil
	}
	en, ok := e.entries[key]
	if !ok {
		u.saved[key] = nil
		return nil
	}
	c := *en
	if en.s != nil {
		raw, err := en.s.Encode()
		if err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
		s, err := newStructure(en.kind, e.opts.Family)
		if err != nil {
			return err
		}
		if err := s.Decode(raw); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
		c.s = s
	}
	u.saved[key] = &c
	return nil
}

func (e *Engine) rollbackLocked(u *undoLog) {
	e.undo = nil
	for k, en := range u.saved {
		if en == nil {
			delete(e.entries, k)
			continue
		}
		e.entries[k] = en
	}
	e.logical, e.hot, e.coldSize = u.logical, u.hot, u.coldSize
	e.nextExpiry = u.nextExpiry
	e.stats.evictions.Store(u.evictions)
}

// batchLocked applies ms in order. On error everything is rolled back. On
// success the undo log is still installed and peak is the largest growth of
// the batch's own keys over any prefix of ms.
func (e *Engine) batchLocked(ms []Mutation) (results []Result, peak int, u *undoLog, err error) {
	u = e.beginLocked()
	base := e.logical
	results = make([]Result, 0, len(ms))
	for i, m := range ms {
		if err := e.saveLocked(m.Key); err != nil {
			e.rollbackLocked(u)
			return nil, 0, nil, err
		}
		res, err := e.applyLocked(m, false)
		if err != nil {
			e.rollbackLocked(u)
			return nil, 0, nil, fmt.Errorf("op %d (%s %s): %w", i+1, m.Op, m.Key, err)
		}
		results = append(results, res)
		if grown := e.logical + u.evicted - base; grown > peak {
			peak = grown
		}
	}
	return results, peak, u, nil
}

// ReserveBatch checks that ms applies in order against the current state, as
// one sequence, and holds back the capacity it needs until Release. It makes
// no change except evicting cache-only entries to fit the reservation. The
// keys of ms should be pinned so they stay as checked until CommitBatch.
func (e *Engine) ReserveBatch(ms []Mutation) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, peak, u, err := e.batchLocked(ms)
	if err != nil {
		return 0, err
	}
	e.rollbackLocked(u)

	if e.opts.MaxBytes > 0 {
		inBatch := make(map[string]bool, len(ms))
		for _, m := range ms {
			inBatch[m.Key] = true
		}
		need := e.logical + e.reserved + peak - e.opts.MaxBytes
		if _, err := e.makeRoomLocked("batch", need, func(k string) bool { return inBatch[k] }, false); err != nil {
			return 0, err
		}
	}
	e.reserved += peak
	return peak, nil
}

// CommitBatch applies ms, which ReserveBatch accepted, all or nothing. The
// capacity was reserved then, so MaxBytes is not checked again.
func (e *Engine) CommitBatch(ms []Mutation) ([]Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.unbounded = true
	results, _, _, err := e.batchLocked(ms)
	e.unbounded = false
	e.undo = nil
	if err != nil {
		return nil, err
	}
	if e.opts.HotHighWatermark > 0 && e.hot > e.opts.HotHighWatermark {
		select {
		case e.tierCh <- struct{}{}:
		default:
		}
	}
	return results, nil
}
