package structure

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Exported is the portable form of one entry, used by snapshots and by
// range migration between shards.
type Exported struct {
	Key     string `json:"key"`
	Kind    Kind   `json:"kind"`
	Meta    Meta   `json:"meta"`
	Payload []byte `json:"payload"`
}

type snapshotFile struct {
	Version int        `json:"version"`
	Entries []Exported `json:"entries"`
}

const snapshotVersion = 1

// Export returns the live entries whose key satisfies keep, sorted by key.
// Expiry is judged against now so that the result is the same on every
// replica that applied up to the same index.
func (e *Engine) Export(now time.Time, keep func(key string) bool) ([]Exported, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exportLocked(now, keep)
}

func (e *Engine) exportLocked(now time.Time, keep func(key string) bool) ([]Exported, error) {
	keys := make([]string, 0, len(e.entries))
	for k, en := range e.entries {
		if keep != nil && !keep(k) {
			continue
		}
		if !now.IsZero() && en.IsExpired(now) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Exported, 0, len(keys))
	for _, k := range keys {
		en := e.entries[k]
		payload, err := e.payloadLocked(en)
		if err != nil {
			return nil, err
		}
		out = append(out, Exported{Key: k, Kind: en.kind, Meta: en.meta, Payload: payload})
	}
	return out, nil
}

func (e *Engine) payloadLocked(en *entry) ([]byte, error) {
	if en.isCold() {
		raw, err := e.codec.Decode(en.cold)
		if err != nil {
			return nil, fmt.Errorf("read cold %s: %w", en.key, err)
		}
		return raw, nil
	}
	raw, err := en.s.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", en.key, err)
	}
	return raw, nil
}

// Import installs entries received from another shard. An existing filter
// or sketch is merged with the incoming one since both only grow. Anything
// else is replaced.
func (e *Engine) Import(items []Exported) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, it := range items {
		if err := e.importLocked(it); err != nil {
			return err
		}
	}
	e.warnOvercommitLocked("import", len(items))
	return nil
}

// warnOvercommitLocked logs when entries installed without a capacity check
// pushed the engine past MaxBytes. Handed-off entries were admitted by their
// source shard, so they are kept, and later writes evict or fail until the
// engine is back under the limit.
func (e *Engine) warnOvercommitLocked(what string, entries int) {
	if e.opts.MaxBytes <= 0 || e.logical+e.reserved <= e.opts.MaxBytes {
		return
	}
	e.log.Warn("engine over capacity", "after", what, "entries", entries,
		"logical_bytes", e.logical, "reserved_bytes", e.reserved, "max_bytes", e.opts.MaxBytes)
}

func (e *Engine) importLocked(it Exported) error {
	s, err := newStructure(it.Kind, e.opts.Family)
	if err != nil {
		return err
	}
	if err := s.Decode(it.Payload); err != nil {
		return fmt.Errorf("import %s: %w", it.Key, err)
	}
	if old, ok := e.entries[it.Key]; ok {
		if old.kind == it.Kind {
			if err := e.promoteLocked(old); err != nil {
				return err
			}
			if err := mergeInto(s, old.s); err != nil {
				return fmt.Errorf("import %s: %w", it.Key, err)
			}
		}
		e.removeLocked(old)
	}
	en := &entry{key: it.Key, kind: it.Kind, meta: it.Meta, s: s, cost: entryCost(it.Key, s)}
	e.entries[it.Key] = en
	e.logical += en.cost
	e.hot += en.cost
	if !en.meta.ExpiresAt.IsZero() {
		e.noteExpiryLocked(en.meta.ExpiresAt)
	}
	return nil
}

func mergeInto(dst, src Structure) error {
	switch d := dst.(type) {
	case *Filter:
		return d.Merge(src.(*Filter))
	case *cardinality:
		return d.Merge(src.(*cardinality))
	}
	return nil
}

// DropWhere removes every entry whose key satisfies match and returns how
// many were removed.
func (e *Engine) DropWhere(match func(key string) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, en := range e.entries {
		if match(k) {
			e.removeLocked(en)
			n++
		}
	}
	return n
}

// Snapshot encodes every entry, expired ones included, as zstd-compressed
// JSON. The encoding is a function of the applied state only.
func (e *Engine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	items, err := e.exportLocked(time.Time{}, nil)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snapshotFile{Version: snapshotVersion, Entries: items})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return e.codec.Encode(raw), nil
}

// Restore replaces the engine's contents with a Snapshot result.
func (e *Engine) Restore(data []byte) error {
	raw, err := e.codec.Decode(data)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("restore: unmarshal: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("restore: unsupported snapshot version %d", snap.Version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[string]*entry, len(snap.Entries))
	e.logical, e.hot, e.coldSize = 0, 0, 0
	e.reserved = 0
	e.pinned = make(map[string]int)
	e.nextExpiry = time.Time{}
	for _, it := range snap.Entries {
		if err := e.importLocked(it); err != nil {
			return err
		}
	}
	e.warnOvercommitLocked("restore", len(snap.Entries))
	return nil
}
