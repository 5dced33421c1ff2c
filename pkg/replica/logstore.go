package replica

import (
	"fmt"
	"sync"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Stored is the durable state a group restarts from.
type Stored struct {
	HardState raftpb.HardState
	// Snapshot is the latest snapshot, empty when none was taken.
	Snapshot raftpb.Snapshot
	// Entries follow the snapshot in index order.
	Entries []raftpb.Entry
}

// Empty reports whether nothing was ever persisted.
func (s Stored) Empty() bool {
	return raft.IsEmptyHardState(s.HardState) && raft.IsEmptySnap(s.Snapshot) && len(s.Entries) == 0
}

// LogStore is the durable append-only log and snapshot store behind a group.
// Appending an entry whose index is already stored replaces that entry and
// everything after it.
type LogStore interface {
	// Append persists entries and returns the durable offset: the last index
	// stored.
	Append(entries []raftpb.Entry) (uint64, error)
	ReadRange(from, to uint64) ([]raftpb.Entry, error)
	SaveHardState(hs raftpb.HardState) error
	// WriteSnapshot persists a marshaled raftpb.Snapshot and makes it the
	// latest one.
	WriteSnapshot(data []byte) (string, error)
	ReadSnapshot(id string) ([]byte, error)
	// Compact drops entries up to and including index.
	Compact(index uint64) error
	Load() (Stored, error)
	Close() error
}

// MemoryLogStore keeps everything in memory. It outlives the group that
// uses it, which makes it a stand-in for a disk across restarts in tests.
type MemoryLogStore struct {
	mu      sync.Mutex
	hs      raftpb.HardState
	entries []raftpb.Entry
	snaps   map[string][]byte
	latest  string
	snapSeq int
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{snaps: make(map[string][]byte)}
}

func (s *MemoryLogStore) Append(entries []raftpb.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) > 0 {
		s.entries = appendEntries(s.entries, entries)
	}
	return lastIndex(s.entries), nil
}

func (s *MemoryLogStore) ReadRange(from, to uint64) ([]raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRange(s.entries, from, to)
}

func (s *MemoryLogStore) SaveHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	s.hs = hs
	s.mu.Unlock()
	return nil
}

func (s *MemoryLogStore) WriteSnapshot(data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapSeq++
	id := fmt.Sprintf("snap-%08d", s.snapSeq)
	s.snaps[id] = append([]byte(nil), data...)
	s.latest = id
	return id, nil
}

func (s *MemoryLogStore) ReadSnapshot(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.snaps[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	return data, nil
}

func (s *MemoryLogStore) Compact(index uint64) error {
	s.mu.Lock()
	s.entries = compactEntries(s.entries, index)
	s.mu.Unlock()
	return nil
}

func (s *MemoryLogStore) Load() (Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stored{HardState: s.hs}
	if s.latest != "" {
		if err := st.Snapshot.Unmarshal(s.snaps[s.latest]); err != nil {
			return Stored{}, fmt.Errorf("unmarshal snapshot %s: %w", s.latest, err)
		}
	}
	st.Entries = append([]raftpb.Entry(nil), compactEntries(s.entries, st.Snapshot.Metadata.Index)...)
	return st, nil
}

func (s *MemoryLogStore) Close() error { return nil }

// appendEntries applies raft's overwrite rule: a conflicting suffix is cut.
func appendEntries(log, entries []raftpb.Entry) []raftpb.Entry {
	first := entries[0].Index
	for len(log) > 0 && log[len(log)-1].Index >= first {
		log = log[:len(log)-1]
	}
	return append(log, entries...)
}

func compactEntries(log []raftpb.Entry, index uint64) []raftpb.Entry {
	i := 0
	for i < len(log) && log[i].Index <= index {
		i++
	}
	return log[i:]
}

func lastIndex(log []raftpb.Entry) uint64 {
	if len(log) == 0 {
		return 0
	}
	return log[len(log)-1].Index
}

// readRange returns entries in [from, to).
func readRange(log []raftpb.Entry, from, to uint64) ([]raftpb.Entry, error) {
	if from >= to {
		return nil, nil
	}
	if len(log) == 0 || from < log[0].Index || to > lastIndex(log)+1 {
		return nil, fmt.Errorf("range [%d,%d) not available", from, to)
	}
	off := from - log[0].Index
	out := make([]raftpb.Entry, to-from)
	copy(out, log[off:off+(to-from)])
	return out, nil
}
