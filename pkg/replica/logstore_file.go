package replica

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

type recordType uint8

const (
	recEntry recordType = iota + 1
	recHardState
	recSnapshot
)

// record header: type (1) + payload length (4) + crc32 of payload (4)
const recordHeaderSize = 9

const (
	logFileName   = "raft.log"
	maxRecordSize = 256 << 20
)

// FileLogStore is a binary framed append-only log in one file plus one file
// per snapshot. A torn record at the tail is cut off on open.
type FileLogStore struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	writer *bufio.Writer
	log    *slog.Logger

	hs      raftpb.HardState
	entries []raftpb.Entry
	latest  string
	snapSeq int
}

func NewFileLogStore(dir string, log *slog.Logger) (*FileLogStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty log dir")
	}
	if log == nil {
		log = slog.Default()
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	s := &FileLogStore{dir: dir, log: log.With("dir", dir)}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover replays the log file into memory and truncates a torn tail.
func (s *FileLogStore) recover() error {
	path := filepath.Join(s.dir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	reader := bufio.NewReader(file)
	var good int64
	for {
		typ, payload, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.log.Warn("truncating torn log tail", "offset", good, "error", err)
			break
		}
		if err := s.replay(typ, payload); err != nil {
			_ = file.Close()
			return err
		}
		good += int64(recordHeaderSize + len(payload))
	}
	if err := file.Truncate(good); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	if _, err := file.Seek(good, io.SeekStart); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to seek log: %w", err)
	}
	s.file = file
	s.writer = bufio.NewWriter(file)

	if s.latest != "" {
		if _, err := fmt.Sscanf(s.latest, "snap-%d", &s.snapSeq); err != nil {
			return fmt.Errorf("bad snapshot id %q: %w", s.latest, err)
		}
	}
	return nil
}

func (s *FileLogStore) replay(typ recordType, payload []byte) error {
	switch typ {
	case recEntry:
		var e raftpb.Entry
		if err := e.Unmarshal(payload); err != nil {
			return fmt.Errorf("unmarshal log entry: %w", err)
		}
		s.entries = appendEntries(s.entries, []raftpb.Entry{e})
	case recHardState:
		if err := s.hs.Unmarshal(payload); err != nil {
			return fmt.Errorf("unmarshal hard state: %w", err)
		}
	case recSnapshot:
		s.latest = string(payload)
	default:
		return fmt.Errorf("unknown log record type %d", typ)
	}
	return nil
}

func (s *FileLogStore) Append(entries []raftpb.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) == 0 {
		return lastIndex(s.entries), nil
	}
	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return 0, fmt.Errorf("marshal entry %d: %w", entries[i].Index, err)
		}
		if err := s.writeRecord(recEntry, data); err != nil {
			return 0, err
		}
	}
	if err := s.sync(); err != nil {
		return 0, err
	}
	s.entries = appendEntries(s.entries, entries)
	return lastIndex(s.entries), nil
}

func (s *FileLogStore) ReadRange(from, to uint64) ([]raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRange(s.entries, from, to)
}

func (s *FileLogStore) SaveHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := hs.Marshal()
	if err != nil {
		return fmt.Errorf("marshal hard state: %w", err)
	}
	if err := s.writeRecord(recHardState, data); err != nil {
		return err
	}
	if err := s.sync(); err != nil {
		return err
	}
	s.hs = hs
	return nil
}

func (s *FileLogStore) WriteSnapshot(data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("snap-%08d", s.snapSeq+1)
	path := filepath.Join(s.dir, id+".snap")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("install snapshot: %w", err)
	}
	if err := s.writeRecord(recSnapshot, []byte(id)); err != nil {
		return "", err
	}
	if err := s.sync(); err != nil {
		return "", err
	}
	s.snapSeq++
	if s.latest != "" {
		if err := os.Remove(filepath.Join(s.dir, s.latest+".snap")); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove old snapshot", "id", s.latest, "error", err)
		}
	}
	s.latest = id
	return id, nil
}

func (s *FileLogStore) ReadSnapshot(id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(id)+".snap"))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	return data, nil
}

// Compact rewrites the log without entries up to index.
func (s *FileLogStore) Compact(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := compactEntries(s.entries, index)
	if len(kept) == len(s.entries) {
		return nil
	}
	path := filepath.Join(s.dir, logFileName)
	tmp, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("create compacted log: %w", err)
	}
	w := bufio.NewWriter(tmp)
	hs, err := s.hs.Marshal()
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("marshal hard state: %w", err)
	}
	if err := writeRecord(w, recHardState, hs); err != nil {
		_ = tmp.Close()
		return err
	}
	if s.latest != "" {
		if err := writeRecord(w, recSnapshot, []byte(s.latest)); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	for i := range kept {
		data, err := kept[i].Marshal()
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("marshal entry %d: %w", kept[i].Index, err)
		}
		if err := writeRecord(w, recEntry, data); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush compacted log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync compacted log: %w", err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("install compacted log: %w", err)
	}
	if err := s.file.Close(); err != nil {
		s.log.Warn("failed to close old log file", "error", err)
	}
	s.file = tmp
	s.writer = bufio.NewWriter(tmp)
	s.entries = append([]raftpb.Entry(nil), kept...)
	return nil
}

func (s *FileLogStore) Load() (Stored, error) {
	s.mu.Lock()
	latest := s.latest
	st := Stored{HardState: s.hs}
	entries := append([]raftpb.Entry(nil), s.entries...)
	s.mu.Unlock()

	if latest != "" {
		data, err := s.ReadSnapshot(latest)
		if err != nil {
			return Stored{}, err
		}
		if err := st.Snapshot.Unmarshal(data); err != nil {
			return Stored{}, fmt.Errorf("unmarshal snapshot %s: %w", latest, err)
		}
	}
	st.Entries = compactEntries(entries, st.Snapshot.Metadata.Index)
	return st, nil
}

func (s *FileLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush log on close: %w", err)
		}
		s.writer = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		s.file = nil
	}
	return nil
}

func (s *FileLogStore) writeRecord(typ recordType, payload []byte) error {
	if s.writer == nil {
		return fmt.Errorf("log store is closed")
	}
	return writeRecord(s.writer, typ, payload)
}

func (s *FileLogStore) sync() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return nil
}

func writeRecord(w io.Writer, typ recordType, payload []byte) error {
	if len(payload) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(payload))
	}
	var hdr [recordHeaderSize]byte
	hdr[0] = byte(typ)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[5:9], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRecord(r io.Reader) (recordType, []byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("short record header: %w", err)
		}
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[1:5])
	if n > maxRecordSize {
		return 0, nil, fmt.Errorf("record length %d out of range", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("short record payload: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[5:9]) {
		return 0, nil, fmt.Errorf("record checksum mismatch")
	}
	return recordType(hdr[0]), payload, nil
}
