package replica

import (
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/etcd/raft/v3"

	"spectracache/internal/validate"
)

// Config tunes every replica group hosted by a node.
type Config struct {
	TickInterval              time.Duration `yaml:"tick_interval" validate:"required"`
	ElectionTick              int           `yaml:"election_tick" validate:"gt=0"`
	HeartbeatTick             int           `yaml:"heartbeat_tick" validate:"gt=0,ltfield=ElectionTick"`
	MaxSizePerMsg             uint64        `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64        `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64        `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int           `yaml:"max_inflight_msgs" validate:"gt=0"`
	CheckQuorum               bool          `yaml:"check_quorum"`
	PreVote                   bool          `yaml:"pre_vote"`

	// SnapshotEntries is how many applied entries trigger a snapshot.
	SnapshotEntries uint64 `yaml:"snapshot_entries"`
	// CompactionOverhead entries stay in the log behind a snapshot so that
	// slightly lagging followers catch up without one.
	CompactionOverhead uint64 `yaml:"compaction_overhead"`

	ProposalTimeout time.Duration `yaml:"proposal_timeout" validate:"required"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
	PreparedTimeout time.Duration `yaml:"prepared_timeout" validate:"required"`
	// SweepGrace is added to a prepared deadline before the leader aborts.
	SweepGrace    time.Duration `yaml:"sweep_grace"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// LockWait bounds how long a read waits for a prepared transaction.
	LockWait time.Duration `yaml:"lock_wait"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:              100 * time.Millisecond,
		ElectionTick:              10,
		HeartbeatTick:             1,
		MaxSizePerMsg:             1 << 20,
		MaxCommittedSizePerReady:  16 << 20,
		MaxUncommittedEntriesSize: 64 << 20,
		MaxInflightMsgs:           256,
		CheckQuorum:               true,
		PreVote:                   true,
		SnapshotEntries:           10000,
		CompactionOverhead:        5000,
		ProposalTimeout:           5 * time.Second,
		DedupWindow:               10 * time.Minute,
		PreparedTimeout:           5 * time.Second,
		SweepGrace:                time.Second,
		SweepInterval:             500 * time.Millisecond,
		LockWait:                  time.Second,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("raft: %w", err)
	}
	return nil
}

func (c Config) toRaftConfig(id uint64, storage raft.Storage, applied uint64, log *slog.Logger) *raft.Config {
	return &raft.Config{
		ID:                        id,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		Storage:                   storage,
		Applied:                   applied,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		ReadOnlyOption:            raft.ReadOnlySafe,
		Logger:                    &raftLogger{log: log},
	}
}

// raftLogger routes the raft library's printf-style logging into slog.
type raftLogger struct {
	log *slog.Logger
}

func (l *raftLogger) Debug(v ...interface{}) { l.log.Debug(fmt.Sprint(v...)) }
func (l *raftLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
func (l *raftLogger) Info(v ...interface{}) { l.log.Debug(fmt.Sprint(v...)) }
func (l *raftLogger) Infof(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
func (l *raftLogger) Warning(v ...interface{}) { l.log.Warn(fmt.Sprint(v...)) }
func (l *raftLogger) Warningf(format string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, v...))
}
func (l *raftLogger) Error(v ...interface{}) { l.log.Error(fmt.Sprint(v...)) }
func (l *raftLogger) Errorf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}
func (l *raftLogger) Fatal(v ...interface{}) { l.Panic(v...) }
func (l *raftLogger) Fatalf(format string, v ...interface{}) {
	l.Panicf(format, v...)
}
func (l *raftLogger) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	l.log.Error(msg)
	panic(msg)
}
func (l *raftLogger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.log.Error(msg)
	panic(msg)
}
