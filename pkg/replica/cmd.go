package replica

import (
	"time"

	"github.com/google/uuid"

	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// CmdKind tags the payload of a replicated log entry.
type CmdKind uint8

const (
	// CmdWrite carries a single structure mutation.
	CmdWrite CmdKind = iota + 1
	// CmdPrepare validates and locks the ops of a transaction.
	CmdPrepare
	CmdCommit
	CmdAbort
	// CmdShardMap installs an authoritative shard map.
	CmdShardMap
	// CmdMigrate announces the map a rebalance is moving towards.
	CmdMigrate
	// CmdFence stops writes to keys that move under the announced map.
	CmdFence
	// CmdIngest installs entries streamed from another shard.
	CmdIngest
	// CmdBarrier changes nothing; it proves the group can commit.
	CmdBarrier
)

func (k CmdKind) String() string {
	switch k {
	case CmdWrite:
		return "write"
	case CmdPrepare:
		return "prepare"
	case CmdCommit:
		return "commit"
	case CmdAbort:
		return "abort"
	case CmdShardMap:
		return "shard-map"
	case CmdMigrate:
		return "migrate"
	case CmdFence:
		return "fence"
	case CmdIngest:
		return "ingest"
	case CmdBarrier:
		return "barrier"
	}
	return "unknown"
}

// Op is one mutation as it travels through the log.
type Op struct {
	Op    structure.Op    `json:"op"`
	Key   string          `json:"key"`
	Value structure.Value `json:"value"`
	Delta int64           `json:"delta,omitempty"`
	Min   *int64          `json:"min,omitempty"`
}

func (o Op) mutation(now time.Time, index uint64) structure.Mutation {
	return structure.Mutation{
		Op:    o.Op,
		Key:   o.Key,
		Value: o.Value,
		Delta: o.Delta,
		Min:   o.Min,
		Now:   now,
		Index: index,
	}
}

// Cmd is the JSON payload of a normal raft entry. ProposedAt is set by the
// proposing leader and is the only clock the state machine looks at.
type Cmd struct {
	ID         uuid.UUID            `json:"id"`
	Kind       CmdKind              `json:"kind"`
	ProposedAt int64                `json:"proposed_at"`
	Ops        []Op                 `json:"ops,omitempty"`
	TxnID      string               `json:"txn,omitempty"`
	Deadline   int64                `json:"deadline,omitempty"`
	Map        *shardmap.Map        `json:"map,omitempty"`
	Items      []structure.Exported `json:"items,omitempty"`
	// Final marks the ingest that closes a hand-off from Source: moving keys
	// of Source that are not in Keys are dropped before Items are installed.
	Final  bool          `json:"final,omitempty"`
	Source types.ShardID `json:"source,omitempty"`
	Keys   []string      `json:"keys,omitempty"`
}

func NewCmd(kind CmdKind) Cmd {
	return Cmd{ID: uuid.New(), Kind: kind}
}

// WriteCmd wraps a single mutation. A zero id gets a fresh one.
func WriteCmd(id uuid.UUID, op Op) Cmd {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return Cmd{ID: id, Kind: CmdWrite, Ops: []Op{op}}
}

func (c Cmd) proposedAt() time.Time { return time.Unix(0, c.ProposedAt).UTC() }
