package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// ShardID identifies a logical shard. Every shard owns exactly one replica group.
type ShardID uint32

// NodeID identifies a node in a cluster. It doubles as the raft replica id.
type NodeID uint64

// Term and LogIndex are used by the consensus core.
type Term uint64

type LogIndex uint64

// Consistency selects how a read is served.
type Consistency string

const (
	// ConsistencyLeader reads from the leader's applied state.
	ConsistencyLeader Consistency = "leader"
	// ConsistencyQuorum confirms leadership with a majority round before reading.
	ConsistencyQuorum Consistency = "quorum"
	// ConsistencyLocal reads whatever the contacted member has applied.
	ConsistencyLocal Consistency = "local"
)

// Valid reports whether c is one of the known read modes. Empty means default.
func (c Consistency) Valid() bool {
	switch c {
	case "", ConsistencyLeader, ConsistencyQuorum, ConsistencyLocal:
		return true
	}
	return false
}

// OrDefault returns c or quorum when c is empty.
func (c Consistency) OrDefault() Consistency {
	if c == "" {
		return ConsistencyQuorum
	}
	return c
}
