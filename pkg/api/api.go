// Package api is the request/response contract between clients and any node
// of the cluster. Every type here is JSON encoded on the wire.
package api

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// Op names a single-key operation.
type Op string

const (
	OpPut         Op = "put"
	OpGet         Op = "get"
	OpDelete      Op = "delete"
	OpIncr        Op = "incr"
	OpRemoveField Op = "remove_field"
	OpClear       Op = "clear"

	OpGetField    Op = "get_field"
	OpRange       Op = "range"
	OpFirst       Op = "first"
	OpLast        Op = "last"
	OpMemberTest  Op = "member_test"
	OpCardinality Op = "cardinality"
	OpNearest     Op = "nearest"
	OpWithin      Op = "within"
	OpTimeRange   Op = "time_range"
	OpNeighbors   Op = "neighbors"
	OpTraverse    Op = "traverse"
)

var mutations = map[Op]structure.Op{
	OpPut:         structure.OpPut,
	OpDelete:      structure.OpDelete,
	OpIncr:        structure.OpIncr,
	OpRemoveField: structure.OpRemoveField,
	OpClear:       structure.OpClear,
}

var queries = map[Op]struct{}{
	OpGet: {}, OpGetField: {}, OpRange: {}, OpFirst: {}, OpLast: {},
	OpMemberTest: {}, OpCardinality: {}, OpNearest: {}, OpWithin: {},
	OpTimeRange: {}, OpNeighbors: {}, OpTraverse: {},
}

// IsWrite reports whether o goes through the replicated log.
func (o Op) IsWrite() bool {
	_, ok := mutations[o]
	return ok
}

func (o Op) Valid() bool {
	if o.IsWrite() {
		return true
	}
	_, ok := queries[o]
	return ok
}

// Mutation returns the engine op behind a write.
func (o Op) Mutation() (structure.Op, bool) {
	m, ok := mutations[o]
	return m, ok
}

// Request is one single-key operation. Which fields matter depends on Op.
type Request struct {
	// ID makes a write idempotent across retries. Empty means the node
	// assigns one, which then only covers its own retries.
	ID          string            `json:"id,omitempty"`
	Op          Op                `json:"op"`
	Key         string            `json:"key"`
	Value       structure.Value   `json:"value,omitempty"`
	Consistency types.Consistency `json:"consistency,omitempty"`

	Delta int64  `json:"delta,omitempty"`
	Min   *int64 `json:"min,omitempty"`

	Field  string  `json:"field,omitempty"`
	Start  string  `json:"start,omitempty"`
	End    string  `json:"end,omitempty"`
	Limit  int     `json:"limit,omitempty"`
	Lat    float64 `json:"lat,omitempty"`
	Lng    float64 `json:"lng,omitempty"`
	K      int     `json:"k,omitempty"`
	Radius float64 `json:"radius_m,omitempty"`
	From   int64   `json:"from,omitempty"`
	To     int64   `json:"to,omitempty"`
	Depth  int     `json:"depth,omitempty"`
}

// Validate checks the fields every node relies on before routing.
func (r Request) Validate() error {
	if !r.Op.Valid() {
		return fmt.Errorf("%w: unknown op %q", cacheerr.ErrInvalidArgument, r.Op)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", cacheerr.ErrInvalidArgument)
	}
	if !r.Consistency.Valid() {
		return fmt.Errorf("%w: unknown consistency %q", cacheerr.ErrInvalidArgument, r.Consistency)
	}
	if r.ID != "" {
		if _, err := uuid.Parse(r.ID); err != nil {
			return fmt.Errorf("%w: request id: %v", cacheerr.ErrInvalidArgument, err)
		}
	}
	switch r.Op {
	case OpPut:
		if !r.Value.Kind.Valid() {
			return fmt.Errorf("%w: put without structure kind", cacheerr.ErrInvalidArgument)
		}
	case OpNearest:
		if r.K <= 0 {
			return fmt.Errorf("%w: nearest needs k > 0", cacheerr.ErrInvalidArgument)
		}
	case OpWithin:
		if r.Radius <= 0 {
			return fmt.Errorf("%w: within needs a positive radius", cacheerr.ErrInvalidArgument)
		}
	case OpTraverse:
		if r.Depth < 0 {
			return fmt.Errorf("%w: negative depth", cacheerr.ErrInvalidArgument)
		}
	}
	return nil
}

// RequestID parses ID, or returns the nil uuid when it is empty.
func (r Request) RequestID() uuid.UUID {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Response carries the result of one Request. Only the fields relevant to
// the op are set.
type Response struct {
	Record    *structure.Record      `json:"record,omitempty"`
	Data      []byte                 `json:"data,omitempty"`
	CacheOnly bool                   `json:"cache_only,omitempty"`
	Existed   bool                   `json:"existed,omitempty"`
	Number    int64                  `json:"number,omitempty"`
	Member    bool                   `json:"member,omitempty"`
	Count     uint64                 `json:"count,omitempty"`
	Pairs     []structure.Pair       `json:"pairs,omitempty"`
	Hits      []structure.SpatialHit `json:"hits,omitempty"`
	Aggregate *structure.Aggregate   `json:"aggregate,omitempty"`
	Points    []structure.Point      `json:"points,omitempty"`
	Edges     []structure.Edge       `json:"edges,omitempty"`
	Nodes     []string               `json:"nodes,omitempty"`
}

// TxnOp is one write inside a transaction.
type TxnOp struct {
	Op    Op              `json:"op"`
	Key   string          `json:"key"`
	Value structure.Value `json:"value,omitempty"`
	Delta int64           `json:"delta,omitempty"`
	Min   *int64          `json:"min,omitempty"`
}

// TxnRequest is a multi-key atomic write. Quorum is "majority" (default),
// "all", or a replica count.
type TxnRequest struct {
	ID          string            `json:"id,omitempty"`
	Ops         []TxnOp           `json:"ops"`
	Consistency types.Consistency `json:"consistency,omitempty"`
	Quorum      string            `json:"quorum,omitempty"`
}

func (r TxnRequest) Validate() error {
	if len(r.Ops) == 0 {
		return fmt.Errorf("%w: transaction without ops", cacheerr.ErrInvalidArgument)
	}
	for i, op := range r.Ops {
		if !op.Op.IsWrite() {
			return fmt.Errorf("%w: op %d: %q is not a write", cacheerr.ErrInvalidArgument, i, op.Op)
		}
		if op.Key == "" {
			return fmt.Errorf("%w: op %d: empty key", cacheerr.ErrInvalidArgument, i)
		}
		if op.Op == OpPut && !op.Value.Kind.Valid() {
			return fmt.Errorf("%w: op %d: put without structure kind", cacheerr.ErrInvalidArgument, i)
		}
	}
	return nil
}

type TxnResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Error is the wire form of a cacheerr value.
type Error struct {
	Code     cacheerr.Code `json:"code"`
	Message  string        `json:"message"`
	Shard    types.ShardID `json:"shard,omitempty"`
	LeaderID types.NodeID  `json:"leader_id,omitempty"`
	Key      string        `json:"key,omitempty"`
	Version  uint64        `json:"version,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// ErrorFrom encodes err, nil for nil.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	h := cacheerr.HintOf(err)
	return &Error{
		Code:     cacheerr.CodeOf(err),
		Message:  err.Error(),
		Shard:    h.Shard,
		LeaderID: h.LeaderID,
		Key:      h.Key,
		Version:  h.Version,
	}
}

// Err decodes e back into a value errors.Is understands.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	return cacheerr.FromCode(e.Code, e.Message, cacheerr.Hint{
		Shard:    e.Shard,
		LeaderID: e.LeaderID,
		Key:      e.Key,
		Version:  e.Version,
	})
}
