package api

import (
	"encoding/json"

	"spectracache/pkg/replica"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// Envelope is the body of every JSON response. Result may be set together
// with Error when a command was applied but failed, such as a vote to abort.
type Envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// ProposeRequest asks a node to run a command on its replica of a shard.
type ProposeRequest struct {
	Cmd  replica.Cmd `json:"cmd"`
	Acks int         `json:"acks,omitempty"`
}

// ProposeResult is replica.Result without its error, which travels in the
// envelope.
type ProposeResult struct {
	Res   structure.Result `json:"res"`
	State replica.TxnState `json:"state,omitempty"`
	Index uint64           `json:"index"`
}

func ProposeResultOf(r replica.Result) ProposeResult {
	return ProposeResult{Res: r.Res, State: r.State, Index: r.Index}
}

func (p ProposeResult) Result(err error) replica.Result {
	return replica.Result{Res: p.Res, State: p.State, Index: p.Index, Err: err}
}

type ExportRequest struct {
	Dest  types.ShardID `json:"dest"`
	Since uint64        `json:"since,omitempty"`
}

type EnsureGroupRequest struct {
	Members []types.NodeID `json:"members"`
	Current *shardmap.Map  `json:"current,omitempty"`
}

// AddShardRequest creates a shard; empty Members lets the node place it.
type AddShardRequest struct {
	Members []types.NodeID `json:"members,omitempty"`
}
