// Package cacheerr holds the error taxonomy shared by every layer of the cache.
//
// Local errors (NotFound, TypeMismatch, CapacityExceeded) are never retried on
// another node. NotLeader and ShardMoved are retried after re-resolving the
// leader or the shard map, NoQuorum after a backoff.
package cacheerr

import (
	"errors"
	"fmt"

	"spectracache/pkg/types"
)

var (
	ErrNotFound           = errors.New("spectracache: not found")
	ErrTypeMismatch       = errors.New("spectracache: operation not valid for structure kind")
	ErrCapacityExceeded   = errors.New("spectracache: capacity exceeded")
	ErrNotLeader          = errors.New("spectracache: not leader")
	ErrShardMoved         = errors.New("spectracache: shard moved")
	ErrNoQuorum           = errors.New("spectracache: no quorum")
	ErrTransactionAborted = errors.New("spectracache: transaction aborted")
	ErrNodeUnreachable    = errors.New("spectracache: node unreachable")
	ErrKeyLocked          = errors.New("spectracache: key locked by pending transaction")
	ErrInvalidArgument    = errors.New("spectracache: invalid argument")
	ErrConditionFailed    = errors.New("spectracache: condition failed")
	ErrStopped            = errors.New("spectracache: stopped")
)

// NotLeaderError is returned by a replica that is not the leader of its group.
// LeaderID is zero when no leader is known yet.
type NotLeaderError struct {
	Shard    types.ShardID
	LeaderID types.NodeID
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return fmt.Sprintf("shard %d: not leader (leader unknown)", e.Shard)
	}
	return fmt.Sprintf("shard %d: not leader (leader %d)", e.Shard, e.LeaderID)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// ShardMovedError is returned for a key whose range has been handed off.
type ShardMovedError struct {
	Key     string
	Owner   types.ShardID
	Version uint64
}

func (e *ShardMovedError) Error() string {
	return fmt.Sprintf("key %q moved to shard %d (map version %d)", e.Key, e.Owner, e.Version)
}

func (e *ShardMovedError) Is(target error) bool { return target == ErrShardMoved }

// IsRetryable reports whether err may succeed when re-issued with the same
// request id after re-resolving the leader or the shard map.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotLeader),
		errors.Is(err, ErrShardMoved),
		errors.Is(err, ErrNoQuorum),
		errors.Is(err, ErrKeyLocked),
		errors.Is(err, ErrNodeUnreachable):
		return true
	}
	return false
}

// Code is the wire representation of an error class.
type Code string

const (
	CodeOK                 Code = ""
	CodeNotFound           Code = "NOT_FOUND"
	CodeTypeMismatch       Code = "TYPE_MISMATCH"
	CodeCapacityExceeded   Code = "CAPACITY_EXCEEDED"
	CodeNotLeader          Code = "NOT_LEADER"
	CodeShardMoved         Code = "SHARD_MOVED"
	CodeNoQuorum           Code = "NO_QUORUM"
	CodeTransactionAborted Code = "TRANSACTION_ABORTED"
	CodeNodeUnreachable    Code = "NODE_UNREACHABLE"
	CodeKeyLocked          Code = "KEY_LOCKED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeConditionFailed    Code = "CONDITION_FAILED"
	CodeInternal           Code = "INTERNAL"
)

// CodeOf classifies err.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTypeMismatch):
		return CodeTypeMismatch
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrNotLeader):
		return CodeNotLeader
	case errors.Is(err, ErrShardMoved):
		return CodeShardMoved
	case errors.Is(err, ErrNoQuorum):
		return CodeNoQuorum
	case errors.Is(err, ErrTransactionAborted):
		return CodeTransactionAborted
	case errors.Is(err, ErrNodeUnreachable):
		return CodeNodeUnreachable
	case errors.Is(err, ErrKeyLocked):
		return CodeKeyLocked
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrConditionFailed):
		return CodeConditionFailed
	}
	return CodeInternal
}

// Hint carries the retry hints that travel with NotLeader and ShardMoved.
type Hint struct {
	Shard    types.ShardID
	LeaderID types.NodeID
	Key      string
	Version  uint64
}

// FromCode rebuilds an error value from its wire form so that errors.Is keeps
// working on the caller's side.
func FromCode(code Code, msg string, h Hint) error {
	var base error
	switch code {
	case CodeOK:
		return nil
	case CodeNotFound:
		base = ErrNotFound
	case CodeTypeMismatch:
		base = ErrTypeMismatch
	case CodeCapacityExceeded:
		base = ErrCapacityExceeded
	case CodeNotLeader:
		return &NotLeaderError{Shard: h.Shard, LeaderID: h.LeaderID}
	case CodeShardMoved:
		return &ShardMovedError{Key: h.Key, Owner: h.Shard, Version: h.Version}
	case CodeNoQuorum:
		base = ErrNoQuorum
	case CodeTransactionAborted:
		base = ErrTransactionAborted
	case CodeNodeUnreachable:
		base = ErrNodeUnreachable
	case CodeKeyLocked:
		base = ErrKeyLocked
	case CodeInvalidArgument:
		base = ErrInvalidArgument
	case CodeConditionFailed:
		base = ErrConditionFailed
	default:
		return errors.New(msg)
	}
	if msg == "" || msg == base.Error() {
		return base
	}
	return &remoteError{msg: msg, base: base}
}

// remoteError keeps the remote message verbatim while still matching the
// sentinel it was classified as.
type remoteError struct {
	msg  string
	base error
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.base }

// HintOf extracts retry hints from err, if any.
func HintOf(err error) Hint {
	var h Hint
	var nl *NotLeaderError
	if errors.As(err, &nl) {
		h.Shard = nl.Shard
		h.LeaderID = nl.LeaderID
	}
	var sm *ShardMovedError
	if errors.As(err, &sm) {
		h.Shard = sm.Owner
		h.Key = sm.Key
		h.Version = sm.Version
	}
	return h
}
