package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// TxnState is the participant-side state of a transaction.
type TxnState string

const (
	TxnPreparing  TxnState = "Preparing"
	TxnPrepared   TxnState = "Prepared"
	TxnCommitting TxnState = "Committing"
	TxnCommitted  TxnState = "Committed"
	TxnAborted    TxnState = "Aborted"
)

// Terminal reports whether s is Committed or Aborted.
func (s TxnState) Terminal() bool { return s == TxnCommitted || s == TxnAborted }

// Result is what applying one command produced.
type Result struct {
	Res   structure.Result
	State TxnState
	Err   error
	// Index is the log index the command was applied at.
	Index uint64
}

// record is the replicated form of a Result kept for request dedup.
type record struct {
	ID    uuid.UUID        `json:"id"`
	At    int64            `json:"at"`
	Res   structure.Result `json:"res"`
	State TxnState         `json:"state,omitempty"`
	Code  cacheerr.Code    `json:"code,omitempty"`
	Msg   string           `json:"msg,omitempty"`
	Hint  cacheerr.Hint    `json:"hint"`
}

func (r *record) result() Result {
	res := Result{Res: r.Res, State: r.State}
	if r.Code != cacheerr.CodeOK {
		res.Err = cacheerr.FromCode(r.Code, r.Msg, r.Hint)
	}
	return res
}

type preparedTxn struct {
	ID         string `json:"id"`
	Ops        []Op   `json:"ops"`
	Deadline   int64  `json:"deadline"`
	PreparedAt int64  `json:"prepared_at"`
	Reserved   int    `json:"reserved"`
}

type outcome struct {
	TxnID string   `json:"txn"`
	State TxnState `json:"state"`
	At    int64    `json:"at"`
}

// PreparedInfo describes a transaction holding locks on this shard.
type PreparedInfo struct {
	TxnID    string
	Deadline time.Time
	Keys     []string
}

type FSMOptions struct {
	Shard           types.ShardID
	Engine          *structure.Engine
	Map             *shardmap.Map
	DedupWindow     time.Duration
	PreparedTimeout time.Duration
	// OnShardMap is called from the apply loop after a newer map is installed.
	OnShardMap func(*shardmap.Map)
	Logger     *slog.Logger
}

// FSM is the replicated state machine of one shard: the structure engine
// plus request dedup, transaction participant state and shard ownership.
// Apply is only called from the group's raft loop.
type FSM struct {
	shard           types.ShardID
	engine          *structure.Engine
	log             *slog.Logger
	dedupWindow     time.Duration
	preparedTimeout time.Duration
	onShardMap      func(*shardmap.Map)

	mu       sync.RWMutex
	smap     *shardmap.Map
	next     *shardmap.Map
	fenced   bool
	applied  uint64
	dedup    map[uuid.UUID]*record
	dedupQ   []uuid.UUID
	prepared map[string]*preparedTxn
	outcomes map[string]*outcome
	outcomeQ []string
	locks    map[string]string
	unlocked chan struct{}
}

func NewFSM(opts FSMOptions) *FSM {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 10 * time.Minute
	}
	if opts.PreparedTimeout <= 0 {
		opts.PreparedTimeout = 5 * time.Second
	}
	return &FSM{
		shard:           opts.Shard,
		engine:          opts.Engine,
		log:             opts.Logger.With("shard", opts.Shard),
		dedupWindow:     opts.DedupWindow,
		preparedTimeout: opts.PreparedTimeout,
		onShardMap:      opts.OnShardMap,
		smap:            opts.Map,
		dedup:           make(map[uuid.UUID]*record),
		prepared:        make(map[string]*preparedTxn),
		outcomes:        make(map[string]*outcome),
		locks:           make(map[string]string),
		unlocked:        make(chan struct{}),
	}
}

func (f *FSM) Engine() *structure.Engine { return f.engine }

// Apply executes cmd committed at index.
func (f *FSM) Apply(index uint64, cmd Cmd) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if index != 0 && index <= f.applied {
		return Result{}
	}
	if index != 0 {
		f.applied = index
	}
	now := cmd.proposedAt()
	if rec, ok := f.dedup[cmd.ID]; ok && cmd.ID != uuid.Nil {
		return rec.result()
	}
	f.engine.Expire(now)

	var res Result
	switch cmd.Kind {
	case CmdWrite:
		res = f.applyWrite(index, now, cmd)
	case CmdPrepare:
		res = f.applyPrepare(now, cmd)
	case CmdCommit:
		res = f.applyCommit(index, now, cmd)
	case CmdAbort:
		res = f.applyAbort(now, cmd)
	case CmdShardMap:
		res = f.applyShardMap(cmd)
	case CmdMigrate:
		res = f.applyMigrate(cmd)
	case CmdFence:
		res = f.applyFence()
	case CmdIngest:
		res = f.applyIngest(cmd)
	case CmdBarrier:
	default:
		res.Err = fmt.Errorf("%w: unknown command kind %d", cacheerr.ErrInvalidArgument, cmd.Kind)
	}

	f.remember(cmd.ID, now, res)
	f.gc(now)
	return res
}

func (f *FSM) applyWrite(index uint64, now time.Time, cmd Cmd) Result {
	if len(cmd.Ops) != 1 {
		return Result{Err: fmt.Errorf("%w: write carries %d ops", cacheerr.ErrInvalidArgument, len(cmd.Ops))}
	}
	op := cmd.Ops[0]
	if err := f.checkWritableLocked(op.Key); err != nil {
		return Result{Err: err}
	}
	if holder, ok := f.locks[op.Key]; ok {
		return Result{Err: fmt.Errorf("%w: %s held by %s", cacheerr.ErrKeyLocked, op.Key, holder)}
	}
	res, err := f.engine.Apply(op.mutation(now, index))
	return Result{Res: res, Err: err}
}

func (f *FSM) applyPrepare(now time.Time, cmd Cmd) Result {
	id := cmd.TxnID
	if id == "" {
		return Result{Err: fmt.Errorf("%w: prepare without transaction id", cacheerr.ErrInvalidArgument)}
	}
	if o, ok := f.outcomes[id]; ok {
		return Result{State: o.State}
	}
	if _, ok := f.prepared[id]; ok {
		return Result{State: TxnPrepared}
	}
	if err := f.checkTxnLocked(id, cmd.Ops); err != nil {
		return f.voteAbort(id, now, err)
	}

	deadline := cmd.Deadline
	if deadline == 0 {
		deadline = now.Add(f.preparedTimeout).UnixNano()
	}
	p := &preparedTxn{
		ID:         id,
		Ops:        cmd.Ops,
		Deadline:   deadline,
		PreparedAt: now.UnixNano(),
	}
	// The ops are checked as one sequence with their keys already pinned, so
	// nothing but this transaction's commit can change what was checked.
	f.lockLocked(p)
	reserved, err := f.engine.ReserveBatch(p.mutations(0))
	if err != nil {
		f.unlockLocked(p)
		return f.voteAbort(id, now, err)
	}
	p.Reserved = reserved
	return Result{State: TxnPrepared}
}

func (f *FSM) voteAbort(id string, now time.Time, err error) Result {
	f.recordOutcome(id, TxnAborted, now)
	f.log.Info("transaction vote abort", "txn", id, "error", err)
	return Result{State: TxnAborted, Err: err}
}

// checkTxnLocked checks that every key of ops may be written and is not held
// by another transaction.
func (f *FSM) checkTxnLocked(id string, ops []Op) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty transaction", cacheerr.ErrInvalidArgument)
	}
	for _, op := range ops {
		if err := f.checkWritableLocked(op.Key); err != nil {
			return err
		}
		if holder, ok := f.locks[op.Key]; ok && holder != id {
			return fmt.Errorf("%w: %s held by %s", cacheerr.ErrKeyLocked, op.Key, holder)
		}
	}
	return nil
}

// mutations evaluates the ops at prepare time; TTLs and conditions then
// read the same clock at commit as they did when the vote was cast.
func (p *preparedTxn) mutations(index uint64) []structure.Mutation {
	at := time.Unix(0, p.PreparedAt)
	muts := make([]structure.Mutation, len(p.Ops))
	for i, op := range p.Ops {
		muts[i] = op.mutation(at, index)
	}
	return muts
}

func (f *FSM) lockLocked(p *preparedTxn) {
	f.prepared[p.ID] = p
	for _, op := range p.Ops {
		if _, ok := f.locks[op.Key]; !ok {
			f.locks[op.Key] = p.ID
			f.engine.Pin(op.Key)
		}
	}
}

func (f *FSM) unlockLocked(p *preparedTxn) {
	for _, op := range p.Ops {
		if f.locks[op.Key] == p.ID {
			delete(f.locks, op.Key)
			f.engine.Unpin(op.Key)
		}
	}
	delete(f.prepared, p.ID)
	close(f.unlocked)
	f.unlocked = make(chan struct{})
}

func (f *FSM) releaseLocked(p *preparedTxn) {
	f.unlockLocked(p)
	f.engine.Release(p.Reserved)
}

func (f *FSM) applyCommit(index uint64, now time.Time, cmd Cmd) Result {
	id := cmd.TxnID
	if o, ok := f.outcomes[id]; ok {
		if o.State == TxnCommitted {
			return Result{State: TxnCommitted}
		}
		return Result{State: TxnAborted, Err: fmt.Errorf("%w: %s", cacheerr.ErrTransactionAborted, id)}
	}
	p, ok := f.prepared[id]
	if !ok {
		f.recordOutcome(id, TxnAborted, now)
		return Result{State: TxnAborted, Err: fmt.Errorf("%w: %s was never prepared here", cacheerr.ErrTransactionAborted, id)}
	}
	// A Prepared vote promised the commit would apply. Failing now would
	// leave the other participants committed, so the replica stops instead.
	for _, op := range p.Ops {
		if err := f.checkOwnedLocked(op.Key); err != nil {
			f.breach(id, err)
		}
	}
	if _, err := f.engine.CommitBatch(p.mutations(index)); err != nil {
		f.breach(id, err)
	}
	f.releaseLocked(p)
	f.recordOutcome(id, TxnCommitted, now)
	return Result{State: TxnCommitted}
}

func (f *FSM) breach(id string, err error) {
	f.log.Error("prepared transaction cannot commit", "txn", id, "error", err)
	panic(fmt.Sprintf("shard %d: commit of prepared transaction %s failed: %v", f.shard, id, err))
}

func (f *FSM) applyAbort(now time.Time, cmd Cmd) Result {
	id := cmd.TxnID
	if o, ok := f.outcomes[id]; ok {
		return Result{State: o.State}
	}
	if p, ok := f.prepared[id]; ok {
		f.releaseLocked(p)
	}
	f.recordOutcome(id, TxnAborted, now)
	return Result{State: TxnAborted}
}

func (f *FSM) applyShardMap(cmd Cmd) Result {
	if cmd.Map == nil {
		return Result{Err: fmt.Errorf("%w: shard map command without map", cacheerr.ErrInvalidArgument)}
	}
	if f.smap != nil && cmd.Map.Version() <= f.smap.Version() {
		return Result{}
	}
	if key, holder, ok := f.lockedMovingLocked(cmd.Map); ok {
		return Result{Err: fmt.Errorf("%w: %s held by %s moves under map v%d", cacheerr.ErrKeyLocked, key, holder, cmd.Map.Version())}
	}
	f.smap = cmd.Map
	if f.next != nil && f.next.Version() <= cmd.Map.Version() {
		f.next, f.fenced = nil, false
	}
	dropped := f.engine.DropWhere(func(key string) bool {
		owner, err := f.smap.Locate(key)
		return err != nil || owner != f.shard
	})
	f.log.Info("installed shard map", "version", cmd.Map.Version(), "dropped", dropped)
	if f.onShardMap != nil {
		f.onShardMap(cmd.Map)
	}
	return Result{}
}

// applyFence stops writes and new prepares on keys that move under the
// announced map. It reports KeyLocked until prepared transactions holding
// moving keys resolve; the fence stays up meanwhile so they can only drain.
func (f *FSM) applyFence() Result {
	if f.next == nil {
		return Result{Err: fmt.Errorf("%w: fence without migration", cacheerr.ErrInvalidArgument)}
	}
	f.fenced = true
	if key, holder, ok := f.lockedMovingLocked(f.next); ok {
		return Result{Err: fmt.Errorf("%w: moving key %s held by %s", cacheerr.ErrKeyLocked, key, holder)}
	}
	return Result{}
}

// lockedMovingLocked returns the smallest locked key that m places on
// another shard.
func (f *FSM) lockedMovingLocked(m *shardmap.Map) (key, holder string, ok bool) {
	for k, h := range f.locks {
		to, err := m.Locate(k)
		if err == nil && to == f.shard {
			continue
		}
		if !ok || k < key {
			key, holder, ok = k, h, true
		}
	}
	return key, holder, ok
}

func (f *FSM) applyIngest(cmd Cmd) Result {
	if cmd.Final && f.smap != nil {
		keep := make(map[string]struct{}, len(cmd.Keys))
		for _, k := range cmd.Keys {
			keep[k] = struct{}{}
		}
		dropped := f.engine.DropWhere(func(key string) bool {
			if _, ok := keep[key]; ok {
				return false
			}
			owner, err := f.smap.Locate(key)
			return err == nil && owner == cmd.Source && owner != f.shard
		})
		if dropped > 0 {
			f.log.Debug("dropped keys deleted during hand-off", "source", cmd.Source, "dropped", dropped)
		}
	}
	if err := f.engine.Import(cmd.Items); err != nil {
		return Result{Err: fmt.Errorf("ingest: %w", err)}
	}
	return Result{}
}

func (f *FSM) applyMigrate(cmd Cmd) Result {
	if cmd.Map == nil || (f.smap != nil && cmd.Map.Version() <= f.smap.Version()) {
		return Result{Err: fmt.Errorf("%w: migration target must be newer than the installed map", cacheerr.ErrInvalidArgument)}
	}
	f.next, f.fenced = cmd.Map, false
	return Result{}
}

func (f *FSM) checkWritableLocked(key string) error {
	if err := f.checkOwnedLocked(key); err != nil {
		return err
	}
	if f.fenced && f.next != nil {
		if to, err := f.next.Locate(key); err == nil && to != f.shard {
			return &cacheerr.ShardMovedError{Key: key, Owner: to, Version: f.next.Version()}
		}
	}
	return nil
}

func (f *FSM) checkOwnedLocked(key string) error {
	if f.smap == nil {
		return nil
	}
	owner, err := f.smap.Locate(key)
	if err != nil {
		return err
	}
	if owner != f.shard {
		return &cacheerr.ShardMovedError{Key: key, Owner: owner, Version: f.smap.Version()}
	}
	return nil
}

func (f *FSM) remember(id uuid.UUID, now time.Time, res Result) {
	if id == uuid.Nil || cacheerr.IsRetryable(res.Err) {
		return
	}
	rec := &record{ID: id, At: now.UnixNano(), Res: res.Res, State: res.State}
	if res.Err != nil {
		rec.Code = cacheerr.CodeOf(res.Err)
		rec.Msg = res.Err.Error()
		rec.Hint = cacheerr.HintOf(res.Err)
	}
	f.dedup[id] = rec
	f.dedupQ = append(f.dedupQ, id)
}

func (f *FSM) recordOutcome(id string, state TxnState, now time.Time) {
	if _, ok := f.outcomes[id]; !ok {
		f.outcomeQ = append(f.outcomeQ, id)
	}
	f.outcomes[id] = &outcome{TxnID: id, State: state, At: now.UnixNano()}
}

// gc forgets dedup records and transaction outcomes older than the window.
// Queues are in apply order, so every replica drops the same records.
func (f *FSM) gc(now time.Time) {
	cutoff := now.Add(-f.dedupWindow).UnixNano()
	for len(f.dedupQ) > 0 {
		rec, ok := f.dedup[f.dedupQ[0]]
		if ok && rec.At >= cutoff {
			break
		}
		delete(f.dedup, f.dedupQ[0])
		f.dedupQ = f.dedupQ[1:]
	}
	for len(f.outcomeQ) > 0 {
		o, ok := f.outcomes[f.outcomeQ[0]]
		if ok && o.At >= cutoff {
			break
		}
		delete(f.outcomes, f.outcomeQ[0])
		f.outcomeQ = f.outcomeQ[1:]
	}
}

// CheckReadable returns ShardMoved when key is not served by this shard.
func (f *FSM) CheckReadable(key string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.checkOwnedLocked(key)
}

// CheckWritable also rejects keys fenced by a running migration.
func (f *FSM) CheckWritable(key string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.checkWritableLocked(key)
}

// WaitUnlocked blocks until no prepared transaction holds key or ctx ends.
func (f *FSM) WaitUnlocked(ctx context.Context, key string) error {
	for {
		f.mu.RLock()
		holder, locked := f.locks[key]
		ch := f.unlocked
		f.mu.RUnlock()
		if !locked {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s held by %s", cacheerr.ErrKeyLocked, key, holder)
		}
	}
}

func (f *FSM) ShardMap() *shardmap.Map {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.smap
}

// Migration returns the announced target map and whether writes to moving
// keys are fenced.
func (f *FSM) Migration() (*shardmap.Map, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.next, f.fenced
}

func (f *FSM) Applied() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.applied
}

func (f *FSM) Outcome(txnID string) (TxnState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if o, ok := f.outcomes[txnID]; ok {
		return o.State, true
	}
	if _, ok := f.prepared[txnID]; ok {
		return TxnPrepared, true
	}
	return "", false
}

// Prepared lists transactions holding locks, earliest deadline first.
func (f *FSM) Prepared() []PreparedInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PreparedInfo, 0, len(f.prepared))
	for _, p := range f.prepared {
		info := PreparedInfo{TxnID: p.ID, Deadline: time.Unix(0, p.Deadline)}
		for _, op := range p.Ops {
			info.Keys = append(info.Keys, op.Key)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].TxnID < out[j].TxnID
	})
	return out
}

// Handoff is the part of a shard that a migration moves to one destination.
// Keys lists every live moving key; Items only those written after Since.
type Handoff struct {
	Items []structure.Exported `json:"items"`
	Keys  []string             `json:"keys"`
	Since uint64               `json:"since"`
	// Index is the applied index the export was taken at.
	Index uint64 `json:"index"`
}

// ExportMoving returns the entries that the announced migration hands to dest
// and that were written after since.
func (f *FSM) ExportMoving(dest types.ShardID, now time.Time, since uint64) (Handoff, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.next == nil {
		return Handoff{}, fmt.Errorf("%w: no migration in progress", cacheerr.ErrInvalidArgument)
	}
	next := f.next
	items, err := f.engine.Export(now, func(key string) bool {
		to, err := next.Locate(key)
		return err == nil && to == dest
	})
	if err != nil {
		return Handoff{}, err
	}
	h := Handoff{Since: since, Index: f.applied, Keys: make([]string, 0, len(items))}
	for _, it := range items {
		h.Keys = append(h.Keys, it.Key)
		if it.Meta.WriteIndex > since {
			h.Items = append(h.Items, it)
		}
	}
	return h, nil
}

type fsmState struct {
	Applied  uint64         `json:"applied"`
	Map      *shardmap.Map  `json:"map,omitempty"`
	Next     *shardmap.Map  `json:"next,omitempty"`
	Fenced   bool           `json:"fenced,omitempty"`
	Dedup    []*record      `json:"dedup"`
	Prepared []*preparedTxn `json:"prepared"`
	Outcomes []*outcome     `json:"outcomes"`
	Engine   []byte         `json:"engine"`
}

// Snapshot encodes the full state machine.
func (f *FSM) Snapshot() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	eng, err := f.engine.Snapshot()
	if err != nil {
		return nil, err
	}
	st := fsmState{
		Applied: f.applied,
		Map:     f.smap,
		Next:    f.next,
		Fenced:  f.fenced,
		Engine:  eng,
	}
	for _, id := range f.dedupQ {
		if rec, ok := f.dedup[id]; ok {
			st.Dedup = append(st.Dedup, rec)
		}
	}
	ids := make([]string, 0, len(f.prepared))
	for id := range f.prepared {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st.Prepared = append(st.Prepared, f.prepared[id])
	}
	for _, id := range f.outcomeQ {
		if o, ok := f.outcomes[id]; ok {
			st.Outcomes = append(st.Outcomes, o)
		}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal fsm snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the state machine with a Snapshot result.
func (f *FSM) Restore(data []byte) error {
	var st fsmState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal fsm snapshot: %w", err)
	}
	if len(st.Engine) == 0 {
		return errors.New("fsm snapshot has no engine state")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.engine.Restore(st.Engine); err != nil {
		return err
	}
	f.applied = st.Applied
	if st.Map != nil {
		f.smap = st.Map
	}
	f.next, f.fenced = st.Next, st.Fenced

	f.dedup = make(map[uuid.UUID]*record, len(st.Dedup))
	f.dedupQ = f.dedupQ[:0]
	for _, rec := range st.Dedup {
		f.dedup[rec.ID] = rec
		f.dedupQ = append(f.dedupQ, rec.ID)
	}
	f.outcomes = make(map[string]*outcome, len(st.Outcomes))
	f.outcomeQ = f.outcomeQ[:0]
	for _, o := range st.Outcomes {
		f.outcomes[o.TxnID] = o
		f.outcomeQ = append(f.outcomeQ, o.TxnID)
	}
	f.prepared = make(map[string]*preparedTxn, len(st.Prepared))
	f.locks = make(map[string]string)
	for _, p := range st.Prepared {
		f.lockLocked(p)
		f.engine.Reserve(p.Reserved)
	}
	close(f.unlocked)
	f.unlocked = make(chan struct{})
	return nil
}
