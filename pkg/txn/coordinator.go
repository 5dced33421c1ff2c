// Package txn drives two-phase commit across shards. Every participant is a
// replica group: prepare, commit and abort are log entries on its leader, so
// a participant's vote and outcome survive leader changes. Participants abort
// prepared transactions on their own once the deadline passes, which bounds
// how long a crashed coordinator can hold locks.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"spectracache/internal/validate"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/clock"
	"spectracache/pkg/replica"
	"spectracache/pkg/types"
)

// Participants is how the coordinator reaches shard leaders.
type Participants interface {
	Locate(key string) (types.ShardID, error)
	Propose(ctx context.Context, shard types.ShardID, cmd replica.Cmd, acks int) (replica.Result, error)
}

// Quorum is the replication level a commit waits for. Zero means majority.
type Quorum int

const (
	QuorumMajority Quorum = 0
	QuorumAll      Quorum = -1
)

// ParseQuorum accepts "majority", "all" or a replica count.
func ParseQuorum(s string) (Quorum, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "majority":
		return QuorumMajority, nil
	case "all":
		return QuorumAll, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: quorum level %q", cacheerr.ErrInvalidArgument, s)
	}
	return Quorum(n), nil
}

func (q Quorum) String() string {
	switch q {
	case QuorumMajority:
		return "majority"
	case QuorumAll:
		return "all"
	}
	return strconv.Itoa(int(q))
}

type Config struct {
	// PreparedTimeout is how long participants hold a prepared transaction.
	PreparedTimeout time.Duration `yaml:"prepared_timeout" validate:"required"`
	// SafetyMargin is subtracted from the deadline; no commit is sent later.
	SafetyMargin time.Duration `yaml:"safety_margin" validate:"required,ltfield=PreparedTimeout"`
	// OutcomeTTL is how long decided transactions are remembered.
	OutcomeTTL time.Duration `yaml:"outcome_ttl" validate:"required"`
}

func DefaultConfig() Config {
	return Config{
		PreparedTimeout: 5 * time.Second,
		SafetyMargin:    500 * time.Millisecond,
		OutcomeTTL:      10 * time.Minute,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("txn: %w", err)
	}
	return nil
}

// Outcome is the decision for one transaction id.
type Outcome struct {
	ID    string
	State replica.TxnState
	Err   error
	at    time.Time
}

type Coordinator struct {
	parts Participants
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu       sync.Mutex
	outcomes map[string]*Outcome
	inflight map[string]chan struct{}
}

func NewCoordinator(parts Participants, cfg Config, clk clock.Clock, log *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		parts:    parts,
		cfg:      cfg,
		clock:    clk,
		log:      log.With("component", "txn"),
		outcomes: make(map[string]*Outcome),
		inflight: make(map[string]chan struct{}),
	}
}

// Execute runs ops atomically. A retry with the same id returns the first
// decision while it is remembered; a concurrent duplicate waits for it.
func (c *Coordinator) Execute(ctx context.Context, id string, ops []replica.Op, q Quorum) (Outcome, error) {
	if id == "" {
		id = uuid.NewString()
	}
	for {
		c.mu.Lock()
		c.gcLocked()
		if o, ok := c.outcomes[id]; ok {
			c.mu.Unlock()
			return *o, o.Err
		}
		wait, busy := c.inflight[id]
		if !busy {
			c.inflight[id] = make(chan struct{})
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Outcome{ID: id}, ctx.Err()
		}
	}

	o := c.run(ctx, id, ops, q)

	c.mu.Lock()
	if o.State.Terminal() {
		c.outcomes[id] = &o
	}
	close(c.inflight[id])
	delete(c.inflight, id)
	c.mu.Unlock()
	return o, o.Err
}

func (c *Coordinator) gcLocked() {
	cutoff := c.clock.Now().Add(-c.cfg.OutcomeTTL)
	for id, o := range c.outcomes {
		if o.at.Before(cutoff) {
			delete(c.outcomes, id)
		}
	}
}

// Outcome returns the remembered decision for id.
func (c *Coordinator) Outcome(id string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.outcomes[id]
	if !ok {
		return Outcome{}, false
	}
	return *o, true
}

// phaseCmd derives a stable command id, so a retried phase is deduplicated
// by the participant's log.
func phaseCmd(kind replica.CmdKind, txnID string, shard types.ShardID) replica.Cmd {
	name := fmt.Sprintf("%s/%s/%d", txnID, kind, shard)
	return replica.Cmd{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)), Kind: kind, TxnID: txnID}
}

func (c *Coordinator) run(ctx context.Context, id string, ops []replica.Op, q Quorum) Outcome {
	log := c.log.With("txn", id)
	groups, err := c.partition(ops)
	if err != nil {
		return Outcome{ID: id, State: replica.TxnAborted, Err: err, at: c.clock.Now()}
	}
	shards := make([]types.ShardID, 0, len(groups))
	for s := range groups {
		shards = append(shards, s)
	}
	slices.Sort(shards)

	deadline := c.clock.Now().Add(c.cfg.PreparedTimeout)
	commitBy := deadline.Add(-c.cfg.SafetyMargin)
	log.Debug("prepare", "shards", shards, "deadline", deadline)

	voteErr := c.prepare(ctx, id, shards, groups, deadline)
	if voteErr == nil && !c.clock.Now().Before(commitBy) {
		voteErr = fmt.Errorf("prepare finished after the commit deadline")
	}
	if voteErr != nil {
		c.abort(ctx, id, shards)
		log.Info("transaction aborted", "error", voteErr)
		err := voteErr
		if !errors.Is(err, cacheerr.ErrTransactionAborted) {
			err = fmt.Errorf("%w: %v", cacheerr.ErrTransactionAborted, voteErr)
		}
		return Outcome{ID: id, State: replica.TxnAborted, Err: err, at: c.clock.Now()}
	}

	if err := c.commit(ctx, id, shards, q); err != nil {
		// Some participant may have committed already; the decision stands
		// and the caller learns the outcome could not be confirmed.
		log.Error("commit not confirmed by every participant", "error", err)
		return Outcome{ID: id, State: replica.TxnCommitting, Err: err, at: c.clock.Now()}
	}
	log.Debug("transaction committed", "shards", shards)
	return Outcome{ID: id, State: replica.TxnCommitted, at: c.clock.Now()}
}

func (c *Coordinator) partition(ops []replica.Op) (map[types.ShardID][]replica.Op, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: transaction without ops", cacheerr.ErrInvalidArgument)
	}
	groups := make(map[types.ShardID][]replica.Op)
	for _, op := range ops {
		shard, err := c.parts.Locate(op.Key)
		if err != nil {
			return nil, fmt.Errorf("locate %s: %w", op.Key, err)
		}
		groups[shard] = append(groups[shard], op)
	}
	return groups, nil
}

// prepare asks every participant for its vote. The first no vote cancels
// the outstanding requests.
func (c *Coordinator) prepare(ctx context.Context, id string, shards []types.ShardID, groups map[types.ShardID][]replica.Op, deadline time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PreparedTimeout-c.cfg.SafetyMargin)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		cmd := phaseCmd(replica.CmdPrepare, id, shard)
		cmd.Ops = groups[shard]
		cmd.Deadline = deadline.UnixNano()
		g.Go(func() error {
			res, err := c.parts.Propose(gctx, shard, cmd, 0)
			if err != nil {
				return fmt.Errorf("shard %d: %w", shard, err)
			}
			if res.State != replica.TxnPrepared {
				return fmt.Errorf("%w: shard %d voted %s", cacheerr.ErrTransactionAborted, shard, res.State)
			}
			return nil
		})
	}
	return g.Wait()
}

// commit delivers the decision to every participant and waits for the
// requested replication level on each.
func (c *Coordinator) commit(ctx context.Context, id string, shards []types.ShardID, q Quorum) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		cmd := phaseCmd(replica.CmdCommit, id, shard)
		g.Go(func() error {
			res, err := c.parts.Propose(gctx, shard, cmd, int(q))
			if err != nil {
				return fmt.Errorf("shard %d: %w", shard, err)
			}
			if res.State != replica.TxnCommitted {
				return fmt.Errorf("shard %d reports %s", shard, res.State)
			}
			return nil
		})
	}
	return g.Wait()
}

// abort is best effort: a participant that misses it aborts on its own
// after the deadline.
func (c *Coordinator) abort(ctx context.Context, id string, shards []types.ShardID) {
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PreparedTimeout)
	defer cancel()

	var g errgroup.Group
	for _, shard := range shards {
		cmd := phaseCmd(replica.CmdAbort, id, shard)
		g.Go(func() error {
			if _, err := c.parts.Propose(ctx, shard, cmd, 0); err != nil {
				c.log.Warn("abort not delivered", "txn", id, "shard", shard, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
