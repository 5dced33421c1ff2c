package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/cluster"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

func newDemoCmd(configPath *string) *cobra.Command {
	var nodes, shards int
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process cluster through failover, transactions and rebalancing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(*configPath)
			if err != nil {
				return err
			}
			log := initLogger(cfg.Logger)
			opts := cluster.DefaultLocalOptions()
			opts.Nodes = nodes
			opts.Shards = shards
			opts.Replicas = min(3, nodes)
			opts.Engine = cfg.Engine
			opts.Logger = log
			return demo(cmd.Context(), opts, log)
		},
	}
	cmd.Flags().IntVar(&nodes, "nodes", 4, "nodes in the local cluster")
	cmd.Flags().IntVar(&shards, "shards", 2, "initial shards")
	return cmd
}

func step(format string, args ...any) {
	fmt.Println()
	fmt.Printf("== "+format+"\n", args...)
}

func demo(ctx context.Context, opts cluster.LocalOptions, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	c, err := cluster.NewLocalCluster(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Stop()
	for _, shard := range c.ShardMap().ShardIDs() {
		if _, err := c.WaitLeader(ctx, shard); err != nil {
			return err
		}
	}
	entry := c.Hosts()[0]

	step("write acct:42=100 and acct:7=50 through node %d", entry.ID())
	for key, v := range map[string]string{"acct:42": "100", "acct:7": "50"} {
		if _, err := entry.Do(ctx, api.Request{Op: api.OpPut, Key: key, Value: structure.Scalar([]byte(v))}); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}

	shard, err := entry.Router().Locate("acct:42")
	if err != nil {
		return err
	}
	leader, err := c.WaitLeader(ctx, shard)
	if err != nil {
		return err
	}
	step("kill node %d, leader of shard %d", leader.ID(), shard)
	c.Kill(leader.ID())

	survivor := c.Hosts()[0]
	v, err := readScalar(ctx, survivor, "acct:42")
	if err != nil {
		return err
	}
	fmt.Printf("[node %d] quorum read acct:42 = %s\n", survivor.ID(), v)

	zero := int64(0)
	resp, err := survivor.Do(ctx, api.Request{Op: api.OpIncr, Key: "acct:42", Delta: -30, Min: &zero})
	if err != nil {
		return fmt.Errorf("incr: %w", err)
	}
	fmt.Printf("[node %d] incr acct:42 by -30 = %d\n", survivor.ID(), resp.Number)

	step("transfer 20 from acct:42 to acct:7")
	transfer := func(amount int64) (api.TxnResponse, error) {
		return survivor.Txn(ctx, api.TxnRequest{Ops: []api.TxnOp{
			{Op: api.OpIncr, Key: "acct:42", Delta: -amount, Min: &zero},
			{Op: api.OpIncr, Key: "acct:7", Delta: amount},
		}})
	}
	out, err := transfer(20)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	fmt.Printf("transaction %s: %s\n", out.ID, out.State)

	step("transfer 1000, which would overdraw acct:42")
	out, err = transfer(1000)
	switch {
	case errors.Is(err, cacheerr.ErrTransactionAborted):
		fmt.Printf("transaction %s: %s (%v)\n", out.ID, out.State, err)
	case err != nil:
		return fmt.Errorf("overdraft: %w", err)
	default:
		return fmt.Errorf("overdraft committed")
	}

	step("add a shard and rebalance")
	m, err := survivor.AddShard(ctx, nil)
	if err != nil {
		return fmt.Errorf("add shard: %w", err)
	}
	fmt.Printf("shard map v%d with shards %v\n", m.Version(), m.ShardIDs())

	step("restart node %d", leader.ID())
	if err := c.Restart(leader.ID()); err != nil {
		return err
	}
	for _, key := range []string{"acct:42", "acct:7"} {
		v, err := readScalar(ctx, survivor, key)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", key, v)
	}

	step("group status")
	for _, h := range c.Hosts() {
		for _, s := range h.Status() {
			fmt.Printf("node %d shard %d role=%-9s term=%d leader=%d commit=%d applied=%d members=%v\n",
				h.ID(), s.Shard, s.Role, s.Term, s.Leader, s.Commit, s.Applied, s.Members)
		}
	}
	log.Info("demo finished")
	return nil
}

func readScalar(ctx context.Context, h *cluster.Host, key string) (string, error) {
	resp, err := h.Do(ctx, api.Request{Op: api.OpGet, Key: key, Consistency: types.ConsistencyQuorum})
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return string(resp.Record.Data), nil
}
