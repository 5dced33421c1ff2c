package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"spectracache/internal/config"
	ihttp "spectracache/internal/http"
	"spectracache/pkg/client"
	"spectracache/pkg/cluster"
	"spectracache/pkg/membership"
	"spectracache/pkg/metrics"
	"spectracache/pkg/replica"
	"spectracache/pkg/shardmap"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a cache node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(*configPath)
			if err != nil {
				return err
			}
			log := initLogger(cfg.Logger)
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	peers := cfg.Members()
	ids := slices.Sorted(maps.Keys(peers))
	boot, err := shardmap.Initial(cfg.Sharding.Shards, ids, min(cfg.Sharding.Replicas, len(ids)), cfg.Sharding.VNodes)
	if err != nil {
		return fmt.Errorf("bootstrap shard map: %w", err)
	}

	transport := replica.NewHTTPTransport(peers, log)
	nodes := client.NewFactory(transport.Peer, &http.Client{Timeout: cfg.Raft.ProposalTimeout * 2})
	prom := metrics.NewPrometheus()

	host, err := cluster.NewHost(cluster.Options{
		ID:         cfg.Node.ID,
		Addr:       cfg.Node.Addr,
		Peers:      peers,
		Map:        boot,
		Engine:     cfg.Engine,
		Replica:    cfg.Raft,
		Txn:        cfg.Txn,
		Retry:      cfg.Retry,
		Membership: cfg.Membership,
		DataDir:    cfg.Node.DataDir,
		Transport:  transport,
		NewClient:  nodes.Remote,
		Probe:      nodes.Probe,
		Metrics:    prom,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	if err := prom.RegisterEngineStats(host.EngineStats); err != nil {
		return fmt.Errorf("register engine metrics: %w", err)
	}
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer host.Stop()

	server := ihttp.NewServer(host, ihttp.Options{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Metrics:         promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{}),
		Logger:          log,
	})
	if err := server.Start(); err != nil {
		return err
	}

	if len(cfg.ZooKeeper.Servers) > 0 {
		zk, err := membership.NewZKDiscovery(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, cfg.Node.ID, cfg.Node.Addr, log)
		if err != nil {
			_ = server.Stop()
			return fmt.Errorf("connect to zookeeper: %w", err)
		}
		defer zk.Close()
		if err := zk.RegisterSelf(ctx); err != nil {
			_ = server.Stop()
			return fmt.Errorf("register in zookeeper: %w", err)
		}
		go zk.Watch(ctx, host.Detector())
	}

	log.Info("node running", "id", cfg.Node.ID, "addr", cfg.Node.Addr, "shards", len(boot.ShardIDs()))
	<-ctx.Done()

	log.Info("shutting down")
	if err := server.Stop(); err != nil {
		log.Error("Error stopping server", "error", err)
	}
	return nil
}
