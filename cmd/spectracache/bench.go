package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"spectracache/pkg/client"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func newBenchCmd() *cobra.Command {
	var (
		endpoints   []string
		ops         int
		concurrency int
		mode        string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure write and read latency against running nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(client.Options{Endpoints: endpoints})
			if err != nil {
				return err
			}
			return bench(cmd.Context(), c, ops, concurrency, types.Consistency(mode))
		},
	}
	cmd.Flags().StringSliceVar(&endpoints, "endpoints", []string{"http://localhost:8080"}, "node base URLs")
	cmd.Flags().IntVar(&ops, "ops", 1000, "operations per test")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "concurrent workers")
	cmd.Flags().StringVar(&mode, "consistency", string(types.ConsistencyQuorum), "read consistency: leader, quorum or local")
	return cmd
}

func bench(ctx context.Context, c *client.Client, ops, concurrency int, mode types.Consistency) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown consistency %q", mode)
	}
	fmt.Println("=== spectracache benchmark ===")

	for _, w := range []int{1, concurrency} {
		fmt.Printf("\nWrites (%d operations, %d workers)\n", ops, w)
		res, err := run(ctx, ops, w, func(ctx context.Context, i int) error {
			_, err := c.Put(ctx, fmt.Sprintf("bench:%d", i), structure.Scalar([]byte(fmt.Sprintf("value-%d", i))))
			return err
		})
		if err != nil {
			return err
		}
		printResult(res)

		fmt.Printf("\nReads %s (%d operations, %d workers)\n", mode, ops, w)
		res, err = run(ctx, ops, w, func(ctx context.Context, i int) error {
			_, err := c.Get(ctx, fmt.Sprintf("bench:%d", i), mode)
			return err
		})
		if err != nil {
			return err
		}
		printResult(res)
	}
	fmt.Println("\n=== Benchmark Complete ===")
	return nil
}

// run splits ops over workers. Failed operations are counted, not returned.
func run(ctx context.Context, ops, workers int, op func(context.Context, int) error) (BenchmarkResult, error) {
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
		failed    int
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < ops; i++ {
		g.Go(func() error {
			opStart := time.Now()
			err := op(gctx, i)
			lat := time.Since(opStart)
			mu.Lock()
			defer mu.Unlock()
			latencies = append(latencies, lat)
			if err != nil {
				failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BenchmarkResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return BenchmarkResult{}, err
	}
	return summarize(latencies, failed, time.Since(start)), nil
}

func summarize(latencies []time.Duration, failed int, d time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      len(latencies),
		SuccessfulOps: len(latencies) - failed,
		FailedOps:     failed,
		Duration:      d,
	}
	if len(latencies) == 0 {
		return res
	}
	slices.Sort(latencies)
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P99Latency = latencies[(len(latencies)*99)/100]
	if d > 0 {
		res.OpsPerSec = float64(res.SuccessfulOps) / d.Seconds()
	}
	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
