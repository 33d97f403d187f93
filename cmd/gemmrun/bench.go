package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gemmrun/internal/gemm"
	"github.com/samcharles93/gemmrun/internal/tensor"
	"github.com/samcharles93/gemmrun/pkg/matrix"
)

func benchCmd() *cli.Command {
	var (
		m, n, k    int64
		batch      int64
		dtypeName  string
		lhsOrder   string
		rhsOrder   string
		outOrder   string
		alpha      float64
		beta       float64
		warmupRuns int64
		benchRuns  int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark a synthetic batched GEMM",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "m", Usage: "output rows", Value: 256, Destination: &m},
			&cli.Int64Flag{Name: "n", Usage: "output columns", Value: 256, Destination: &n},
			&cli.Int64Flag{Name: "k", Usage: "contraction size", Value: 256, Destination: &k},
			&cli.Int64Flag{Name: "batch", Aliases: []string{"b"}, Usage: "batch size", Value: 1, Destination: &batch},
			&cli.StringFlag{Name: "dtype", Usage: "element type (f32, f16, bf16)", Value: "f32", Destination: &dtypeName},
			&cli.StringFlag{Name: "lhs-order", Usage: "lhs memory order", Value: "row_major", Destination: &lhsOrder},
			&cli.StringFlag{Name: "rhs-order", Usage: "rhs memory order", Value: "row_major", Destination: &rhsOrder},
			&cli.StringFlag{Name: "out-order", Usage: "output memory order", Value: "row_major", Destination: &outOrder},
			&cli.Float64Flag{Name: "alpha", Value: 1, Destination: &alpha},
			&cli.Float64Flag{Name: "beta", Value: 0, Destination: &beta},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of warmup runs",
				Value:       1,
				Destination: &warmupRuns,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of benchmark runs",
				Value:       5,
				Destination: &benchRuns,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dtype, err := matrix.ParseDType(dtypeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: --dtype: %v", err), 1)
			}
			var orders [3]matrix.Order
			for i, name := range []string{lhsOrder, rhsOrder, outOrder} {
				if orders[i], err = matrix.ParseOrder(name); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			if benchRuns < 1 {
				return cli.Exit("error: --runs must be at least 1", 1)
			}

			cfg := gemm.Config{
				LhsLayout:    matrix.DenseLayout(dtype, orders[0], batch, m, k),
				RhsLayout:    matrix.DenseLayout(dtype, orders[1], batch, k, n),
				OutputLayout: matrix.DenseLayout(dtype, orders[2], batch, m, n),
				Alpha:        complex(alpha, 0),
				Beta:         beta,
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			var mats [3]*tensor.Mat
			for i, l := range []matrix.Layout{cfg.LhsLayout, cfg.RhsLayout, cfg.OutputLayout} {
				if mats[i], err = tensor.New(l); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = mats[i].Free() }()
				if err := tensor.FillRand(mats[i], int64(i+1)); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			plan, err := s.exec.Plan(ctx, cfg, s.stream)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			once := func() (time.Duration, error) {
				scratch := s.scratch()
				defer func() { _ = scratch.Release() }()
				start := time.Now()
				if err := s.exec.RunGemm(ctx, cfg, mats[0].Mem, mats[1].Mem, mats[2].Mem, s.stream, scratch); err != nil {
					return 0, err
				}
				if err := s.stream.Synchronize(ctx); err != nil {
					return 0, err
				}
				return time.Since(start), nil
			}

			fmt.Println("=== GEMM Benchmark ===")
			fmt.Printf("Shape:    batch=%d m=%d n=%d k=%d dtype=%s\n", batch, m, n, k, dtype)
			fmt.Printf("Orders:   lhs=%s rhs=%s out=%s\n", orders[0], orders[1], orders[2])
			fmt.Printf("Engine:   %s workers=%d\n", plan.Engine.ISA, plan.Engine.Workers)
			fmt.Printf("FP math:  %s\n", plan.FPMathMode)
			fmt.Printf("Scratch:  %d bytes\n", plan.ScratchBytes)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			for i := range int(warmupRuns) {
				s.log.Info("warmup run", "run", i+1)
				if _, err := once(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			flops := 2 * float64(batch*m*n*k)
			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s\n", "Run", "Duration", "GFLOP/s")

			var total, best time.Duration
			for i := range int(benchRuns) {
				d, err := once()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				total += d
				if best == 0 || d < best {
					best = d
				}
				fmt.Printf("%-6d %12s %12.2f\n", i+1, d.Round(time.Microsecond), gflops(flops, d))
			}

			avg := total / time.Duration(benchRuns)
			fmt.Printf("\n%-6s %12s %12.2f\n", "Avg", avg.Round(time.Microsecond), gflops(flops, avg))
			fmt.Printf("%-6s %12s %12.2f\n", "Best", best.Round(time.Microsecond), gflops(flops, best))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

func gflops(flops float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return flops / d.Seconds() / 1e9
}
