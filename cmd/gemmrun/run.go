package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gemmrun/internal/gemm"
	"github.com/samcharles93/gemmrun/internal/problem"
)

type runReport struct {
	Problem      string                `json:"problem"`
	Plan         *gemm.Plan            `json:"plan"`
	ElapsedMS    float64               `json:"elapsed_ms"`
	Values       []float64             `json:"values"`
	Verification *problem.Verification `json:"verification,omitempty"`
}

func runCmd() *cli.Command {
	var (
		problemPath string
		verify      bool
		format      string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run the GEMM described by a problem file",
		Flags: []cli.Flag{
			problemFlag(&problemPath),
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "check the result against a float64 reference",
				Destination: &verify,
			},
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "output format (table, json)",
				Value:       formatTable,
				Destination: &format,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := checkFormat(format); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			report, err := runProblem(ctx, problemPath, verify)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if format == formatJSON {
				if err := writeJSON(os.Stdout, report); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			} else {
				printPlan(os.Stdout, report.Plan)
				fmt.Printf("Elapsed:  %.3f ms\n", report.ElapsedMS)
				if report.Verification != nil {
					printVerification(os.Stdout, *report.Verification)
				}
				fmt.Println()
				printValues(os.Stdout, report.Values, report.Plan.Batch, report.Plan.M, report.Plan.N)
			}

			if report.Verification != nil && !report.Verification.Passed {
				return cli.Exit("error: result does not match the reference", 2)
			}
			return nil
		},
	}
}

func runProblem(ctx context.Context, path string, verify bool) (*runReport, error) {
	p, err := problem.Load(path)
	if err != nil {
		return nil, err
	}
	inst, err := p.Build()
	if err != nil {
		return nil, err
	}
	defer inst.Free()

	s, err := newSession(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	plan, err := s.exec.Plan(ctx, inst.Config, s.stream)
	if err != nil {
		return nil, err
	}
	s.log.Debug("running problem", "path", path, "scratch_bytes", plan.ScratchBytes)

	scratch := s.scratch()
	start := time.Now()
	err = inst.Solve(ctx, s.exec, s.stream, scratch)
	elapsed := time.Since(start)
	if rerr := scratch.Release(); err == nil {
		err = rerr
	}
	if err != nil {
		return nil, err
	}

	report := &runReport{
		Problem:   path,
		Plan:      plan,
		ElapsedMS: float64(elapsed.Microseconds()) / 1e3,
	}
	if report.Values, err = inst.Result(); err != nil {
		return nil, err
	}
	if verify {
		v, err := inst.Check()
		if err != nil {
			return nil, err
		}
		report.Verification = &v
	}
	s.log.Info("gemm completed", "path", path, "elapsed", elapsed)
	return report, nil
}
