package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gemmrun/internal/problem"
)

func planCmd() *cli.Command {
	var (
		problemPath string
		format      string
	)

	return &cli.Command{
		Name:  "plan",
		Usage: "Show how a problem would be normalized and executed",
		Flags: []cli.Flag{
			problemFlag(&problemPath),
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
			p, err := problem.Load(problemPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg, err := p.Config()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			plan, err := s.exec.Plan(ctx, cfg, s.stream)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if format == formatJSON {
				return writeJSON(os.Stdout, plan)
			}
			printPlan(os.Stdout, plan)
			return nil
		},
	}
}
