package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gemmrun/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:   "gemmrun",
		Usage:  "Batched GEMM executor CLI",
		Flags:  append(loggingFlags(), engineFlags()...),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			planCmd(),
			benchCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup merges the config file under the flags and installs the logger.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configPath()
	cfg, err := LoadConfig(path)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: load config %s: %v", path, err), 1)
	}
	applyConfig(cmd, cfg)
	fileConfig = cfg

	if debug {
		logLevel = "debug"
	}
	log, err := logger.ForFormat(os.Stderr, logFormat, logger.ParseLevel(logLevel))
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}
