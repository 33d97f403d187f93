package main

import "github.com/urfave/cli/v3"

var (
	configFile   string
	logLevel     string
	logFormat    string
	debug        bool
	fp32MathMode string
	workers      int64
	scratchLimit int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "fp32-math-mode",
			Usage:       "f32 compute mode (strict, bf16, f16, tf32, any); empty uses $GEMMRUN_FP32_MATH_MODE",
			Destination: &fp32MathMode,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "batch workers per engine (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "scratch-limit",
			Usage:       "scratch memory limit in bytes (0 = unlimited for CLI runs)",
			Destination: &scratchLimit,
		},
	}
}

func problemFlag(dest *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "problem",
		Aliases:     []string{"p"},
		Usage:       "path to a YAML or JSON problem file",
		Required:    true,
		Destination: dest,
	}
}
