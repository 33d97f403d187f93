package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/samcharles93/gemmrun/internal/dnn"
	"github.com/samcharles93/gemmrun/internal/version"

	"github.com/urfave/cli/v3"
)

type versionReport struct {
	version.Info
	GoOS     string          `json:"go_os"`
	GoArch   string          `json:"go_arch"`
	CPUs     int             `json:"cpus"`
	ISA      string          `json:"isa"`
	Features map[string]bool `json:"features"`
}

func versionCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "version",
		Usage: "Print version and host CPU information",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			report := versionReport{
				Info:     version.Resolve(),
				GoOS:     runtime.GOOS,
				GoArch:   runtime.GOARCH,
				CPUs:     runtime.NumCPU(),
				ISA:      dnn.HostISA(),
				Features: dnn.CPUFeatures(),
			}
			if asJSON {
				return writeJSON(os.Stdout, report)
			}

			fmt.Printf("version:    %s\n", report.Version)
			if report.Commit != "" {
				fmt.Printf("commit:     %s\n", report.Commit)
			}
			if report.BuildTime != "" {
				fmt.Printf("build time: %s\n", report.BuildTime)
			}
			fmt.Printf("go:         %s %s/%s\n", report.GoVersion, report.GoOS, report.GoArch)
			fmt.Printf("cpus:       %d\n", report.CPUs)
			fmt.Printf("isa:        %s\n", report.ISA)

			var names []string
			for name, ok := range report.Features {
				if ok {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			fmt.Printf("features:   %v\n", names)
			return nil
		},
	}
}
