package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gemmrun/internal/api"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		streams     int64
		storeLimit  int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the GEMM REST API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "streams",
				Usage:       "number of execution streams",
				Value:       2,
				Destination: &streams,
			},
			&cli.Int64Flag{
				Name:        "keep-runs",
				Usage:       "number of recent runs kept for GET /v1/gemm/:id",
				Value:       128,
				Destination: &storeLimit,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, fileConfig, &addr)

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			server := api.NewServer(s.exec, s.registry, api.ServerConfig{
				Streams:      int(streams),
				ScratchLimit: scratchLimit,
				StoreLimit:   int(storeLimit),
				Logger:       s.log,
			})
			defer func() { _ = server.Close() }()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			s.log.Info("starting server", "address", addr, "streams", streams, "scratch_limit", scratchLimit)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
