package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/internal/dnn"
	"github.com/samcharles93/gemmrun/internal/gemm"
	"github.com/samcharles93/gemmrun/internal/logger"
)

// session is the executor stack a command runs against.
type session struct {
	log      logger.Logger
	registry *dnn.Registry
	exec     *gemm.Executor
	stream   *device.HostStream
}

func newSession(ctx context.Context) (*session, error) {
	log := logger.FromContext(ctx)

	opts := []gemm.Option{gemm.WithLogger(log)}
	if fp32MathMode != "" {
		mode, err := dnn.ParseFPMathMode(fp32MathMode)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("error: --fp32-math-mode: %v", err), 1)
		}
		opts = append(opts, gemm.WithFP32MathMode(mode))
	}
	registry := dnn.NewRegistry(
		dnn.WithWorkers(int(workers)),
		dnn.WithRegistryLogger(log),
	)
	return &session{
		log:      log,
		registry: registry,
		exec:     gemm.NewExecutor(registry, opts...),
		stream:   device.NewHostStream(8),
	}, nil
}

// scratch returns a fresh allocator for one GEMM call. Release it after
// the stream has synchronized.
func (s *session) scratch() *device.OneTimeScratchAllocator {
	return device.NewOneTimeScratchAllocator(scratchLimit)
}

func (s *session) Close() error {
	err := s.stream.Close()
	if cerr := s.registry.Close(); err == nil {
		err = cerr
	}
	return err
}
