// Package api serves the GEMM executor over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/internal/dnn"
	"github.com/samcharles93/gemmrun/internal/gemm"
	"github.com/samcharles93/gemmrun/internal/logger"
	"github.com/samcharles93/gemmrun/internal/problem"
	"github.com/samcharles93/gemmrun/internal/version"
)

type ServerConfig struct {
	// Streams is the number of host streams requests are spread over.
	Streams int
	// ScratchLimit is the byte budget shared by all in-flight requests.
	ScratchLimit int64
	// StoreLimit bounds the number of runs kept for GET /v1/gemm/:id.
	StoreLimit int
	Logger     logger.Logger
}

// Server owns a fixed set of streams. A request holds one stream
// exclusively from enqueue to synchronize, so stream errors are never
// reported to the wrong caller.
type Server struct {
	exec     *gemm.Executor
	registry *dnn.Registry
	scratch  *device.ScratchPool
	streams  chan *device.HostStream
	all      []*device.HostStream
	store    *RunStore
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(exec *gemm.Executor, registry *dnn.Registry, cfg ServerConfig) *Server {
	if cfg.Streams <= 0 {
		cfg.Streams = 1
	}
	if cfg.ScratchLimit <= 0 {
		cfg.ScratchLimit = 256 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	s := &Server{
		exec:     exec,
		registry: registry,
		scratch:  device.NewScratchPool(cfg.ScratchLimit),
		streams:  make(chan *device.HostStream, cfg.Streams),
		store:    NewRunStore(cfg.StoreLimit),
		log:      cfg.Logger,
		clock:    time.Now,
	}
	for range cfg.Streams {
		st := device.NewHostStream(4)
		s.all = append(s.all, st)
		s.streams <- st
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(requestID)

	e.POST("/v1/gemm", s.handleRun)
	e.POST("/v1/gemm/plan", s.handlePlan)
	e.GET("/v1/gemm/:id", s.handleGetRun)
	e.DELETE("/v1/gemm/:id", s.handleDeleteRun)
	e.GET("/v1/engines", s.handleEngines)
	e.GET("/healthz", s.handleHealth)
}

// Close stops every stream after its queued work.
func (s *Server) Close() error {
	var errs []error
	for _, st := range s.all {
		errs = append(errs, st.Close())
	}
	return errors.Join(errs...)
}

func (s *Server) acquire(ctx context.Context) (*device.HostStream, error) {
	select {
	case st := <-s.streams:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) release(st *device.HostStream) {
	s.streams <- st
}

func (s *Server) decodeProblem(c *echo.Context) (*problem.Problem, []byte, error) {
	body, err := readBody(c.Request().Body)
	if err != nil {
		return nil, nil, err
	}
	p, err := problem.Decode(body, problem.FormatJSON)
	if err != nil {
		return nil, nil, err
	}
	return p, body, nil
}

func (s *Server) handleRun(c *echo.Context) error {
	ctx := c.Request().Context()
	p, body, err := s.decodeProblem(c)
	if err != nil {
		return writeFailure(c, err)
	}
	opts, err := decodeJSON[RunOptions](body)
	if err != nil {
		return writeFailure(c, err)
	}

	inst, err := p.Build()
	if err != nil {
		return writeFailure(c, err)
	}
	defer inst.Free()

	st, err := s.acquire(ctx)
	if err != nil {
		return writeFailure(c, err)
	}
	resp, err := s.run(ctx, st, inst, opts)
	s.release(st)
	if err != nil {
		s.log.Warn("gemm failed", "request_id", requestIDOf(c), "error", err)
		return writeFailure(c, err)
	}

	s.log.Info("gemm completed",
		"request_id", requestIDOf(c),
		"id", resp.ID,
		"dtype", resp.Plan.DType,
		"batch", resp.Plan.Batch, "m", resp.Plan.M, "n", resp.Plan.N, "k", resp.Plan.K,
		"elapsed_ms", resp.ElapsedMS,
	)
	s.store.Put(resp)
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) run(ctx context.Context, st *device.HostStream, inst *problem.Instance, opts RunOptions) (RunResponse, error) {
	plan, err := s.exec.Plan(ctx, inst.Config, st)
	if err != nil {
		return RunResponse{}, err
	}

	scratch := s.scratch.ForStream(st)
	start := s.clock()
	err = inst.Solve(ctx, s.exec, st, scratch)
	elapsed := s.clock().Sub(start)
	if cerr := scratch.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		// Drain so the next holder of this stream starts clean.
		_ = st.Synchronize(context.Background())
		return RunResponse{}, err
	}

	resp := RunResponse{
		ID:        newRunID(),
		Object:    "gemm.run",
		CreatedAt: start.Unix(),
		Plan:      plan,
		ElapsedMS: float64(elapsed.Microseconds()) / 1e3,
	}
	if !opts.OmitValues {
		if resp.Values, err = inst.Result(); err != nil {
			return RunResponse{}, err
		}
	}
	if opts.Verify {
		v, err := inst.Check()
		if err != nil {
			return RunResponse{}, err
		}
		resp.Verification = &v
	}
	return resp, nil
}

func (s *Server) handlePlan(c *echo.Context) error {
	ctx := c.Request().Context()
	p, _, err := s.decodeProblem(c)
	if err != nil {
		return writeFailure(c, err)
	}
	cfg, err := p.Config()
	if err != nil {
		return writeFailure(c, err)
	}

	st, err := s.acquire(ctx)
	if err != nil {
		return writeFailure(c, err)
	}
	plan, err := s.exec.Plan(ctx, cfg, st)
	s.release(st)
	if err != nil {
		return writeFailure(c, err)
	}
	return writeJSON(c, http.StatusOK, PlanResponse{Object: "gemm.plan", Plan: plan})
}

func (s *Server) handleGetRun(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "run not found")
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleDeleteRun(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "run not found")
	}
	return writeJSON(c, http.StatusOK, DeleteResponse{ID: id, Object: "gemm.run.deleted", Deleted: true})
}

func (s *Server) handleEngines(c *echo.Context) error {
	engines := s.registry.Engines()
	data := make([]dnn.EngineInfo, len(engines))
	for i, e := range engines {
		data[i] = e.Info()
	}
	return writeJSON(c, http.StatusOK, EnginesResponse{Object: "list", Data: data})
}

func (s *Server) handleHealth(c *echo.Context) error {
	resp := HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Streams: len(s.all),
	}
	resp.Scratch.Capacity = s.scratch.Capacity()
	resp.Scratch.InUse = s.scratch.InUse()
	return writeJSON(c, http.StatusOK, resp)
}
