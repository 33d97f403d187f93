package gemm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/internal/dnn"
	"github.com/samcharles93/gemmrun/internal/logger"
	"github.com/samcharles93/gemmrun/internal/tensor"
	"github.com/samcharles93/gemmrun/pkg/matrix"
)

type gemmCase struct {
	cfg              Config
	lhsM, rhsM, outM *tensor.Mat
	stream           *device.HostStream
	exec             *Executor
	allocator        device.ScratchAllocator
	registry         *dnn.Registry
}

func newGemmCase(t *testing.T, cfg Config, lhs, rhs, out []float64, opts ...Option) *gemmCase {
	t.Helper()

	c := &gemmCase{cfg: cfg}
	var err error
	if c.lhsM, err = tensor.FromValues(cfg.LhsLayout, lhs); err != nil {
		t.Fatal(err)
	}
	if c.rhsM, err = tensor.FromValues(cfg.RhsLayout, rhs); err != nil {
		t.Fatal(err)
	}
	if c.outM, err = tensor.FromValues(cfg.OutputLayout, out); err != nil {
		t.Fatal(err)
	}
	c.stream = device.NewHostStream(4)
	c.registry = dnn.NewRegistry()
	c.exec = NewExecutor(c.registry, opts...)
	c.allocator = device.NewOneTimeScratchAllocator(0)
	t.Cleanup(func() {
		_ = c.stream.Close()
		_ = c.registry.Close()
		_ = c.lhsM.Free()
		_ = c.rhsM.Free()
		_ = c.outM.Free()
	})
	return c
}

func (c *gemmCase) run(t *testing.T) []float64 {
	t.Helper()
	err := c.exec.RunGemm(context.Background(), c.cfg, c.lhsM.Mem, c.rhsM.Mem, c.outM.Mem, c.stream, c.allocator)
	if err != nil {
		t.Fatalf("RunGemm: %v", err)
	}
	if err := c.stream.Synchronize(context.Background()); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	got, err := c.outM.Values()
	if err != nil {
		t.Fatal(err)
	}
	return got
}

// reference computes alpha*lhs*rhs + beta*out per batch with gonum.
func reference(cfg Config, lhs, rhs, out []float64) []float64 {
	m, n, k := cfg.Shape()
	batch := cfg.OutputLayout.BatchSize
	slice := func(vals []float64, layout matrix.Layout, b, r, c int64) *mat.Dense {
		if layout.BatchSize == 1 {
			b = 0
		}
		return mat.NewDense(int(r), int(c), vals[b*r*c:(b+1)*r*c])
	}

	want := make([]float64, 0, batch*m*n)
	for b := range batch {
		var prod mat.Dense
		prod.Mul(slice(lhs, cfg.LhsLayout, b, m, k), slice(rhs, cfg.RhsLayout, b, k, n))
		prod.Scale(real(cfg.Alpha), &prod)
		if cfg.Beta != 0 {
			prev := slice(out, cfg.OutputLayout, b, m, n)
			var scaled mat.Dense
			scaled.Scale(cfg.Beta, prev)
			prod.Add(&prod, &scaled)
		}
		want = append(want, prod.RawMatrix().Data...)
	}
	return want
}

func assertClose(t *testing.T, name string, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d values, want %d", name, len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("%s: value %d got %v want %v (tol %g)", name, i, got[i], want[i], tol)
		}
	}
}

func seq(n int64, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i%7-3) * scale
	}
	return out
}

func TestRunGemmAlphaBetaFolding(t *testing.T) {
	t.Parallel()

	for _, dtype := range []matrix.DType{matrix.F32, matrix.F16, matrix.BF16} {
		layout := matrix.DenseLayout(dtype, matrix.RowMajor, 1, 2, 2)
		cfg := Config{LhsLayout: layout, RhsLayout: layout, OutputLayout: layout, Alpha: 2, Beta: 1}
		c := newGemmCase(t, cfg, []float64{1, 2, 3, 4}, []float64{1, 0, 0, 1}, []float64{1, 1, 1, 1})
		assertClose(t, dtype.String(), c.run(t), []float64{3, 5, 7, 9}, 0)
	}
}

func TestRunGemmTransposedOutput(t *testing.T) {
	t.Parallel()

	cfg := Config{
		LhsLayout:    matrix.DenseLayout(matrix.F32, matrix.RowMajor, 1, 2, 3),
		RhsLayout:    matrix.DenseLayout(matrix.F32, matrix.RowMajor, 1, 3, 2),
		OutputLayout: matrix.DenseLayout(matrix.F32, matrix.ColumnMajor, 1, 2, 2),
		Alpha:        1.5,
		Beta:         0.5,
	}
	lhs := []float64{1, 2, 3, 4, 5, 6}
	rhs := []float64{7, 8, 9, 10, 11, 12}
	out := []float64{1, -1, 2, -2}
	c := newGemmCase(t, cfg, lhs, rhs, out)

	plan, err := c.exec.Plan(context.Background(), cfg, c.stream)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Swapped || plan.Out.Transpose != "N" {
		t.Fatalf("output transpose should be eliminated, got %+v", plan.Out)
	}

	assertClose(t, "transposed output", c.run(t), reference(cfg, lhs, rhs, out), 1e-4)
}

func TestRunGemmLayoutsAgainstReference(t *testing.T) {
	t.Parallel()

	orders := []matrix.Order{matrix.RowMajor, matrix.ColumnMajor}
	const batch, m, n, k = 3, 4, 5, 6
	for _, lo := range orders {
		for _, ro := range orders {
			for _, oo := range orders {
				for _, broadcast := range []bool{false, true} {
					rhsBatch := int64(batch)
					if broadcast {
						rhsBatch = 1
					}
					cfg := Config{
						LhsLayout:    matrix.DenseLayout(matrix.F32, lo, batch, m, k),
						RhsLayout:    matrix.DenseLayout(matrix.F32, ro, rhsBatch, k, n),
						OutputLayout: matrix.DenseLayout(matrix.F32, oo, batch, m, n),
						Alpha:        0.75,
						Beta:         -0.5,
					}
					lhs := seq(batch*m*k, 0.5)
					rhs := seq(rhsBatch*k*n, 0.25)
					out := seq(batch*m*n, 1)
					name := fmt.Sprintf("lhs=%s rhs=%s out=%s broadcast=%v", lo, ro, oo, broadcast)

					c := newGemmCase(t, cfg, lhs, rhs, out)
					assertClose(t, name, c.run(t), reference(cfg, lhs, rhs, out), 1e-4)
				}
			}
		}
	}
}

func TestRunGemmPaddedLayouts(t *testing.T) {
	t.Parallel()

	cfg := Config{
		LhsLayout:    matrix.Layout{Order: matrix.RowMajor, NumRows: 3, NumCols: 4, BatchSize: 2, BatchStride: 20, LeadingDimStride: 6, DType: matrix.BF16},
		RhsLayout:    matrix.Layout{Order: matrix.ColumnMajor, NumRows: 4, NumCols: 2, BatchSize: 2, BatchStride: 12, LeadingDimStride: 5, DType: matrix.BF16},
		OutputLayout: matrix.Layout{Order: matrix.RowMajor, NumRows: 3, NumCols: 2, BatchSize: 2, BatchStride: 10, LeadingDimStride: 3, DType: matrix.BF16},
		Alpha:        1,
	}
	lhs := seq(24, 0.5)
	rhs := seq(16, 1)
	out := seq(12, 1)
	c := newGemmCase(t, cfg, lhs, rhs, out)
	assertClose(t, "padded bf16", c.run(t), reference(cfg, lhs, rhs, out), 1e-2)
}

func TestPostOpThresholds(t *testing.T) {
	t.Parallel()

	layout := matrix.DenseLayout(matrix.F32, matrix.RowMajor, 1, 2, 2)
	tests := []struct {
		name  string
		alpha complex128
		beta  float64
		want  []string
	}{
		{"pure matmul", 1, 0, nil},
		{"scale", 2, 0, []string{"eltwise_linear(alpha=2, beta=0)"}},
		{"accumulate", 1, 0.5, []string{"sum(scale=0.5)"}},
		{"both", 2, 1, []string{"eltwise_linear(alpha=2, beta=0)", "sum(scale=1)"}},
		{"alpha within epsilon", 1 + 1e-7, 0, nil},
		{"beta within epsilon", 1, 1e-7, nil},
		{"imaginary alpha ignored", complex(1, 3), 0, nil},
	}

	reg := dnn.NewRegistry()
	defer reg.Close()
	stream := device.NewHostStream(1)
	defer stream.Close()
	exec := NewExecutor(reg)

	for _, tc := range tests {
		cfg := Config{LhsLayout: layout, RhsLayout: layout, OutputLayout: layout, Alpha: tc.alpha, Beta: tc.beta}
		plan, err := exec.Plan(context.Background(), cfg, stream)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if strings.Join(plan.PostOps, ";") != strings.Join(tc.want, ";") {
			t.Errorf("%s: post-ops got %v want %v", tc.name, plan.PostOps, tc.want)
		}
	}
}

func TestTypeMismatch(t *testing.T) {
	t.Parallel()

	cfg := Config{
		LhsLayout:    matrix.DenseLayout(matrix.F32, matrix.RowMajor, 1, 2, 2),
		RhsLayout:    matrix.DenseLayout(matrix.F32, matrix.RowMajor, 1, 2, 2),
		OutputLayout: matrix.DenseLayout(matrix.F16, matrix.RowMajor, 1, 2, 2),
		Alpha:        1,
	}
	exec := NewExecutor(dnn.NewRegistry())
	stream := device.NewHostStream(1)
	defer stream.Close()

	err := exec.RunGemm(context.Background(), cfg, device.Memory{}, device.Memory{}, device.Memory{}, stream, device.NewOneTimeScratchAllocator(0))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) || mismatch.Output != matrix.F16 {
		t.Fatalf("expected *TypeMismatchError, got %T", err)
	}
	if want := "GEMM lhs type(f32) and rhs type(f32) must match output type(f16)"; err.Error() != want {
		t.Fatalf("message got %q want %q", err.Error(), want)
	}
}

func TestUnsupportedDType(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(dnn.NewRegistry())
	stream := device.NewHostStream(1)
	defer stream.Close()

	for _, dtype := range []matrix.DType{matrix.S32, matrix.F64, matrix.C64, matrix.C128, matrix.S8} {
		layout := matrix.DenseLayout(dtype, matrix.RowMajor, 1, 2, 2)
		cfg := Config{LhsLayout: layout, RhsLayout: layout, OutputLayout: layout, Alpha: 1}
		_, err := exec.Plan(context.Background(), cfg, stream)
		if !errors.Is(err, ErrUnsupportedDType) {
			t.Fatalf("%s: expected ErrUnsupportedDType, got %v", dtype, err)
		}
		if want := "Unexpected GEMM dtype: " + dtype.String(); err.Error() != want {
			t.Fatalf("%s: message got %q", dtype, err.Error())
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(dnn.NewRegistry())
	stream := device.NewHostStream(1)
	defer stream.Close()

	f32 := func(order matrix.Order, batch, r, c int64) matrix.Layout {
		return matrix.DenseLayout(matrix.F32, order, batch, r, c)
	}
	bad := f32(matrix.RowMajor, 1, 2, 3)
	bad.NumRows = 0
	tests := []struct {
		name string
		cfg  Config
	}{
		{"contraction", Config{LhsLayout: f32(matrix.RowMajor, 1, 2, 3), RhsLayout: f32(matrix.RowMajor, 1, 4, 2), OutputLayout: f32(matrix.RowMajor, 1, 2, 2)}},
		{"rows", Config{LhsLayout: f32(matrix.RowMajor, 1, 3, 3), RhsLayout: f32(matrix.RowMajor, 1, 3, 2), OutputLayout: f32(matrix.RowMajor, 1, 2, 2)}},
		{"batch", Config{LhsLayout: f32(matrix.RowMajor, 2, 2, 3), RhsLayout: f32(matrix.RowMajor, 1, 3, 2), OutputLayout: f32(matrix.RowMajor, 3, 2, 2)}},
		{"empty", Config{LhsLayout: bad, RhsLayout: f32(matrix.RowMajor, 1, 3, 2), OutputLayout: f32(matrix.RowMajor, 1, 2, 2)}},
	}
	for _, tc := range tests {
		if _, err := exec.Plan(context.Background(), tc.cfg, stream); !errors.Is(err, matrix.ErrInvalidLayout) {
			t.Errorf("%s: expected ErrInvalidLayout, got %v", tc.name, err)
		}
	}
}

func TestPlanGemmPanicsOnTransposedOutput(t *testing.T) {
	t.Parallel()

	inv := &invocation{
		batch: 1, m: 2, n: 2, k: 2,
		lhs: MatrixDescriptor{NumRows: 2, NumCols: 2, LeadingDimStride: 2},
		rhs: MatrixDescriptor{NumRows: 2, NumCols: 2, LeadingDimStride: 2},
		out: MatrixDescriptor{Transpose: matrix.Transposed, NumRows: 2, NumCols: 2, LeadingDimStride: 2},
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for transposed output")
		}
	}()
	stream := device.NewHostStream(1)
	defer stream.Close()
	_, _ = planGemm[float32](NewExecutor(dnn.NewRegistry()), inv, stream)
}

func TestRunGemmAllocationFailure(t *testing.T) {
	t.Parallel()

	layout := matrix.DenseLayout(matrix.F16, matrix.RowMajor, 1, 8, 8)
	cfg := Config{LhsLayout: layout, RhsLayout: layout, OutputLayout: layout, Alpha: 1}
	vals := seq(64, 1)
	c := newGemmCase(t, cfg, vals, vals, vals)

	c.allocator = device.NewOneTimeScratchAllocator(16)
	err := c.exec.RunGemm(context.Background(), cfg, c.lhsM.Mem, c.rhsM.Mem, c.outM.Mem, c.stream, c.allocator)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("expected ErrAllocation, got %v", err)
	}

	used := device.NewOneTimeScratchAllocator(0)
	if _, err := used.AllocateBytes(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	err = c.exec.RunGemm(context.Background(), cfg, c.lhsM.Mem, c.rhsM.Mem, c.outM.Mem, c.stream, used)
	if !errors.Is(err, ErrAllocation) || !errors.Is(err, device.ErrScratchReused) {
		t.Fatalf("expected wrapped ErrScratchReused, got %v", err)
	}
}

func TestRunGemmBufferTooSmall(t *testing.T) {
	t.Parallel()

	layout := matrix.DenseLayout(matrix.F32, matrix.RowMajor, 1, 4, 4)
	cfg := Config{LhsLayout: layout, RhsLayout: layout, OutputLayout: layout, Alpha: 1}
	exec := NewExecutor(dnn.NewRegistry())
	stream := device.NewHostStream(1)
	defer stream.Close()

	short := device.NewMemory(make([]byte, 16))
	full, _ := device.AllocHost(layout.Bytes())
	defer full.Free()
	err := exec.RunGemm(context.Background(), cfg, short, full, full, stream, device.NewOneTimeScratchAllocator(0))
	if !errors.Is(err, ErrBackend) || !errors.Is(err, dnn.ErrMemoryTooSmall) {
		t.Fatalf("expected backend error for short buffer, got %v", err)
	}
}

func TestFP32MathMode(t *testing.T) {
	t.Parallel()

	layout := matrix.DenseLayout(matrix.F32, matrix.RowMajor, 1, 2, 2)
	reg := dnn.NewRegistry()
	defer reg.Close()
	stream := device.NewHostStream(1)
	defer stream.Close()
	exec := NewExecutor(reg, WithFP32MathMode(dnn.FPMathBF16))

	cfg := Config{LhsLayout: layout, RhsLayout: layout, OutputLayout: layout, Alpha: 1}
	plan, err := exec.Plan(context.Background(), cfg, stream)
	if err != nil {
		t.Fatal(err)
	}
	if plan.FPMathMode != "bf16" || !plan.Staging.Src || plan.ScratchBytes == 0 {
		t.Fatalf("bf16 math mode should round staged inputs, got %+v", plan)
	}

	cfg.ComputePrecision = matrix.PrecisionHighest
	plan, err = exec.Plan(context.Background(), cfg, stream)
	if err != nil {
		t.Fatal(err)
	}
	if plan.FPMathMode != "strict" || plan.ScratchBytes != 0 {
		t.Fatalf("highest precision should force strict math, got %+v", plan)
	}

	half := matrix.DenseLayout(matrix.F16, matrix.RowMajor, 1, 2, 2)
	plan, err = exec.Plan(context.Background(), Config{LhsLayout: half, RhsLayout: half, OutputLayout: half, Alpha: 1}, stream)
	if err != nil {
		t.Fatal(err)
	}
	if plan.FPMathMode != "strict" {
		t.Fatalf("fp32 math mode should only apply to f32, got %s", plan.FPMathMode)
	}
}

func TestFP32MathModeFromEnv(t *testing.T) {
	t.Setenv(EnvFP32MathMode, "tf32")
	if got := NewExecutor(dnn.NewRegistry()).FP32MathMode(); got != dnn.FPMathTF32 {
		t.Fatalf("env mode got %s", got)
	}
	if got := NewExecutor(dnn.NewRegistry(), WithFP32MathMode(dnn.FPMathStrict)).FP32MathMode(); got != dnn.FPMathStrict {
		t.Fatalf("option should override env, got %s", got)
	}

	var buf bytes.Buffer
	t.Setenv(EnvFP32MathMode, "fp8")
	exec := NewExecutor(dnn.NewRegistry(), WithLogger(logger.Text(&buf, slog.LevelWarn)))
	if exec.FP32MathMode() != dnn.FPMathStrict {
		t.Fatal("invalid env value should fall back to strict")
	}
	if !strings.Contains(buf.String(), "ignoring invalid fp32 math mode") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}

func TestRunGemmConcurrentStreams(t *testing.T) {
	t.Parallel()

	const streams = 6
	layout := matrix.DenseLayout(matrix.F16, matrix.RowMajor, 4, 8, 8)
	cfg := Config{LhsLayout: layout, RhsLayout: layout, OutputLayout: layout, Alpha: 0.5, Beta: 2}
	lhs := seq(4*64, 0.25)
	rhs := seq(4*64, 0.5)
	out := seq(4*64, 1)
	want := reference(cfg, lhs, rhs, out)

	reg := dnn.NewRegistry(dnn.WithWorkers(2))
	defer reg.Close()
	exec := NewExecutor(reg)
	pool := device.NewScratchPool(1 << 20)

	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream := device.NewHostStream(2)
			defer stream.Close()
			a, _ := tensor.FromValues(layout, lhs)
			b, _ := tensor.FromValues(layout, rhs)
			c, _ := tensor.FromValues(layout, out)
			scratch := pool.ForStream(stream)
			if err := exec.RunGemm(context.Background(), cfg, a.Mem, b.Mem, c.Mem, stream, scratch); err != nil {
				errs <- err
				return
			}
			_ = scratch.Close()
			if err := stream.Synchronize(context.Background()); err != nil {
				errs <- err
				return
			}
			got, _ := c.Values()
			for i := range want {
				if math.Abs(got[i]-want[i]) > 0.05 {
					errs <- fmt.Errorf("value %d got %v want %v", i, got[i], want[i])
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if reg.Len() != streams {
		t.Fatalf("expected %d engines, got %d", streams, reg.Len())
	}
	if pool.InUse() != 0 {
		t.Fatalf("scratch pool leaked %d bytes", pool.InUse())
	}
}
