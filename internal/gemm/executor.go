package gemm

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/internal/dnn"
	"github.com/samcharles93/gemmrun/internal/logger"
	"github.com/samcharles93/gemmrun/pkg/matrix"
)

// EnvFP32MathMode selects the default FP32 math mode of new executors.
const EnvFP32MathMode = "GEMMRUN_FP32_MATH_MODE"

// scalarEpsilon is the distance from the identity below which alpha and
// beta do not get a post-op.
const scalarEpsilon = 1e-6

// Executor runs GEMMs on engines from a shared registry. It is safe for
// concurrent use.
type Executor struct {
	registry *dnn.Registry
	log      logger.Logger
	fp32Mode dnn.FPMathMode
	modeSet  bool
}

type Option func(*Executor)

func WithLogger(log logger.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithFP32MathMode overrides the FP32 math mode taken from the environment.
func WithFP32MathMode(mode dnn.FPMathMode) Option {
	return func(e *Executor) {
		e.fp32Mode = mode
		e.modeSet = true
	}
}

func NewExecutor(registry *dnn.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.modeSet {
		if v := os.Getenv(EnvFP32MathMode); v != "" {
			mode, err := dnn.ParseFPMathMode(v)
			if err != nil {
				e.log.Warn("ignoring invalid fp32 math mode", "env", EnvFP32MathMode, "value", v, "error", err)
			} else {
				e.fp32Mode = mode
			}
		}
	}
	return e
}

func (e *Executor) FP32MathMode() dnn.FPMathMode { return e.fp32Mode }

// fp32MathMode applies the precision hint: Highest always computes f32 in
// full precision.
func (e *Executor) fp32MathMode(p matrix.Precision) dnn.FPMathMode {
	if p >= matrix.PrecisionHighest {
		return dnn.FPMathStrict
	}
	return e.fp32Mode
}

// invocation is a validated, normalized GEMM ready for a typed variant.
type invocation struct {
	cfg           Config
	batch         int64
	m, n, k       int64
	lhs, rhs, out MatrixDescriptor
	swapped       bool
	alpha, beta   float32
}

func (e *Executor) prepare(cfg Config, lhsBuf, rhsBuf, outBuf device.Memory) (*invocation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, n, k := cfg.Shape()

	lhs := GetMatrixDesc(cfg.LhsLayout, lhsBuf)
	rhs := GetMatrixDesc(cfg.RhsLayout, rhsBuf)
	out := GetMatrixDesc(cfg.OutputLayout, outBuf)
	swapped := out.Transpose == matrix.Transposed
	lhs, rhs, out = MakeBlasGemmCompatible(lhs, rhs, out)

	outType := cfg.OutputLayout.DType
	if outType.IsFloating() || outType.IsComplex() {
		if cfg.LhsLayout.DType != outType || cfg.RhsLayout.DType != outType {
			return nil, &TypeMismatchError{Lhs: cfg.LhsLayout.DType, Rhs: cfg.RhsLayout.DType, Output: outType}
		}
	}

	if imag(cfg.Alpha) != 0 {
		e.log.Debug("gemm alpha has an imaginary part; only the real part is applied", "alpha", cfg.Alpha)
	}
	return &invocation{
		cfg:     cfg,
		batch:   cfg.OutputLayout.BatchSize,
		m:       m,
		n:       n,
		k:       k,
		lhs:     lhs,
		rhs:     rhs,
		out:     out,
		swapped: swapped,
		alpha:   float32(real(cfg.Alpha)),
		beta:    float32(cfg.Beta),
	}, nil
}

// gemmVariant builds the primitive for one output element type.
type gemmVariant func(e *Executor, inv *invocation, stream device.Stream) (*gemmCall, error)

var gemmVariants = map[matrix.DType]gemmVariant{
	matrix.F16:  planGemm[float16.Float16],
	matrix.BF16: planGemm[bfloat16.BFloat16],
	matrix.F32:  planGemm[float32],
}

func (e *Executor) variantFor(dtype matrix.DType) (gemmVariant, error) {
	v, ok := gemmVariants[dtype]
	if !ok {
		return nil, &UnsupportedDTypeError{DType: dtype}
	}
	return v, nil
}

type gemmCall struct {
	inv    *invocation
	pd     *dnn.MatMulPrimitiveDesc
	params MatMulParams
}

func planGemm[T dnn.Element](e *Executor, inv *invocation, stream device.Stream) (*gemmCall, error) {
	if inv.out.Transpose != matrix.NoTranspose {
		panic("gemm: output descriptor still transposed after normalization")
	}
	params := CreateMatMulParams(inv.batch, inv.lhs, inv.rhs, inv.out)

	dt := dnn.DataTypeOf[T]()
	src := dnn.NewMemoryDesc(params.ADims[:], params.AStrides[:], dt)
	wei := dnn.NewMemoryDesc(params.BDims[:], params.BStrides[:], dt)
	dst := dnn.NewMemoryDesc(params.CDims[:], params.CStrides[:], dt)

	engine, err := e.registry.FindOrCreate(stream)
	if err != nil {
		return nil, backendError("engine", err)
	}

	attr := dnn.Attr{ScratchpadMode: dnn.ScratchpadUser}
	if dt == dnn.F32 {
		attr.FPMathMode = e.fp32MathMode(inv.cfg.ComputePrecision)
	}
	// out = alpha*matmul(lhs, rhs) + beta*out
	if math.Abs(float64(inv.alpha)-1) > scalarEpsilon {
		attr.PostOps.AppendEltwise(dnn.EltwiseLinear, inv.alpha, 0)
	}
	if math.Abs(float64(inv.beta)) > scalarEpsilon {
		attr.PostOps.AppendSum(inv.beta)
	}

	pd, err := dnn.NewMatMulPrimitiveDesc(engine, src, wei, dst, attr)
	if err != nil {
		return nil, backendError("create matmul", err)
	}
	return &gemmCall{inv: inv, pd: pd, params: params}, nil
}

func (e *Executor) build(cfg Config, lhsBuf, rhsBuf, outBuf device.Memory, stream device.Stream) (*gemmCall, error) {
	inv, err := e.prepare(cfg, lhsBuf, rhsBuf, outBuf)
	if err != nil {
		return nil, err
	}
	variant, err := e.variantFor(cfg.OutputLayout.DType)
	if err != nil {
		return nil, err
	}
	call, err := variant(e, inv, stream)
	if err != nil {
		return nil, err
	}
	e.log.Debug("gemm planned",
		"batch", inv.batch, "m", inv.m, "n", inv.n, "k", inv.k,
		"dtype", cfg.OutputLayout.DType,
		"swapped", inv.swapped,
		"post_ops", call.pd.Attr().PostOps.String(),
		"fp_math", call.pd.Attr().FPMathMode,
		"scratch_bytes", call.pd.ScratchpadDesc().Size(),
	)
	return call, nil
}

// RunGemm enqueues out = alpha*op(lhs)*op(rhs) + beta*out on stream and
// returns without waiting for it. ctx bounds the wait for scratch memory
// only. Results and kernel failures are observed through
// stream.Synchronize.
func (e *Executor) RunGemm(ctx context.Context, cfg Config, lhsBuf, rhsBuf, outBuf device.Memory, stream device.Stream, scratch device.ScratchAllocator) error {
	call, err := e.build(cfg, lhsBuf, rhsBuf, outBuf, stream)
	if err != nil {
		return err
	}
	return call.execute(ctx, stream, scratch)
}

func (c *gemmCall) execute(ctx context.Context, stream device.Stream, scratch device.ScratchAllocator) error {
	args := make(map[dnn.Arg]dnn.Memory, 4)
	bind := []struct {
		arg  dnn.Arg
		desc dnn.MemoryDesc
		buf  device.Memory
	}{
		{dnn.ArgSrc, c.pd.SrcDesc(), c.inv.lhs.Data},
		{dnn.ArgWeights, c.pd.WeightsDesc(), c.inv.rhs.Data},
		{dnn.ArgDst, c.pd.DstDesc(), c.inv.out.Data},
	}
	for _, b := range bind {
		mem, err := dnn.NewMemory(b.desc, c.pd.Engine(), b.buf)
		if err != nil {
			return backendError("bind "+b.arg.String(), err)
		}
		args[b.arg] = mem
	}

	spDesc := c.pd.ScratchpadDesc()
	if size := spDesc.Size(); size > 0 {
		if scratch == nil {
			return fmt.Errorf("%w: scratchpad needs %d bytes and no allocator was given", ErrAllocation, size)
		}
		if limit := scratch.MemoryLimit(); size > limit {
			return fmt.Errorf("%w: scratchpad needs %d bytes, allocator limit is %d", ErrAllocation, size, limit)
		}
		buf, err := scratch.AllocateBytes(ctx, size)
		if err != nil {
			return fmt.Errorf("%w: %d bytes: %w", ErrAllocation, size, err)
		}
		mem, err := dnn.NewMemory(spDesc, c.pd.Engine(), buf)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		args[dnn.ArgScratchpad] = mem
	}

	if err := dnn.NewMatMul(c.pd).Execute(stream, args); err != nil {
		return backendError("execute matmul", err)
	}
	return nil
}
