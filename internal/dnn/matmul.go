package dnn

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"

	"github.com/samcharles93/gemmrun/internal/device"
)

// Arg names an execution argument of a primitive.
type Arg int

const (
	ArgSrc Arg = iota + 1
	ArgWeights
	ArgDst
	ArgScratchpad
)

func (a Arg) String() string {
	switch a {
	case ArgSrc:
		return "src"
	case ArgWeights:
		return "weights"
	case ArgDst:
		return "dst"
	case ArgScratchpad:
		return "scratchpad"
	default:
		return fmt.Sprintf("arg(%d)", int(a))
	}
}

// scratchAlign keeps every staging buffer on its own cache line.
const scratchAlign = 64

func alignUp(n int64) int64 {
	return (n + scratchAlign - 1) &^ (scratchAlign - 1)
}

// operandPlan is how one [B, R, C] operand reaches BLAS. A direct operand
// is read in place as a row-major General of rows x cols with stride, with
// trans set when the memory holds the transpose. A staged operand is
// converted into a packed R x C f32 buffer in scratch.
type operandPlan struct {
	staged bool
	trans  blas.Transpose
	rows   int64
	cols   int64
	stride int64
}

func (o operandPlan) span() int64 {
	return (o.rows-1)*o.stride + o.cols
}

func planOperand(d MemoryDesc, forceStage bool) operandPlan {
	r, c := d.Dims[1], d.Dims[2]
	s1, s2 := d.Strides[1], d.Strides[2]
	if !forceStage && d.DataType == F32 {
		switch {
		case s2 == 1 && (r == 1 || s1 >= c):
			ld := s1
			if r == 1 {
				ld = c
			}
			return operandPlan{trans: blas.NoTrans, rows: r, cols: c, stride: ld}
		case s1 == 1 && (c == 1 || s2 >= r):
			ld := s2
			if c == 1 {
				ld = r
			}
			return operandPlan{trans: blas.Trans, rows: c, cols: r, stride: ld}
		}
	}
	return operandPlan{staged: true, trans: blas.NoTrans, rows: r, cols: c, stride: c}
}

// StagingInfo reports which operands a primitive copies through scratch.
type StagingInfo struct {
	Src     bool `json:"src"`
	Weights bool `json:"weights"`
	Dst     bool `json:"dst"`
	Slots   int  `json:"slots"`
}

// MatMulPrimitiveDesc is a validated batched matmul
// src[B,M,K] x weights[B,K,N] -> dst[B,M,N]. A batch extent of 1 on src or
// weights broadcasts across dst's batch.
type MatMulPrimitiveDesc struct {
	engine *Engine
	src    MemoryDesc
	wei    MemoryDesc
	dst    MemoryDesc
	attr   Attr
	aff    affine

	batch, m, n, k int64

	srcPlan, weiPlan, dstPlan operandPlan

	parallel  int
	slots     int
	slotBytes int64
	srcOff    int64
	weiOff    int64
	dstOff    int64
}

func NewMatMulPrimitiveDesc(engine *Engine, src, weights, dst MemoryDesc, attr Attr) (*MatMulPrimitiveDesc, error) {
	if engine == nil {
		return nil, fmt.Errorf("dnn: matmul requires an engine")
	}
	for _, d := range []struct {
		name string
		desc MemoryDesc
	}{{"src", src}, {"weights", weights}, {"dst", dst}} {
		if len(d.desc.Dims) != 3 {
			return nil, fmt.Errorf("%w: %s must be rank 3, got %v", ErrInvalidDesc, d.name, d.desc.Dims)
		}
		if err := d.desc.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		if d.desc.DataType == U8 {
			return nil, fmt.Errorf("%w: %s data type %s", ErrUnimplemented, d.name, d.desc.DataType)
		}
	}
	if src.DataType != weights.DataType || src.DataType != dst.DataType {
		return nil, fmt.Errorf("%w: mixed data types src=%s weights=%s dst=%s", ErrUnimplemented, src.DataType, weights.DataType, dst.DataType)
	}

	batch, m, k := dst.Dims[0], src.Dims[1], src.Dims[2]
	n := weights.Dims[2]
	switch {
	case weights.Dims[1] != k:
		return nil, fmt.Errorf("%w: contraction mismatch src %v weights %v", ErrInvalidDesc, src.Dims, weights.Dims)
	case dst.Dims[1] != m || dst.Dims[2] != n:
		return nil, fmt.Errorf("%w: dst %v does not match [%d %d]", ErrInvalidDesc, dst.Dims, m, n)
	case src.Dims[0] != 1 && src.Dims[0] != batch:
		return nil, fmt.Errorf("%w: src batch %d cannot broadcast to %d", ErrInvalidDesc, src.Dims[0], batch)
	case weights.Dims[0] != 1 && weights.Dims[0] != batch:
		return nil, fmt.Errorf("%w: weights batch %d cannot broadcast to %d", ErrInvalidDesc, weights.Dims[0], batch)
	}
	if overlapsWithinSlice(m, n, dst.Strides[1], dst.Strides[2]) {
		return nil, fmt.Errorf("%w: dst rows and columns overlap (strides %v)", ErrInvalidDesc, dst.Strides)
	}
	if batch > 1 && dst.Strides[0] < sliceSpan(dst) {
		return nil, fmt.Errorf("%w: dst batch stride %d overlaps slice span %d", ErrInvalidDesc, dst.Strides[0], sliceSpan(dst))
	}

	aff, err := attr.PostOps.fold()
	if err != nil {
		return nil, err
	}

	roundF32 := src.DataType == F32 && attr.FPMathMode.roundsInputs()
	pd := &MatMulPrimitiveDesc{
		engine:  engine,
		src:     NewMemoryDesc(src.Dims, src.Strides, src.DataType),
		wei:     NewMemoryDesc(weights.Dims, weights.Strides, weights.DataType),
		dst:     NewMemoryDesc(dst.Dims, dst.Strides, dst.DataType),
		attr:    attr,
		aff:     aff,
		batch:   batch,
		m:       m,
		n:       n,
		k:       k,
		srcPlan: planOperand(src, roundF32),
		weiPlan: planOperand(weights, roundF32),
		dstPlan: planOperand(dst, false),
	}
	if pd.dstPlan.trans == blas.Trans {
		pd.dstPlan = operandPlan{staged: true, trans: blas.NoTrans, rows: m, cols: n, stride: n}
	}

	pd.parallel = int(min(batch, int64(engine.Workers())))
	if pd.srcPlan.staged {
		pd.weiOff = alignUp(m * k * 4)
	}
	pd.dstOff = pd.weiOff
	if pd.weiPlan.staged {
		pd.dstOff += alignUp(k * n * 4)
	}
	pd.slotBytes = pd.dstOff
	if pd.dstPlan.staged {
		pd.slotBytes += alignUp(m * n * 4)
	}
	if pd.slotBytes > 0 {
		pd.slots = pd.parallel
	}
	return pd, nil
}

func sliceSpan(d MemoryDesc) int64 {
	return (d.Dims[1]-1)*d.Strides[1] + (d.Dims[2]-1)*d.Strides[2] + 1
}

func overlapsWithinSlice(rows, cols, s1, s2 int64) bool {
	switch {
	case rows == 1:
		return cols > 1 && s2 == 0
	case cols == 1:
		return s1 == 0
	}
	inner, innerN, outer := s2, cols, s1
	if s1 < s2 {
		inner, innerN, outer = s1, rows, s2
	}
	return inner == 0 || outer < inner*innerN
}

func (pd *MatMulPrimitiveDesc) Engine() *Engine         { return pd.engine }
func (pd *MatMulPrimitiveDesc) SrcDesc() MemoryDesc     { return pd.src }
func (pd *MatMulPrimitiveDesc) WeightsDesc() MemoryDesc { return pd.wei }
func (pd *MatMulPrimitiveDesc) DstDesc() MemoryDesc     { return pd.dst }
func (pd *MatMulPrimitiveDesc) Attr() Attr              { return pd.attr }

// Shape returns batch, m, n and k.
func (pd *MatMulPrimitiveDesc) Shape() (batch, m, n, k int64) {
	return pd.batch, pd.m, pd.n, pd.k
}

// ScratchpadDesc describes the scratch memory the caller must supply in
// user scratchpad mode. It is empty in library mode.
func (pd *MatMulPrimitiveDesc) ScratchpadDesc() MemoryDesc {
	size := pd.scratchBytes()
	if pd.attr.ScratchpadMode == ScratchpadLibrary {
		size = 0
	}
	return MemoryDesc{Dims: []int64{size}, Strides: []int64{1}, DataType: U8}
}

func (pd *MatMulPrimitiveDesc) scratchBytes() int64 {
	return int64(pd.slots) * pd.slotBytes
}

func (pd *MatMulPrimitiveDesc) Staging() StagingInfo {
	return StagingInfo{
		Src:     pd.srcPlan.staged,
		Weights: pd.weiPlan.staged,
		Dst:     pd.dstPlan.staged,
		Slots:   pd.slots,
	}
}

// MatMul is an executable matmul primitive.
type MatMul struct {
	pd *MatMulPrimitiveDesc
}

func NewMatMul(pd *MatMulPrimitiveDesc) *MatMul {
	return &MatMul{pd: pd}
}

func (p *MatMul) Desc() *MatMulPrimitiveDesc { return p.pd }

// Execute checks the arguments and enqueues the kernel on stream. Kernel
// failures are reported by the stream's Synchronize.
func (p *MatMul) Execute(stream device.Stream, args map[Arg]Memory) error {
	pd := p.pd
	if stream.ID() != pd.engine.StreamID() {
		return fmt.Errorf("dnn: engine for stream %s used on stream %s", pd.engine.StreamID(), stream.ID())
	}
	src, err := lookupArg(args, ArgSrc, pd.src, pd.engine)
	if err != nil {
		return err
	}
	wei, err := lookupArg(args, ArgWeights, pd.wei, pd.engine)
	if err != nil {
		return err
	}
	dst, err := lookupArg(args, ArgDst, pd.dst, pd.engine)
	if err != nil {
		return err
	}

	var scratch device.Memory
	if need := pd.scratchBytes(); need > 0 && pd.attr.ScratchpadMode == ScratchpadUser {
		mem, ok := args[ArgScratchpad]
		if !ok {
			return fmt.Errorf("%w: %s (%d bytes)", ErrMissingArg, ArgScratchpad, need)
		}
		if e := mem.Engine(); e != nil && e != pd.engine {
			return fmt.Errorf("%w: %s is bound to the engine of stream %s", ErrInvalidDesc, ArgScratchpad, e.StreamID())
		}
		if mem.buf.Size() < need {
			return fmt.Errorf("%w: scratchpad needs %d bytes, got %d", ErrMemoryTooSmall, need, mem.buf.Size())
		}
		scratch = mem.buf
	}

	var run func(scratch device.Memory) error
	switch pd.dst.DataType {
	case F16:
		run, err = bindKernel[float16.Float16](pd, src, wei, dst)
	case BF16:
		run, err = bindKernel[bfloat16.BFloat16](pd, src, wei, dst)
	case F32:
		run, err = bindKernel[float32](pd, src, wei, dst)
	default:
		err = fmt.Errorf("%w: data type %s", ErrUnimplemented, pd.dst.DataType)
	}
	if err != nil {
		return err
	}

	library := pd.attr.ScratchpadMode == ScratchpadLibrary && pd.scratchBytes() > 0
	return stream.Enqueue(func() error {
		if !library {
			return run(scratch)
		}
		mem, err := device.AllocHost(pd.scratchBytes())
		if err != nil {
			return err
		}
		defer mem.Free()
		return run(mem)
	})
}

func lookupArg(args map[Arg]Memory, arg Arg, want MemoryDesc, engine *Engine) (Memory, error) {
	mem, ok := args[arg]
	if !ok {
		return Memory{}, fmt.Errorf("%w: %s", ErrMissingArg, arg)
	}
	if e := mem.Engine(); e != nil && e != engine {
		return Memory{}, fmt.Errorf("%w: %s is bound to the engine of stream %s", ErrInvalidDesc, arg, e.StreamID())
	}
	if mem.Desc.DataType != want.DataType {
		return Memory{}, fmt.Errorf("%w: %s is %s, primitive expects %s", ErrInvalidDesc, arg, mem.Desc.DataType, want.DataType)
	}
	if need := want.Size(); mem.buf.Size() < need {
		return Memory{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMemoryTooSmall, arg, need, mem.buf.Size())
	}
	return mem, nil
}
