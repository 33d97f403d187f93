package dnn

import (
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/samcharles93/gemmrun/internal/device"
)

type kernel[T Element] struct {
	pd *MatMulPrimitiveDesc

	src, wei, dst    []T
	srcF, weiF, dstF []float32

	load  func(T) float32
	store func(float32) T
	round func(float32) float32
}

// bindKernel resolves typed views over the argument buffers and returns
// the function the stream runs.
func bindKernel[T Element](pd *MatMulPrimitiveDesc, src, wei, dst Memory) (func(device.Memory) error, error) {
	k := &kernel[T]{pd: pd}
	k.load, k.store = converters[T]()
	k.round = roundingFor(pd.attr.FPMathMode)

	var err error
	if k.src, err = device.Elements[T](src.buf); err != nil {
		return nil, fmt.Errorf("src: %w", err)
	}
	if k.wei, err = device.Elements[T](wei.buf); err != nil {
		return nil, fmt.Errorf("weights: %w", err)
	}
	if k.dst, err = device.Elements[T](dst.buf); err != nil {
		return nil, fmt.Errorf("dst: %w", err)
	}
	if DataTypeOf[T]() == F32 {
		k.srcF = any(k.src).([]float32)
		k.weiF = any(k.wei).([]float32)
		k.dstF = any(k.dst).([]float32)
	}
	return k.run, nil
}

func roundingFor(mode FPMathMode) func(float32) float32 {
	switch mode {
	case FPMathBF16:
		return func(v float32) float32 { return bfloat16.FromFloat32(v).Float32() }
	case FPMathF16:
		return func(v float32) float32 { return float16.Fromfloat32(v).Float32() }
	case FPMathTF32:
		return roundTF32
	default:
		return nil
	}
}

// roundTF32 rounds to a 10-bit mantissa, nearest even.
func roundTF32(v float32) float32 {
	bits := math.Float32bits(v)
	if bits&0x7f800000 == 0x7f800000 {
		return v
	}
	bits += 0x0fff + (bits>>13)&1
	bits &^= 0x1fff
	return math.Float32frombits(bits)
}

func (k *kernel[T]) run(scratch device.Memory) error {
	pd := k.pd
	// Slots hand out staging areas. Slices that stage nothing are bounded
	// by the worker limit alone.
	var slots chan int
	if pd.slots > 0 {
		slots = make(chan int, pd.slots)
		for i := range pd.slots {
			slots <- i
		}
	}

	var g errgroup.Group
	g.SetLimit(max(pd.parallel, 1))
	for b := range pd.batch {
		g.Go(func() error {
			if slots == nil {
				return k.slice(b, 0, scratch)
			}
			slot := <-slots
			defer func() { slots <- slot }()
			return k.slice(b, slot, scratch)
		})
	}
	return g.Wait()
}

func kernelError(rec any) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("matmul kernel failed: %w", err)
	}
	return fmt.Errorf("matmul kernel failed: %v", rec)
}

func batchOffset(d MemoryDesc, b int64) int64 {
	if d.Dims[0] == 1 {
		return 0
	}
	return b * d.Strides[0]
}

// slice computes one batch slice.
func (k *kernel[T]) slice(b int64, slot int, scratch device.Memory) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = kernelError(rec)
		}
	}()

	pd := k.pd
	if pd.engine.onSlice != nil {
		pd.engine.onSlice(b)
	}
	var stage []float32
	if pd.slotBytes > 0 {
		mem, err := scratch.Slice(int64(slot)*pd.slotBytes, pd.slotBytes)
		if err != nil {
			return fmt.Errorf("scratchpad slot %d: %w", slot, err)
		}
		if stage, err = device.Elements[float32](mem); err != nil {
			return err
		}
	}

	a := k.operand(pd.src, pd.srcPlan, k.src, k.srcF, b, stage, pd.srcOff)
	w := k.operand(pd.wei, pd.weiPlan, k.wei, k.weiF, b, stage, pd.weiOff)

	aff := pd.aff
	dstOff := batchOffset(pd.dst, b)
	var c blas32.General
	if pd.dstPlan.staged {
		c = blas32.General{
			Rows:   int(pd.m),
			Cols:   int(pd.n),
			Stride: int(pd.n),
			Data:   stage[pd.dstOff/4 : pd.dstOff/4+pd.m*pd.n],
		}
		if aff.q != 0 {
			k.gather(c.Data, k.dst, dstOff, pd.dst, nil)
		}
	} else {
		c = blas32.General{
			Rows:   int(pd.m),
			Cols:   int(pd.n),
			Stride: int(pd.dstPlan.stride),
			Data:   k.dstF[dstOff : dstOff+pd.dstPlan.span()],
		}
	}

	blas32.Gemm(pd.srcPlan.trans, pd.weiPlan.trans, aff.p, a, w, aff.q, c)

	if aff.r != 0 {
		for i := range c.Rows {
			row := c.Data[i*c.Stride : i*c.Stride+c.Cols]
			for j := range row {
				row[j] += aff.r
			}
		}
	}
	if pd.dstPlan.staged {
		s1, s2 := pd.dst.Strides[1], pd.dst.Strides[2]
		for i := range pd.m {
			for j := range pd.n {
				k.dst[dstOff+i*s1+j*s2] = k.store(c.Data[i*pd.n+j])
			}
		}
	}
	return nil
}

// operand returns a BLAS view of operand d for batch b, staging it into
// scratch at byte offset off when the plan requires it.
func (k *kernel[T]) operand(d MemoryDesc, plan operandPlan, typed []T, f32 []float32, b int64, stage []float32, off int64) blas32.General {
	base := batchOffset(d, b)
	if !plan.staged {
		return blas32.General{
			Rows:   int(plan.rows),
			Cols:   int(plan.cols),
			Stride: int(plan.stride),
			Data:   f32[base : base+plan.span()],
		}
	}
	n := plan.rows * plan.cols
	buf := stage[off/4 : off/4+n]
	var round func(float32) float32
	if d.DataType == F32 {
		round = k.round
	}
	k.gather(buf, typed, base, d, round)
	return blas32.General{
		Rows:   int(plan.rows),
		Cols:   int(plan.cols),
		Stride: int(plan.cols),
		Data:   buf,
	}
}

// gather packs a strided R x C slice into dst as row-major f32.
func (k *kernel[T]) gather(dst []float32, src []T, base int64, d MemoryDesc, round func(float32) float32) {
	rows, cols := d.Dims[1], d.Dims[2]
	s1, s2 := d.Strides[1], d.Strides[2]
	for i := range rows {
		row := dst[i*cols : (i+1)*cols]
		off := base + i*s1
		for j := range cols {
			v := k.load(src[off+j*s2])
			if round != nil {
				v = round(v)
			}
			row[j] = v
		}
	}
}
