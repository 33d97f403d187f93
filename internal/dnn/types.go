// Package dnn is a small host matmul primitive library modelled on the
// descriptor / primitive-desc / primitive split of vendor DNN libraries.
//
// Callers describe operands with MemoryDesc values, build a
// MatMulPrimitiveDesc for an Engine, then execute a MatMul against a
// device.Stream. Execution is asynchronous: Execute enqueues the kernel and
// returns; results are visible after the stream is synchronized.
package dnn

import (
	"errors"
	"fmt"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

var (
	ErrInvalidDesc    = errors.New("dnn: invalid memory descriptor")
	ErrMemoryTooSmall = errors.New("dnn: memory buffer too small for descriptor")
	ErrMissingArg     = errors.New("dnn: missing execution argument")
	ErrUnimplemented  = errors.New("dnn: unimplemented")
)

// DataType is the element type of a memory descriptor.
type DataType uint8

const (
	DataTypeUndef DataType = iota
	F16
	BF16
	F32
	// U8 is used for opaque byte buffers such as the scratchpad.
	U8
)

func (d DataType) String() string {
	switch d {
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case F32:
		return "f32"
	case U8:
		return "u8"
	default:
		return fmt.Sprintf("data_type(%d)", uint8(d))
	}
}

func (d DataType) Size() int64 {
	switch d {
	case F16, BF16:
		return 2
	case F32:
		return 4
	case U8:
		return 1
	default:
		return 0
	}
}

// Element is the set of Go types a matmul operand can hold.
type Element interface {
	float32 | float16.Float16 | bfloat16.BFloat16
}

// DataTypeOf maps an element type to its descriptor data type.
func DataTypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return F16
	case bfloat16.BFloat16:
		return BF16
	default:
		return F32
	}
}

// converters returns the widening and narrowing conversions for T.
func converters[T Element]() (func(T) float32, func(float32) T) {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		load := func(v float16.Float16) float32 { return v.Float32() }
		return any(load).(func(T) float32), any(float16.Fromfloat32).(func(float32) T)
	case bfloat16.BFloat16:
		load := func(v bfloat16.BFloat16) float32 { return v.Float32() }
		return any(load).(func(T) float32), any(bfloat16.FromFloat32).(func(float32) T)
	default:
		ident := func(v float32) float32 { return v }
		return any(ident).(func(T) float32), any(ident).(func(float32) T)
	}
}
