package dnn

import (
	"fmt"

	"github.com/samcharles93/gemmrun/internal/device"
)

// MemoryDesc describes a strided tensor. Strides are in elements.
type MemoryDesc struct {
	Dims     []int64
	Strides  []int64
	DataType DataType
}

// NewMemoryDesc copies dims and strides so later edits by the caller do not
// leak into the descriptor.
func NewMemoryDesc(dims, strides []int64, dt DataType) MemoryDesc {
	return MemoryDesc{
		Dims:     append([]int64(nil), dims...),
		Strides:  append([]int64(nil), strides...),
		DataType: dt,
	}
}

func (d MemoryDesc) validate() error {
	if len(d.Dims) == 0 || len(d.Dims) != len(d.Strides) {
		return fmt.Errorf("%w: %d dims with %d strides", ErrInvalidDesc, len(d.Dims), len(d.Strides))
	}
	if d.DataType.Size() == 0 {
		return fmt.Errorf("%w: data type %s", ErrInvalidDesc, d.DataType)
	}
	for i := range d.Dims {
		if d.Dims[i] <= 0 {
			return fmt.Errorf("%w: dim %d is %d", ErrInvalidDesc, i, d.Dims[i])
		}
		if d.Strides[i] < 0 {
			return fmt.Errorf("%w: stride %d is negative", ErrInvalidDesc, i)
		}
	}
	return nil
}

// Elements is the number of elements spanned from the first to the last
// addressable element.
func (d MemoryDesc) Elements() int64 {
	if len(d.Dims) == 0 || len(d.Dims) != len(d.Strides) {
		return 0
	}
	span := int64(1)
	for i, n := range d.Dims {
		if n <= 0 {
			return 0
		}
		span += (n - 1) * d.Strides[i]
	}
	return span
}

// Size is the byte size a buffer must have to back the descriptor.
func (d MemoryDesc) Size() int64 {
	return d.Elements() * d.DataType.Size()
}

func (d MemoryDesc) String() string {
	return fmt.Sprintf("%s%v:%v", d.DataType, d.Dims, d.Strides)
}

// Memory binds a descriptor to a buffer on an engine.
type Memory struct {
	Desc   MemoryDesc
	engine *Engine
	buf    device.Memory
}

func NewMemory(desc MemoryDesc, engine *Engine, buf device.Memory) (Memory, error) {
	if need := desc.Size(); buf.Size() < need {
		return Memory{}, fmt.Errorf("%w: %s needs %d bytes, buffer has %d", ErrMemoryTooSmall, desc, need, buf.Size())
	}
	return Memory{Desc: desc, engine: engine, buf: buf}, nil
}

func (m Memory) Buffer() device.Memory { return m.buf }

func (m Memory) Engine() *Engine { return m.engine }
