// Package device provides the memory, stream and scratch allocation
// collaborators a GEMM invocation runs against.
//
// Memory is host memory standing in for device memory. A Stream is an
// ordered execution queue: work enqueued on it runs in order on a
// background worker, and callers observe completion through Synchronize.
package device

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	ErrMisaligned  = errors.New("device: memory is misaligned for element type")
	ErrOutOfBounds = errors.New("device: memory slice out of bounds")
)

// Memory is an opaque handle to a contiguous buffer. Copies of a Memory
// refer to the same bytes. Only memory returned by an allocator carries a
// free function; views and wrapped slices are borrowed.
type Memory struct {
	buf  []byte
	free func() error
}

// NewMemory wraps caller-owned bytes. Free is a no-op on the result.
func NewMemory(buf []byte) Memory {
	return Memory{buf: buf}
}

func (m Memory) Bytes() []byte { return m.buf }

func (m Memory) Size() int64 { return int64(len(m.buf)) }

func (m Memory) IsNil() bool { return len(m.buf) == 0 }

// Slice returns a borrowed view of size bytes starting at off.
func (m Memory) Slice(off, size int64) (Memory, error) {
	if off < 0 || size < 0 || off+size > int64(len(m.buf)) {
		return Memory{}, fmt.Errorf("%w: [%d:%d] of %d bytes", ErrOutOfBounds, off, off+size, len(m.buf))
	}
	return Memory{buf: m.buf[off : off+size : off+size]}, nil
}

// Free releases allocator-owned memory. It is safe to call more than once.
func (m Memory) Free() error {
	if m.free == nil {
		return nil
	}
	return m.free()
}

// Elements reinterprets the memory as a slice of T in native byte order.
// Trailing bytes that do not fill a whole element are ignored.
func Elements[T any](m Memory) ([]T, error) {
	if len(m.buf) == 0 {
		return nil, nil
	}
	var zero T
	size := unsafe.Sizeof(zero)
	if size == 0 {
		return nil, fmt.Errorf("device: zero-sized element type")
	}
	if uintptr(unsafe.Pointer(&m.buf[0]))%unsafe.Alignof(zero) != 0 {
		return nil, ErrMisaligned
	}
	n := uintptr(len(m.buf)) / size
	return unsafe.Slice((*T)(unsafe.Pointer(&m.buf[0])), n), nil
}

// AllocHost allocates size bytes of zeroed host memory. Large requests are
// page-aligned where the platform supports anonymous mappings.
func AllocHost(size int64) (Memory, error) {
	if size < 0 {
		return Memory{}, fmt.Errorf("device: negative allocation size %d", size)
	}
	if size == 0 {
		return Memory{}, nil
	}
	buf, release, err := allocPages(size)
	if err != nil {
		return Memory{}, fmt.Errorf("device: alloc %d bytes: %w", size, err)
	}
	var once sync.Once
	var freeErr error
	return Memory{
		buf: buf,
		free: func() error {
			once.Do(func() { freeErr = release() })
			return freeErr
		},
	}, nil
}

func allocHeap(size int64) ([]byte, func() error) {
	// 8-byte backing keeps every supported element type aligned.
	words := make([]uint64, (size+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return buf, func() error { return nil }
}
