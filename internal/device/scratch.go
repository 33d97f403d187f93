package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	ErrScratchExhausted = errors.New("device: scratch memory exhausted")
	ErrScratchReused    = errors.New("device: one-time scratch allocator already used")
)

// ScratchAllocator hands out transient memory for a single GEMM
// invocation. The allocator, not the caller of AllocateBytes, owns the
// lifetime of what it returns.
type ScratchAllocator interface {
	MemoryLimit() int64
	AllocateBytes(ctx context.Context, size int64) (Memory, error)
}

// OneTimeScratchAllocator satisfies at most one request.
type OneTimeScratchAllocator struct {
	limit int64

	mu   sync.Mutex
	mem  Memory
	used bool
}

// NewOneTimeScratchAllocator returns an allocator bounded by limit bytes.
// A non-positive limit means unbounded.
func NewOneTimeScratchAllocator(limit int64) *OneTimeScratchAllocator {
	if limit <= 0 {
		limit = math.MaxInt64
	}
	return &OneTimeScratchAllocator{limit: limit}
}

func (a *OneTimeScratchAllocator) MemoryLimit() int64 { return a.limit }

func (a *OneTimeScratchAllocator) AllocateBytes(_ context.Context, size int64) (Memory, error) {
	if size < 0 {
		return Memory{}, fmt.Errorf("device: negative scratch size %d", size)
	}
	if size > a.limit {
		return Memory{}, fmt.Errorf("%w: requested %d bytes, limit %d", ErrScratchExhausted, size, a.limit)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used {
		return Memory{}, ErrScratchReused
	}
	mem, err := AllocHost(size)
	if err != nil {
		return Memory{}, err
	}
	a.used = true
	a.mem = mem
	return mem, nil
}

// Release frees the allocation. Callers must synchronize the stream that
// used it first.
func (a *OneTimeScratchAllocator) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.mem.Free()
	a.mem = Memory{}
	return err
}

// ScratchPool bounds the total scratch memory outstanding across
// concurrent invocations. Each invocation allocates through its own
// StreamScratch, so no two calls ever share a buffer.
type ScratchPool struct {
	capacity int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

func NewScratchPool(capacity int64) *ScratchPool {
	if capacity <= 0 {
		capacity = math.MaxInt64
	}
	return &ScratchPool{
		capacity: capacity,
		sem:      semaphore.NewWeighted(capacity),
	}
}

func (p *ScratchPool) Capacity() int64 { return p.capacity }

// InUse reports bytes currently handed out and not yet released.
func (p *ScratchPool) InUse() int64 { return p.inUse.Load() }

// ForStream returns an allocator scoped to one invocation on stream.
func (p *ScratchPool) ForStream(stream Stream) *StreamScratch {
	return &StreamScratch{pool: p, stream: stream}
}

func (p *ScratchPool) release(held []heldScratch) error {
	var errs []error
	for _, h := range held {
		if err := h.mem.Free(); err != nil {
			errs = append(errs, err)
		}
		p.inUse.Add(-h.size)
		p.sem.Release(h.size)
	}
	return errors.Join(errs...)
}

type heldScratch struct {
	mem  Memory
	size int64
}

// StreamScratch is a per-invocation view of a ScratchPool. Its buffers go
// back to the pool only after the work enqueued on the stream before Close
// has run.
type StreamScratch struct {
	pool   *ScratchPool
	stream Stream

	mu     sync.Mutex
	held   []heldScratch
	closed bool
}

func (s *StreamScratch) MemoryLimit() int64 { return s.pool.capacity }

// AllocateBytes waits until the pool can cover size bytes. Requests larger
// than the whole pool fail immediately.
func (s *StreamScratch) AllocateBytes(ctx context.Context, size int64) (Memory, error) {
	if size < 0 {
		return Memory{}, fmt.Errorf("device: negative scratch size %d", size)
	}
	if size == 0 {
		return Memory{}, nil
	}
	if size > s.pool.capacity {
		return Memory{}, fmt.Errorf("%w: requested %d bytes, pool capacity %d", ErrScratchExhausted, size, s.pool.capacity)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Memory{}, fmt.Errorf("device: scratch scope already closed")
	}
	if err := s.pool.sem.Acquire(ctx, size); err != nil {
		return Memory{}, fmt.Errorf("%w: waiting for %d bytes: %w", ErrScratchExhausted, size, err)
	}
	mem, err := AllocHost(size)
	if err != nil {
		s.pool.sem.Release(size)
		return Memory{}, err
	}
	s.pool.inUse.Add(size)

	s.mu.Lock()
	s.held = append(s.held, heldScratch{mem: mem, size: size})
	s.mu.Unlock()
	return mem, nil
}

// Close schedules the release of every buffer behind the work already on
// the stream. If the stream no longer accepts work the buffers are released
// immediately.
func (s *StreamScratch) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	held := s.held
	s.held = nil
	s.mu.Unlock()

	if len(held) == 0 {
		return nil
	}
	release := func() error { return s.pool.release(held) }
	if err := s.stream.Enqueue(release); err != nil {
		return release()
	}
	return nil
}
