package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrStreamClosed = errors.New("device: stream is closed")

// Stream is an ordered execution queue. Enqueue returns once the work is
// queued; errors raised by the work surface from the next Synchronize.
type Stream interface {
	ID() uuid.UUID
	Enqueue(fn func() error) error
	Synchronize(ctx context.Context) error
}

// HostStream runs enqueued work in FIFO order on a single goroutine.
type HostStream struct {
	id    uuid.UUID
	tasks chan func() error
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

// NewHostStream starts a stream whose queue holds up to depth pending
// items before Enqueue blocks.
func NewHostStream(depth int) *HostStream {
	depth = max(depth, 1)
	s := &HostStream{
		id:    uuid.New(),
		tasks: make(chan func() error, depth),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *HostStream) ID() uuid.UUID { return s.id }

func (s *HostStream) loop() {
	defer close(s.done)
	for fn := range s.tasks {
		if err := runTask(fn); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.errMu.Unlock()
		}
	}
}

func runTask(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = streamExecutionError(rec)
		}
	}()
	return fn()
}

func streamExecutionError(rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("stream execution failed: %w", recErr)
	}
	return fmt.Errorf("stream execution failed: %v", rec)
}

// Enqueue blocks while the queue is full.
func (s *HostStream) Enqueue(fn func() error) error {
	return s.enqueue(context.Background(), fn)
}

func (s *HostStream) enqueue(ctx context.Context, fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStreamClosed
	}
	select {
	case s.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Synchronize waits for all work enqueued before the call and returns the
// first error recorded since the previous Synchronize. ctx also bounds the
// wait for queue space.
func (s *HostStream) Synchronize(ctx context.Context) error {
	marker := make(chan struct{})
	err := s.enqueue(ctx, func() error {
		close(marker)
		return nil
	})
	switch {
	case errors.Is(err, ErrStreamClosed):
		<-s.done
		return s.takeErr()
	case err != nil:
		return err
	}
	select {
	case <-marker:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.takeErr()
}

func (s *HostStream) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Close drains pending work and stops the worker.
func (s *HostStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.tasks)
	s.mu.Unlock()
	<-s.done
	return s.takeErr()
}
