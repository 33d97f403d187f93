package dnn

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/gemmrun/internal/device"
	"github.com/samcharles93/gemmrun/internal/logger"
)

var ErrRegistryClosed = errors.New("dnn: engine registry is closed")

// Registry owns one Engine per stream. Create it at process start, inject
// it where engines are needed and Close it at shutdown.
type Registry struct {
	workers int
	log     logger.Logger
	build   func(uuid.UUID) *Engine

	mu      sync.RWMutex
	engines map[uuid.UUID]*Engine
	order   []uuid.UUID
	closed  bool
}

type RegistryOption func(*Registry)

// WithWorkers sets the worker count of engines built by the registry.
func WithWorkers(n int) RegistryOption {
	return func(r *Registry) { r.workers = n }
}

func WithRegistryLogger(log logger.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		engines: make(map[uuid.UUID]*Engine),
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.build = func(id uuid.UUID) *Engine { return newEngine(id, r.workers) }
	return r
}

// FindOrCreate returns the engine for stream, building it on first use.
// Concurrent first calls for the same stream build exactly one engine.
func (r *Registry) FindOrCreate(stream device.Stream) (*Engine, error) {
	id := stream.ID()

	r.mu.RLock()
	e, ok := r.engines[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if e, ok := r.engines[id]; ok {
		return e, nil
	}
	e = r.build(id)
	r.engines[id] = e
	r.order = append(r.order, id)
	r.log.Debug("dnn engine created", "stream", id, "kind", e.kind, "workers", e.workers, "isa", e.isa)
	return e, nil
}

// Engines lists engines in creation order.
func (r *Registry) Engines() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.engines[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Close drops every engine. Later lookups fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	clear(r.engines)
	r.order = nil
	return nil
}
