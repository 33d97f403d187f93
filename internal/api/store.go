package api

import (
	"sync"
)

// RunStore keeps the most recent run responses so clients can fetch them
// again by ID. The oldest entry is evicted once the store is full.
type RunStore struct {
	mu    sync.Mutex
	limit int
	runs  map[string]RunResponse
	order []string
}

func NewRunStore(limit int) *RunStore {
	if limit <= 0 {
		limit = 128
	}
	return &RunStore{
		limit: limit,
		runs:  make(map[string]RunResponse),
	}
}

func (s *RunStore) Put(resp RunResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.runs[resp.ID] = resp
	for len(s.order) > s.limit {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *RunStore) Get(id string) (RunResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.runs[id]
	return resp, ok
}

func (s *RunStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return false
	}
	delete(s.runs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *RunStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}
