package history

import (
	"context"
	"slices"
	"sync"
)

// DefaultMemCapacity is the number of records [NewMemStore] keeps when given
// a non-positive capacity.
const DefaultMemCapacity = 256

// MemStore keeps the most recent records in memory. Once full, saving a new
// record evicts the oldest one.
type MemStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	byID     map[string]Record
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates a MemStore holding up to capacity records.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultMemCapacity
	}
	return &MemStore{capacity: capacity, byID: make(map[string]Record)}
}

// Save implements [Store].
func (s *MemStore) Save(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cp := *r
	cp.Matches = slices.Clone(r.Matches)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; !ok {
		s.order = append(s.order, r.ID)
		if len(s.order) > s.capacity {
			delete(s.byID, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.byID[r.ID] = cp
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	r.Matches = slices.Clone(r.Matches)
	return &r, nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.byID))
	for _, r := range s.byID {
		r.Matches = slices.Clone(r.Matches)
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements [Store]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Len returns the number of records held.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
