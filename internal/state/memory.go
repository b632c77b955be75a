package state

import (
	"context"
	"sort"
	"sync"

	"faultwatch/internal/models"
)

// MemoryStore is a thread-safe in-memory Store. Records are copied on the
// way in and on the way out so callers never share memory with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*models.MachineState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*models.MachineState)}
}

func (s *MemoryStore) Get(_ context.Context, machineID string) (*models.MachineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[machineID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, st *models.MachineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[st.MachineID]
	if ok && cur.ObservedAt.After(st.ObservedAt) {
		return ErrStaleWrite
	}
	next := st.Clone()
	if ok && cur.LastAlertSentAt != nil &&
		(next.LastAlertSentAt == nil || cur.LastAlertSentAt.After(*next.LastAlertSentAt)) {
		t := *cur.LastAlertSentAt
		next.LastAlertSentAt = &t
	}
	s.data[st.MachineID] = next
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.MachineState, error) {
	s.mu.RLock()
	out := make([]*models.MachineState, 0, len(s.data))
	for _, st := range s.data {
		out = append(out, st.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out, nil
}

// Count returns the number of machines held.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) Close() error { return nil }
