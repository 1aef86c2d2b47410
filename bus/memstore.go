package bus

import (
	"context"
	"slices"
	"sync"

	"github.com/petal-labs/flowbridge/execution"
)

// MemDeltaStore is a thread-safe in-memory delta store.
type MemDeltaStore struct {
	mu     sync.RWMutex
	deltas map[execution.Handle][]execution.Delta
}

// NewMemDeltaStore creates a new in-memory delta store.
func NewMemDeltaStore() *MemDeltaStore {
	return &MemDeltaStore{
		deltas: make(map[execution.Handle][]execution.Delta),
	}
}

func (s *MemDeltaStore) Append(_ context.Context, delta execution.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas[delta.Handle] = append(s.deltas[delta.Handle], delta)
	return nil
}

func (s *MemDeltaStore) List(_ context.Context, handle execution.Handle, afterSeq uint64, limit int) ([]execution.Delta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []execution.Delta
	for _, d := range s.deltas[handle] {
		if afterSeq > 0 && d.Seq <= afterSeq {
			continue
		}
		result = append(result, d)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemDeltaStore) LatestSeq(_ context.Context, handle execution.Handle) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, d := range s.deltas[handle] {
		maxSeq = max(maxSeq, d.Seq)
	}
	return maxSeq, nil
}

func (s *MemDeltaStore) Handles(_ context.Context) ([]execution.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handles := make([]execution.Handle, 0, len(s.deltas))
	for h := range s.deltas {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	return handles, nil
}

var _ DeltaStore = (*MemDeltaStore)(nil)
