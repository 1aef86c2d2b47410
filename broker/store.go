package broker

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// Store persists server registrations. List returns records in
// registration order.
type Store interface {
	List(ctx context.Context) ([]ServerRecord, error)
	Get(ctx context.Context, id string) (ServerRecord, bool, error)
	Upsert(ctx context.Context, record ServerRecord) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	records map[string]ServerRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]ServerRecord)}
}

func (s *MemoryStore) List(ctx context.Context) ([]ServerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].clone())
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (ServerRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return ServerRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return ServerRecord{}, false, nil
	}
	return record.clone(), true, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, record ServerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("broker: record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; !ok {
		s.order = append(s.order, record.ID)
	}
	s.records[record.ID] = record.clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(existing string) bool { return existing == id })
	return nil
}

var _ Store = (*MemoryStore)(nil)
