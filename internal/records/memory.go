package records

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps encoded records in a map. Callers get decoded copies so
// stored records cannot be mutated after the write.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Write(_ context.Context, rec *Record) (string, error) {
	b, err := prepare(rec)
	if err != nil {
		return "", fmt.Errorf("records: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[rec.ID]; exists {
		return "", ErrDuplicate
	}
	s.data[rec.ID] = b
	return rec.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	b, ok := s.data[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return decode(b)
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) Close() error { return nil }
