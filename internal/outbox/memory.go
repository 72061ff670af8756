package outbox

import (
	"context"
	"sync"
)

// MemoryStore keeps messages in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[string]QueuedMessage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]QueuedMessage)}
}

func (s *MemoryStore) Put(_ context.Context, m QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = m
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return QueuedMessage{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[id]; !ok {
		return ErrNotFound
	}
	delete(s.msgs, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]QueuedMessage, error) {
	s.mu.RLock()
	out := make([]QueuedMessage, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sortFIFO(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
