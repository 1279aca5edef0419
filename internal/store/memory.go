package store

import (
	"context"
	"sync"
)

// maxMemoryEvents caps events kept per device by the memory store
const maxMemoryEvents = 1000

// MemoryStore keeps events in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*Event)}
}

func (s *MemoryStore) RecordEvent(ctx context.Context, ev *Event) error {
	prepare(ev)
	copied := *ev

	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.events[ev.Serial], &copied)
	if len(list) > maxMemoryEvents {
		list = list[len(list)-maxMemoryEvents:]
	}
	s.events[ev.Serial] = list
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, serial string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[serial]
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Event, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		copied := *list[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) Close() error                          { return nil }
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }
