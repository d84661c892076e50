package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps slots in process memory. Watchers registered on the same
// instance observe each other's writes, which is how tests model two tabs
// sharing one browser storage.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[Slot][]byte
	watchers map[int]func(Slot)
	nextID   int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[Slot][]byte),
		watchers: make(map[int]func(Slot)),
	}
}

func (s *MemoryStore) Get(ctx context.Context, slot Slot) ([]byte, error) {
	if err := validSlot(slot); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[slot]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Put(ctx context.Context, slot Slot, value []byte) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	s.mu.Lock()
	s.values[slot] = append([]byte(nil), value...)
	s.mu.Unlock()
	s.notify(slot)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, slot Slot) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	s.mu.Lock()
	_, existed := s.values[slot]
	delete(s.values, slot)
	s.mu.Unlock()
	if existed {
		s.notify(slot)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Watch registers fn until ctx is done.
func (s *MemoryStore) Watch(ctx context.Context, fn func(Slot)) error {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}()
	return nil
}

func (s *MemoryStore) notify(slot Slot) {
	s.mu.RLock()
	fns := make([]func(Slot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(slot)
	}
}
