package store

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyStore implements IdempotencyStore in process memory
type MemoryIdempotencyStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty store
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// Get retrieves a cached response
func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(item.expiresAt) {
		delete(s.items, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

// Set stores a response with TTL unless one is already recorded, expiring
// older entries on the way
func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, item := range s.items {
		if now.After(item.expiresAt) {
			delete(s.items, k)
		}
	}
	if _, ok := s.items[key]; ok {
		return nil
	}
	s.items[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: now.Add(ttl)}
	return nil
}

// Delete removes an idempotency key
func (s *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryIdempotencyStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryIdempotencyStore) Close() error { return nil }
