package flags

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process Store for tests and for deployments that
// run one worker. Same consume-once semantics as the redis store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem

	// now is swappable for tests.
	now func() time.Time
}

type memoryItem struct {
	value   string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

// Set records a flag with a TTL.
func (s *MemoryStore) Set(ctx context.Context, callID, name, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	s.items[key(callID, name)] = memoryItem{value: value, expires: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Consume atomically reads and deletes a flag.
func (s *MemoryStore) Consume(ctx context.Context, callID, name string) (string, bool, error) {
	k := key(callID, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[k]
	if !ok {
		return "", false, nil
	}
	delete(s.items, k)
	if s.now().After(item.expires) {
		return "", false, nil
	}
	return item.value, true, nil
}
