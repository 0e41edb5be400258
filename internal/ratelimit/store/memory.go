package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// memoryEntry is one counter. The value is atomic so increments on an
// existing entry avoid the store mutex.
type memoryEntry struct {
	value     atomic.Int64
	expiresAt time.Time
}

// MemoryStore implements Store in process memory. Suitable for a single
// gateway instance; multi-instance deployments share counters through
// the Redis store instead.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewMemoryStore creates an in-memory counter store with a background
// janitor that evicts expired entries.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// live returns the entry if present and unexpired.
func (s *MemoryStore) live(key string) *memoryEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().After(e.expiresAt) {
		return nil
	}
	return e
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	return e.value.Load(), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := &memoryEntry{expiresAt: s.now().Add(ttl)}
	e.value.Store(value)
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e := s.live(key); e != nil {
		return e.value.Add(delta), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the write lock: another goroutine may have created
	// the entry between the read and here.
	if e, ok := s.entries[key]; ok && !s.now().After(e.expiresAt) {
		return e.value.Add(delta), nil
	}
	e := &memoryEntry{expiresAt: s.now().Add(ttl)}
	e.value.Store(delta)
	s.entries[key] = e
	return delta, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.live(key) != nil, nil
}

// TTL implements Store.
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	remaining := e.expiresAt.Sub(s.now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
