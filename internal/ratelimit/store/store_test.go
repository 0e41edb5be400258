package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lets the shared contract tests run against every
// backend.
func storeFactories(t *testing.T) map[string]func(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	return map[string]func(t *testing.T) (Store, *miniredis.Miniredis){
		"memory": func(t *testing.T) (Store, *miniredis.Miniredis) {
			s := NewMemoryStore()
			t.Cleanup(func() { _ = s.Close() })
			return s, nil
		},
		"redis": func(t *testing.T) (Store, *miniredis.Miniredis) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "mcpgw:rl:"), mr
		},
	}
}

func TestIncrementWithExpiry(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			v, err := s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v)

			v, err = s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(2), v)

			v, err = s.IncrementWithExpiry(ctx, "k", 5, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(7), v)

			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, int64(7), got)
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			v, err := s.Get(context.Background(), "missing")
			require.NoError(t, err)
			assert.Zero(t, v)

			ok, err := s.Exists(context.Background(), "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			ttl, err := s.TTL(context.Background(), "missing")
			require.NoError(t, err)
			assert.Zero(t, ttl)
		})
	}
}

func TestSetAndDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "k", 42, time.Minute))
			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, int64(42), v)

			ok, err := s.Exists(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)

			ttl, err := s.TTL(ctx, "k")
			require.NoError(t, err)
			assert.Greater(t, ttl, 50*time.Second)

			require.NoError(t, s.Delete(ctx, "k"))
			v, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Zero(t, v)
		})
	}
}

func TestWindowExpiresRelativeToFirstIncrement(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, mr := factory(t)
			ctx := context.Background()

			_, err := s.IncrementWithExpiry(ctx, "k", 1, 100*time.Millisecond)
			require.NoError(t, err)
			// Later increments must not push the expiry out.
			_, err = s.IncrementWithExpiry(ctx, "k", 1, 100*time.Millisecond)
			require.NoError(t, err)

			if mr != nil {
				mr.FastForward(150 * time.Millisecond)
			} else {
				time.Sleep(150 * time.Millisecond)
			}

			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Zero(t, v)

			// The next increment starts a fresh window.
			v, err = s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v)
		})
	}
}

func TestConcurrentIncrements(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 50; j++ {
						_, err := s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, int64(400), v)
		})
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	s.evictExpired()

	s.mu.RLock()
	_, ok := s.entries["k"]
	s.mu.RUnlock()
	assert.False(t, ok)
}
