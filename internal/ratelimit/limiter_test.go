package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamcpgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	// Mid-window alignment does not matter; Truncate picks the window.
	return &fixedClock{now: time.Unix(1700000000, 0)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fixedClock) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	clock := newFixedClock()
	return New(st, cfg, withClock(clock.Now)), clock
}

func TestAnonymousIPTier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnonymousLimit = 5
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()
	identity := Identity{IP: "203.0.113.7", Role: RoleAnonymous}

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, identity, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, TierIP, d.Tier)
		assert.Equal(t, 5, d.Limit)
		assert.Equal(t, 5-i-1, d.Remaining)
	}

	d, err := l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, TierIP, d.Tier)
	assert.Equal(t, util.ReasonRateLimited, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestTenantTierRejection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TenantLimits = map[string]int{"tenant-a": 100}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()
	// Admin role keeps the principal tier out of the way.
	identity := Identity{IP: "203.0.113.7", UserID: "u1", TenantID: "tenant-a", Role: RoleAdmin}

	for i := 0; i < 100; i++ {
		d, err := l.Check(ctx, identity, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, TierTenant, d.Tier)
	assert.Equal(t, 100, d.Limit)
	assert.Zero(t, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, cfg.Window)
}

func TestPrincipalTierUsesRoleLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserLimit = 3
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()
	identity := Identity{IP: "203.0.113.7", UserID: "u1", Role: RoleUser}

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, identity, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, TierPrincipal, d.Tier)
}

func TestAPIKeyOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeyLimits = map[string]int{"key-1": 2}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()
	identity := Identity{IP: "203.0.113.7", APIKeyID: "key-1", Role: RoleOwner}

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, identity, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, TierPrincipal, d.Tier)
	assert.Equal(t, 2, d.Limit)
}

func TestGlobalCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 4
	cfg.AnonymousLimit = 100
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	// Distinct IPs: only the global tier can bind.
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	for i, ip := range ips[:4] {
		d, err := l.Check(ctx, Identity{IP: ip}, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d, err := l.Check(ctx, Identity{IP: ips[4]}, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, TierGlobal, d.Tier)
}

func TestBurstHeadroom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnonymousLimit = 2
	cfg.Burst = 2
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()
	identity := Identity{IP: "203.0.113.7"}

	for i := 0; i < 4; i++ {
		d, err := l.Check(ctx, identity, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d, err := l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestWindowRotationResets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnonymousLimit = 1
	l, clock := newTestLimiter(t, cfg)
	ctx := context.Background()
	identity := Identity{IP: "203.0.113.7"}

	d, err := l.Check(ctx, identity, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = l.Check(ctx, identity, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Advance(cfg.Window)

	d, err = l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestFairnessClampsUnderPressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 100
	cfg.FairnessThreshold = 0.5
	cfg.TenantLimits = map[string]int{"tenant-a": 10, "tenant-b": 10}
	l, clock := newTestLimiter(t, cfg)
	ctx := context.Background()

	a := Identity{IP: "10.0.0.1", UserID: "u1", TenantID: "tenant-a", Role: RoleAdmin}
	b := Identity{IP: "10.0.0.2", UserID: "u2", TenantID: "tenant-b", Role: RoleAdmin}

	// Below the threshold both tenants see their configured limit.
	d, err := l.Check(ctx, a, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = l.Check(ctx, b, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Push global utilization past the threshold.
	windowStart := clock.Now().Truncate(cfg.Window)
	require.NoError(t, l.store.Set(ctx, windowKey("global", "", windowStart), 60, cfg.Window))

	// Two active tenants of equal weight: fair share is ceil(10/2) = 5.
	// Tenant A already used 1, so 4 more pass.
	for i := 0; i < 4; i++ {
		d, err = l.Check(ctx, a, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d, err = l.Check(ctx, a, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, TierTenant, d.Tier)
	assert.Equal(t, 5, d.Limit)
}

func TestWeightedShare(t *testing.T) {
	p := WeightedShare{}
	assert.Equal(t, 5, p.EffectiveLimit(10, 1, 2))
	assert.Equal(t, 7, p.EffectiveLimit(10, 2, 3))
	// Never above the configured limit, never below 1.
	assert.Equal(t, 10, p.EffectiveLimit(10, 5, 2))
	assert.Equal(t, 1, p.EffectiveLimit(10, 0.01, 100))
	// No active weight means no scaling.
	assert.Equal(t, 10, p.EffectiveLimit(10, 1, 0))
}

func TestDenyListAfterRepeatedViolations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnonymousLimit = 1
	cfg.ViolationThreshold = 3
	cfg.DenyDuration = 50 * time.Millisecond
	l, clock := newTestLimiter(t, cfg)
	ctx := context.Background()
	identity := Identity{IP: "203.0.113.7"}

	d, err := l.Check(ctx, identity, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Three rejections cross the violation threshold.
	for i := 0; i < 3; i++ {
		d, err = l.Check(ctx, identity, 1)
		require.NoError(t, err)
		require.False(t, d.Allowed)
		assert.Equal(t, util.ReasonRateLimited, d.Reason)
	}

	// Deny list now short-circuits everything, including other tiers.
	d, err = l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, util.ReasonIPDenied, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Entry expires by TTL only; afterwards a fresh window admits again.
	time.Sleep(60 * time.Millisecond)
	clock.Advance(cfg.Window)
	d, err = l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestConcurrentAdmissionBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnonymousLimit = 50
	cfg.Burst = 10
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()
	identity := Identity{IP: "203.0.113.7"}

	var allowed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				d, err := l.Check(ctx, identity, 1)
				if err == nil && d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, allowed, int64(60))
	assert.Equal(t, int64(60), allowed)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (int64, error) { return 0, errors.New("down") }
func (failingStore) Set(context.Context, string, int64, time.Duration) error {
	return errors.New("down")
}
func (failingStore) IncrementWithExpiry(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("down")
}
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingStore) TTL(context.Context, string) (time.Duration, error) {
	return 0, errors.New("down")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("down") }
func (failingStore) Close() error                         { return nil }

func TestFailOpenWhenStoreDown(t *testing.T) {
	l := New(failingStore{}, DefaultConfig())
	ctx := context.Background()

	// Every check is admitted while the store is down, including after
	// the store breaker trips.
	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, Identity{IP: "203.0.113.7"}, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
	}
}

func TestUpdateConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnonymousLimit = 1
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()
	identity := Identity{IP: "203.0.113.7"}

	d, err := l.Check(ctx, identity, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = l.Check(ctx, identity, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	cfg.AnonymousLimit = 100
	l.UpdateConfig(cfg)

	d, err = l.Check(ctx, identity, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckCancelledContext(t *testing.T) {
	l, _ := newTestLimiter(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Check(ctx, Identity{IP: "203.0.113.7"}, 1)
	assert.Error(t, err)
}
