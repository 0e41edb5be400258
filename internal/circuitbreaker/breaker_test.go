package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		OpenDuration:     10 * time.Second,
		MaxOpenDuration:  40 * time.Second,
		HalfOpenMax:      2,
		SuccessThreshold: 2,
		Backoff:          true,
	}
}

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return New("srv-1/tools", testConfig(), withClock(clock.Now)), clock
}

func tripOpen(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < testConfig().FailureThreshold; i++ {
		require.True(t, b.Allow())
		b.RecordResult(false)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestClosedAdmitsCalls(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 100; i++ {
		assert.True(t, b.Allow())
		b.RecordResult(true)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.True(t, b.Allow())
	b.RecordResult(false)
	require.True(t, b.Allow())
	b.RecordResult(false)
	// A success resets the streak.
	require.True(t, b.Allow())
	b.RecordResult(true)

	require.True(t, b.Allow())
	b.RecordResult(false)
	require.True(t, b.Allow())
	b.RecordResult(false)
	assert.Equal(t, StateClosed, b.State())

	require.True(t, b.Allow())
	b.RecordResult(false)
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenRejectsUntilDurationElapses(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripOpen(t, b)

	assert.False(t, b.Allow())
	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())

	st := b.Status()
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, time.Second, st.RetryAfter)

	clock.Advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripOpen(t, b)
	clock.Advance(10 * time.Second)

	require.True(t, b.Allow())
	require.True(t, b.Allow())
	// HalfOpenMax trial calls are in flight, further calls are shed.
	assert.False(t, b.Allow())

	// A finished trial frees a slot.
	b.RecordResult(true)
	assert.True(t, b.Allow())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripOpen(t, b)
	clock.Advance(10 * time.Second)

	require.True(t, b.Allow())
	b.RecordResult(true)
	assert.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.Allow())
	b.RecordResult(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripOpen(t, b)
	clock.Advance(10 * time.Second)

	require.True(t, b.Allow())
	b.RecordResult(false)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestOpenDurationBackoff(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripOpen(t, b)

	// Second trip doubles the open duration to 20s.
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
	b.RecordResult(false)
	clock.Advance(19 * time.Second)
	assert.False(t, b.Allow())
	clock.Advance(time.Second)
	require.True(t, b.Allow())

	// Third trip: 40s (the cap).
	b.RecordResult(false)
	clock.Advance(39 * time.Second)
	assert.False(t, b.Allow())
	clock.Advance(time.Second)
	require.True(t, b.Allow())

	// Fourth trip stays at the 40s cap.
	b.RecordResult(false)
	st := b.Status()
	assert.Equal(t, 40*time.Second, st.RetryAfter)
}

func TestCloseResetsBackoff(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripOpen(t, b)
	clock.Advance(10 * time.Second)

	require.True(t, b.Allow())
	b.RecordResult(false) // second trip, 20s

	clock.Advance(20 * time.Second)
	require.True(t, b.Allow())
	b.RecordResult(true)
	require.True(t, b.Allow())
	b.RecordResult(true)
	require.Equal(t, StateClosed, b.State())

	// After closing, a fresh trip uses the base duration again.
	tripOpen(t, b)
	assert.Equal(t, 10*time.Second, b.Status().RetryAfter)
}

func TestNeverStuckHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripOpen(t, b)
	clock.Advance(10 * time.Second)

	// Fill every trial slot, then finish each trial. Whatever the
	// outcomes, the breaker must leave half-open promptly.
	require.True(t, b.Allow())
	require.True(t, b.Allow())
	b.RecordResult(true)
	b.RecordResult(false)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(20 * time.Second)
	require.True(t, b.Allow())
	b.RecordResult(true)
	require.True(t, b.Allow())
	b.RecordResult(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestLateResultAfterTripIgnored(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.True(t, b.Allow())
	tripOpen(t, b)
	// The straggler from before the trip must not disturb the open state.
	b.RecordResult(true)
	assert.Equal(t, StateOpen, b.State())
}

func TestStatusTimeInState(t *testing.T) {
	b, clock := newTestBreaker(t)
	clock.Advance(5 * time.Second)
	st := b.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 5*time.Second, st.TimeInState)
	assert.Zero(t, st.RetryAfter)
}

func TestConcurrentAllow(t *testing.T) {
	b, _ := newTestBreaker(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if b.Allow() {
					b.RecordResult(j%5 != 0)
				}
			}
		}()
	}
	wg.Wait()
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	a := r.GetOrCreate("srv-1", "tools")
	b := r.GetOrCreate("srv-1", "tools")
	assert.Same(t, a, b)

	c := r.GetOrCreate("srv-1", "resources")
	assert.NotSame(t, a, c)

	got, ok := r.Get("srv-1", "tools")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("srv-2", "tools")
	assert.False(t, ok)
}

func TestRegistryRemoveServer(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	r.GetOrCreate("srv-1", "tools")
	r.GetOrCreate("srv-1", "resources")
	r.GetOrCreate("srv-2", "tools")

	r.RemoveServer("srv-1")

	_, ok := r.Get("srv-1", "tools")
	assert.False(t, ok)
	_, ok = r.Get("srv-1", "resources")
	assert.False(t, ok)
	_, ok = r.Get("srv-2", "tools")
	assert.True(t, ok)
}

func TestRegistryStatuses(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	b := r.GetOrCreate("srv-1", "tools")
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.RecordResult(false)
	}

	statuses := r.Statuses()
	require.Contains(t, statuses, "srv-1/tools")
	assert.Equal(t, StateOpen, statuses["srv-1/tools"].State)
}

func TestRegistryUpdateConfigConcurrent(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.GetOrCreate("srv-1", "tools").Allow()
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			cfg := testConfig()
			for j := 0; j < 200; j++ {
				cfg.FailureThreshold = 2 + j%5
				r.UpdateConfig(cfg)
			}
		}(i)
	}
	wg.Wait()

	_, ok := r.Get("srv-1", "tools")
	assert.True(t, ok)
}
