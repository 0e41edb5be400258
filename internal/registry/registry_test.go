package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(NewMemoryStore(10))
}

func validSpec(name string) RegisterSpec {
	return RegisterSpec{
		Name: name,
		Endpoint: Endpoint{
			URL:       "https://mcp.example.com/stream",
			Transport: TransportStreamable,
		},
	}
}

func TestRegister(t *testing.T) {
	r := newTestRegistry(t)

	rec, err := r.Register(context.Background(), validSpec("search"))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, HealthUnknown, rec.Health)
	assert.Equal(t, 1.0, rec.SuccessRate)
	assert.False(t, rec.Deleted())
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		spec RegisterSpec
	}{
		{
			name: "missing name",
			spec: RegisterSpec{Endpoint: Endpoint{URL: "https://x.example.com", Transport: TransportSSE}},
		},
		{
			name: "bad transport",
			spec: RegisterSpec{Name: "a", Endpoint: Endpoint{URL: "https://x.example.com", Transport: "grpc"}},
		},
		{
			name: "relative url",
			spec: RegisterSpec{Name: "a", Endpoint: Endpoint{URL: "/relative", Transport: TransportSSE}},
		},
		{
			name: "websocket requires ws scheme",
			spec: RegisterSpec{Name: "a", Endpoint: Endpoint{URL: "https://x.example.com", Transport: TransportWebSocket}},
		},
		{
			name: "sse requires http scheme",
			spec: RegisterSpec{Name: "a", Endpoint: Endpoint{URL: "wss://x.example.com", Transport: TransportSSE}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.spec)
			assert.ErrorIs(t, err, util.ErrInvalidInput)
		})
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	spec := validSpec("search")
	spec.TenantID = "tenant-a"
	_, err := r.Register(ctx, spec)
	require.NoError(t, err)

	_, err = r.Register(ctx, spec)
	assert.ErrorIs(t, err, util.ErrConflict)

	// Same name under a different tenant is fine.
	other := validSpec("search")
	other.TenantID = "tenant-b"
	_, err = r.Register(ctx, other)
	assert.NoError(t, err)
}

func TestDeregisterSoftDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)

	require.NoError(t, r.Deregister(ctx, rec.ID))

	// Record remains readable after deregistration.
	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted())
	assert.Equal(t, StatusInactive, got.Status)

	// But it is gone from listings and a second deregister fails.
	assert.Empty(t, r.List())
	assert.ErrorIs(t, r.Deregister(ctx, rec.ID), util.ErrNotFound)

	// The name is freed for re-registration.
	_, err = r.Register(ctx, validSpec("search"))
	assert.NoError(t, err)
}

func TestDeregisterUnknown(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Deregister(context.Background(), "nope")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestFindHealthyFilters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	global, err := r.Register(ctx, validSpec("global"))
	require.NoError(t, err)

	ownedSpec := validSpec("owned")
	ownedSpec.TenantID = "tenant-a"
	owned, err := r.Register(ctx, ownedSpec)
	require.NoError(t, err)

	foreignSpec := validSpec("foreign")
	foreignSpec.TenantID = "tenant-b"
	foreign, err := r.Register(ctx, foreignSpec)
	require.NoError(t, err)

	// Unknown health is not routable: nothing yet.
	assert.Empty(t, r.FindHealthy(Criteria{TenantID: "tenant-a"}))

	for _, id := range []string{global.ID, owned.ID, foreign.ID} {
		require.NoError(t, r.ApplyProbeSuccess(ctx, id, 10*time.Millisecond, false))
	}

	got := r.FindHealthy(Criteria{TenantID: "tenant-a"})
	require.Len(t, got, 2)
	// Tenant-owned sorts before global.
	assert.Equal(t, owned.ID, got[0].ID)
	assert.Equal(t, global.ID, got[1].ID)
}

func TestFindHealthyExcludesNonRoutable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)
	require.NoError(t, r.ApplyProbeSuccess(ctx, rec.ID, time.Millisecond, false))
	require.Len(t, r.FindHealthy(Criteria{}), 1)

	// Degraded stays routable.
	require.NoError(t, r.ApplyProbeSuccess(ctx, rec.ID, 3*time.Second, true))
	require.Len(t, r.FindHealthy(Criteria{}), 1)

	// Unhealthy does not.
	_, err = r.ApplyProbeFailure(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, r.FindHealthy(Criteria{}))

	// Maintenance removes an otherwise healthy server from rotation.
	require.NoError(t, r.ApplyProbeSuccess(ctx, rec.ID, time.Millisecond, false))
	require.NoError(t, r.SetStatus(ctx, rec.ID, StatusMaintenance))
	assert.Empty(t, r.FindHealthy(Criteria{}))
}

func TestFindHealthyOrdersByResponseTime(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	slow, err := r.Register(ctx, validSpec("slow"))
	require.NoError(t, err)
	fast, err := r.Register(ctx, validSpec("fast"))
	require.NoError(t, err)

	require.NoError(t, r.ApplyProbeSuccess(ctx, slow.ID, time.Millisecond, false))
	require.NoError(t, r.ApplyProbeSuccess(ctx, fast.ID, time.Millisecond, false))
	require.NoError(t, r.ReportOutcome(slow.ID, true, 500*time.Millisecond))
	require.NoError(t, r.ReportOutcome(fast.ID, true, 20*time.Millisecond))

	got := r.FindHealthy(Criteria{})
	require.Len(t, got, 2)
	assert.Equal(t, fast.ID, got[0].ID)
}

func TestFindHealthyTransportAndTags(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	spec := validSpec("tagged")
	spec.Tags = []string{"search", "prod"}
	rec, err := r.Register(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, r.ApplyProbeSuccess(ctx, rec.ID, time.Millisecond, false))

	assert.Len(t, r.FindHealthy(Criteria{Transport: TransportStreamable}), 1)
	assert.Empty(t, r.FindHealthy(Criteria{Transport: TransportWebSocket}))
	assert.Len(t, r.FindHealthy(Criteria{Tags: []string{"search"}}), 1)
	assert.Len(t, r.FindHealthy(Criteria{Tags: []string{"search", "prod"}}), 1)
	assert.Empty(t, r.FindHealthy(Criteria{Tags: []string{"search", "staging"}}))
}

func TestReportOutcomeEMA(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)

	// First outcome seeds the averages directly.
	require.NoError(t, r.ReportOutcome(rec.ID, true, 100*time.Millisecond))
	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, got.AvgResponseTime)
	assert.Equal(t, 1.0, got.SuccessRate)

	// EMA: 0.8*100ms + 0.2*200ms = 120ms; rate 0.8*1 + 0.2*0 = 0.8.
	require.NoError(t, r.ReportOutcome(rec.ID, false, 200*time.Millisecond))
	got, err = r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Millisecond, got.AvgResponseTime)
	assert.InDelta(t, 0.8, got.SuccessRate, 1e-9)
	assert.Equal(t, 1, got.ConsecutiveFailures)

	// Success resets the consecutive failure counter.
	require.NoError(t, r.ReportOutcome(rec.ID, true, 100*time.Millisecond))
	got, err = r.Get(rec.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Equal(t, int64(3), got.Outcomes)
}

func TestReportOutcomeNeverFlipsHealth(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)
	require.NoError(t, r.ApplyProbeSuccess(ctx, rec.ID, time.Millisecond, false))

	for i := 0; i < 50; i++ {
		require.NoError(t, r.ReportOutcome(rec.ID, false, time.Second))
	}
	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, got.Health)
}

func TestApplyProbeFailureThreshold(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)
	require.NoError(t, r.ApplyProbeSuccess(ctx, rec.ID, time.Millisecond, false))

	health, err := r.ApplyProbeFailure(ctx, rec.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health)

	health, err = r.ApplyProbeFailure(ctx, rec.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health)

	health, err = r.ApplyProbeFailure(ctx, rec.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, health)
}

type captureListener struct {
	mu           sync.Mutex
	registered   []string
	deregistered []string
}

func (l *captureListener) ServerRegistered(rec *ServerRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered = append(l.registered, rec.ID)
}

func (l *captureListener) ServerDeregistered(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deregistered = append(l.deregistered, id)
}

func TestListenerLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	listener := &captureListener{}
	r.SetListener(listener)

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)
	require.NoError(t, r.SetStatus(ctx, rec.ID, StatusMaintenance))
	require.NoError(t, r.SetStatus(ctx, rec.ID, StatusActive))
	require.NoError(t, r.Deregister(ctx, rec.ID))

	assert.Equal(t, []string{rec.ID, rec.ID}, listener.registered)
	assert.Equal(t, []string{rec.ID, rec.ID}, listener.deregistered)
}

func TestRestore(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	r1 := New(store)
	active, err := r1.Register(ctx, validSpec("active"))
	require.NoError(t, err)
	parked, err := r1.Register(ctx, validSpec("parked"))
	require.NoError(t, err)
	require.NoError(t, r1.SetStatus(ctx, parked.ID, StatusMaintenance))

	r2 := New(store)
	listener := &captureListener{}
	r2.SetListener(listener)
	require.NoError(t, r2.Restore(ctx))

	got, err := r2.Get(active.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", got.Name)
	assert.Len(t, r2.List(), 2)
	// Only the active server restarts its monitor loop.
	assert.Equal(t, []string{active.ID}, listener.registered)
}

func TestHealthHistory(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r.AppendHealthRecord(ctx, &HealthCheckRecord{
			ServerID:     rec.ID,
			PerformedAt:  time.Now().Add(time.Duration(i) * time.Second),
			Status:       HealthHealthy,
			ResponseTime: time.Duration(i+1) * time.Millisecond,
		})
	}

	history, err := r.HealthHistory(ctx, rec.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Newest first.
	assert.Equal(t, 3*time.Millisecond, history[0].ResponseTime)

	_, err = r.HealthHistory(ctx, "nope", 2)
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestCloneIsolation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	spec := validSpec("search")
	spec.Tags = []string{"a"}
	rec, err := r.Register(ctx, spec)
	require.NoError(t, err)

	rec.Name = "mutated"
	rec.Tags[0] = "mutated"

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "search", got.Name)
	assert.Equal(t, []string{"a"}, got.Tags)
}

func TestConcurrentOutcomes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.ReportOutcome(rec.ID, j%2 == 0, 10*time.Millisecond)
			}
		}()
	}
	wg.Wait()

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(800), got.Outcomes)
}

func TestMultiListenerFansOut(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first := &captureListener{}
	var dropped []string
	r.SetListener(MultiListener(
		first,
		ListenerFuncs{OnDeregistered: func(id string) { dropped = append(dropped, id) }},
	))

	rec, err := r.Register(ctx, validSpec("search"))
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, rec.ID))

	assert.Equal(t, []string{rec.ID}, first.registered)
	assert.Equal(t, []string{rec.ID}, first.deregistered)
	assert.Equal(t, []string{rec.ID}, dropped)
}
