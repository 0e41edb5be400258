package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamcpgw/internal/registry"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "mcpgw:", opts...)
}

func sampleRecord(id string) *registry.ServerRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &registry.ServerRecord{
		ID:       id,
		Name:     "search-" + id,
		Endpoint: registry.Endpoint{URL: "https://mcp.example.com", Transport: registry.TransportStreamable},
		Status:   registry.StatusActive,
		Health:   registry.HealthHealthy,

		SuccessRate: 0.95,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSaveAndLoadServers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveServer(ctx, sampleRecord("a")))
	require.NoError(t, s.SaveServer(ctx, sampleRecord("b")))

	// Overwrite is a plain SET.
	updated := sampleRecord("a")
	updated.Health = registry.HealthUnhealthy
	require.NoError(t, s.SaveServer(ctx, updated))

	records, err := s.LoadServers(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]*registry.ServerRecord{}
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	assert.Equal(t, registry.HealthUnhealthy, byID["a"].Health)
	assert.Equal(t, "search-b", byID["b"].Name)
	assert.Equal(t, 0.95, byID["b"].SuccessRate)
}

func TestLoadServersEmpty(t *testing.T) {
	s := newTestStore(t)
	records, err := s.LoadServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHealthHistoryOrderAndTrim(t *testing.T) {
	s := newTestStore(t, WithHistoryLimit(3))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendHealthCheck(ctx, &registry.HealthCheckRecord{
			ServerID:     "a",
			PerformedAt:  time.Now().UTC(),
			Status:       registry.HealthHealthy,
			ResponseTime: time.Duration(i) * time.Millisecond,
		}))
	}

	records, err := s.ListHealthChecks(ctx, "a", 10)
	require.NoError(t, err)
	// Trimmed to 3, newest first.
	require.Len(t, records, 3)
	assert.Equal(t, 5*time.Millisecond, records[0].ResponseTime)
	assert.Equal(t, 3*time.Millisecond, records[2].ResponseTime)
}

func TestListHealthChecksLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.AppendHealthCheck(ctx, &registry.HealthCheckRecord{
			ServerID:     "a",
			ResponseTime: time.Duration(i) * time.Millisecond,
		}))
	}

	records, err := s.ListHealthChecks(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 4*time.Millisecond, records[0].ResponseTime)
}
