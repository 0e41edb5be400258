// Package redisstore persists registry records and health check history
// in Redis so that registrations survive gateway restarts and can be
// shared between instances.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avamcpgw/internal/registry"
)

const defaultHistoryLimit = 100

// Store implements registry.Store on Redis. Server records are JSON
// values under <prefix>server:<id>; health history is a capped list
// under <prefix>health:<id>, newest first.
type Store struct {
	client       redis.UniversalClient
	prefix       string
	historyLimit int
}

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithHistoryLimit caps the retained health check records per server.
func WithHistoryLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// New creates a Redis-backed registry store.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Store {
	s := &Store{
		client:       client,
		prefix:       prefix,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) serverKey(id string) string {
	return s.prefix + "server:" + id
}

func (s *Store) healthKey(id string) string {
	return s.prefix + "health:" + id
}

// SaveServer implements registry.Store.
func (s *Store) SaveServer(ctx context.Context, rec *registry.ServerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal server record: %w", err)
	}
	if err := s.client.Set(ctx, s.serverKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save server record: %w", err)
	}
	return nil
}

// LoadServers implements registry.Store.
func (s *Store) LoadServers(ctx context.Context) ([]*registry.ServerRecord, error) {
	var (
		out    []*registry.ServerRecord
		cursor uint64
	)
	pattern := s.prefix + "server:*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan server records: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load server record %s: %w", key, err)
			}
			rec := &registry.ServerRecord{}
			if err := json.Unmarshal(data, rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal server record %s: %w", key, err)
			}
			out = append(out, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// AppendHealthCheck implements registry.Store.
func (s *Store) AppendHealthCheck(ctx context.Context, rec *registry.HealthCheckRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal health check record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.healthKey(rec.ServerID), data)
	pipe.LTrim(ctx, s.healthKey(rec.ServerID), 0, int64(s.historyLimit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append health check record: %w", err)
	}
	return nil
}

// ListHealthChecks implements registry.Store. Records come back newest
// first, matching the LPUSH order.
func (s *Store) ListHealthChecks(ctx context.Context, serverID string, limit int) ([]*registry.HealthCheckRecord, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	values, err := s.client.LRange(ctx, s.healthKey(serverID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list health check records: %w", err)
	}
	out := make([]*registry.HealthCheckRecord, 0, len(values))
	for _, v := range values {
		rec := &registry.HealthCheckRecord{}
		if err := json.Unmarshal([]byte(v), rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal health check record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements registry.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
