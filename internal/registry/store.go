package registry

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence collaborator for server records and health
// check history. Implementations carry no business logic; the registry
// mirrors its in-memory arena into the store write-through and reads are
// served from memory.
type Store interface {
	SaveServer(ctx context.Context, rec *ServerRecord) error
	LoadServers(ctx context.Context) ([]*ServerRecord, error)
	AppendHealthCheck(ctx context.Context, rec *HealthCheckRecord) error
	ListHealthChecks(ctx context.Context, serverID string, limit int) ([]*HealthCheckRecord, error)
	Close() error
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu           sync.RWMutex
	servers      map[string]*ServerRecord
	checks       map[string][]*HealthCheckRecord
	historyLimit int
}

// NewMemoryStore creates an in-memory store retaining at most
// historyLimit health check records per server.
func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &MemoryStore{
		servers:      make(map[string]*ServerRecord),
		checks:       make(map[string][]*HealthCheckRecord),
		historyLimit: historyLimit,
	}
}

// SaveServer implements Store.
func (s *MemoryStore) SaveServer(ctx context.Context, rec *ServerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[rec.ID] = rec.Clone()
	return nil
}

// LoadServers implements Store.
func (s *MemoryStore) LoadServers(ctx context.Context) ([]*ServerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ServerRecord, 0, len(s.servers))
	for _, rec := range s.servers {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendHealthCheck implements Store.
func (s *MemoryStore) AppendHealthCheck(ctx context.Context, rec *HealthCheckRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	history := append(s.checks[rec.ServerID], &cp)
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	s.checks[rec.ServerID] = history
	return nil
}

// ListHealthChecks implements Store. Records are returned newest first.
func (s *MemoryStore) ListHealthChecks(ctx context.Context, serverID string, limit int) ([]*HealthCheckRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.checks[serverID]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]*HealthCheckRecord, 0, limit)
	for i := len(history) - 1; i >= len(history)-limit; i-- {
		cp := *history[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
