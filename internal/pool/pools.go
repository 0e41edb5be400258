package pool

import (
	"net/http"
	"sync"
	"time"
)

// Config controls pool sizing.
type Config struct {
	MaxSize         int
	AcquireTimeout  time.Duration
	IdleConnTimeout time.Duration
	MaxIdleConns    int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:         32,
		AcquireTimeout:  2 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		MaxIdleConns:    10,
	}
}

func (c Config) normalized() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 32
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Second
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	return c
}

// Pools owns one ServerPool per backend server. Pools are created lazily
// and removed when a server deregisters.
type Pools struct {
	cfg Config

	mu    sync.Mutex
	pools map[string]*ServerPool
}

// NewPools creates the pool registry.
func NewPools(cfg Config) *Pools {
	return &Pools{
		cfg:   cfg.normalized(),
		pools: make(map[string]*ServerPool),
	}
}

// Get returns the pool for the server, creating it on first use.
func (ps *Pools) Get(serverID string) *ServerPool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.pools[serverID]; ok {
		return p
	}

	transport := &http.Transport{
		MaxIdleConns:        ps.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: ps.cfg.MaxIdleConns,
		IdleConnTimeout:     ps.cfg.IdleConnTimeout,
	}
	client := &http.Client{Transport: transport}
	p := newServerPool(serverID, ps.cfg.MaxSize, ps.cfg.AcquireTimeout, client, transport)
	ps.pools[serverID] = p
	return p
}

// Remove drops the pool for a deregistered server and closes its idle
// connections.
func (ps *Pools) Remove(serverID string) {
	ps.mu.Lock()
	p, ok := ps.pools[serverID]
	delete(ps.pools, serverID)
	ps.mu.Unlock()
	if ok && p.transport != nil {
		p.transport.CloseIdleConnections()
	}
}

// Stats returns per-server pool snapshots.
func (ps *Pools) Stats() map[string]Stats {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make(map[string]Stats, len(ps.pools))
	for id, p := range ps.pools {
		out[id] = p.Stats()
	}
	return out
}

// Close drops every pool.
func (ps *Pools) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for id, p := range ps.pools {
		if p.transport != nil {
			p.transport.CloseIdleConnections()
		}
		delete(ps.pools, id)
	}
}
