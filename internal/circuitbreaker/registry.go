package circuitbreaker

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avamcpgw/internal/observability"
)

// Registry holds one breaker per (server, service) pair. Breakers are
// created lazily on first use and removed when a server deregisters.
type Registry struct {
	logger observability.Logger

	// cfg is swapped whole on reload while GetOrCreate reads it.
	cfg atomic.Pointer[Config]

	breakers sync.Map // string -> *Breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Registry{logger: logger}
	c := cfg.normalized()
	r.cfg.Store(&c)
	return r
}

func key(serverID, service string) string {
	return serverID + "/" + service
}

// GetOrCreate returns the breaker for the pair, creating it closed on
// first use.
func (r *Registry) GetOrCreate(serverID, service string) *Breaker {
	k := key(serverID, service)
	if v, ok := r.breakers.Load(k); ok {
		return v.(*Breaker)
	}
	b := New(k, *r.cfg.Load(), WithLogger(r.logger))
	actual, _ := r.breakers.LoadOrStore(k, b)
	return actual.(*Breaker)
}

// Get returns the breaker for the pair if one exists.
func (r *Registry) Get(serverID, service string) (*Breaker, bool) {
	v, ok := r.breakers.Load(key(serverID, service))
	if !ok {
		return nil, false
	}
	return v.(*Breaker), true
}

// RemoveServer drops every breaker belonging to the server.
func (r *Registry) RemoveServer(serverID string) {
	prefix := serverID + "/"
	r.breakers.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			r.breakers.Delete(k)
		}
		return true
	})
}

// UpdateConfig replaces the configuration used for breakers created from
// now on. Existing breakers keep their settings until recreated. Safe to
// call concurrently with GetOrCreate.
func (r *Registry) UpdateConfig(cfg Config) {
	c := cfg.normalized()
	r.cfg.Store(&c)
}

// Statuses returns a snapshot of every breaker, keyed by
// "<serverID>/<service>".
func (r *Registry) Statuses() map[string]Status {
	out := make(map[string]Status)
	r.breakers.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Breaker).Status()
		return true
	})
	return out
}
