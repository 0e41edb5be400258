// Package proxy routes request envelopes to healthy backend servers
// through the rate limiter, circuit breakers and connection pools.
package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vyrodovalexey/avamcpgw/internal/ratelimit"
	"github.com/vyrodovalexey/avamcpgw/internal/registry"
)

// Request is the envelope handed to the router.
type Request struct {
	RequestID string
	TenantID  string
	UserID    string
	APIKeyID  string
	Role      ratelimit.Role
	ClientIP  string

	// Transport restricts candidates to one transport kind; empty means
	// any.
	Transport registry.Transport
	// Capability restricts candidates to servers tagged with it.
	Capability string
	// Method is the MCP method, e.g. "tools/call".
	Method  string
	Payload json.RawMessage
}

// Identity builds the rate-limit identity for the request.
func (r *Request) Identity() ratelimit.Identity {
	return ratelimit.Identity{
		IP:       r.ClientIP,
		UserID:   r.UserID,
		APIKeyID: r.APIKeyID,
		TenantID: r.TenantID,
		Role:     r.Role,
	}
}

// Service is the breaker scope derived from the method: the segment
// before the first slash, so "tools/call" and "tools/list" share one
// breaker per server.
func (r *Request) Service() string {
	if r.Method == "" {
		return "default"
	}
	if i := strings.IndexByte(r.Method, '/'); i > 0 {
		return r.Method[:i]
	}
	return r.Method
}

// Response is the upstream reply. RateLimit carries the admitting
// decision so the front door can emit quota headers.
type Response struct {
	Status    int
	Body      json.RawMessage
	Duration  time.Duration
	ServerID  string
	RateLimit *ratelimit.Decision
}
