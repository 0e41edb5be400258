// Package registry owns the authoritative set of registered MCP backend
// servers and their health and performance state.
package registry

import (
	"time"
)

// Transport identifies how a backend server is reached.
type Transport string

const (
	// TransportStreamable is MCP streamable HTTP (request/response).
	TransportStreamable Transport = "streamable"
	// TransportSSE is MCP over server-sent events.
	TransportSSE Transport = "sse"
	// TransportWebSocket is a bidirectional websocket stream.
	TransportWebSocket Transport = "websocket"
)

// Valid reports whether the transport is a known kind.
func (t Transport) Valid() bool {
	switch t {
	case TransportStreamable, TransportSSE, TransportWebSocket:
		return true
	}
	return false
}

// Status is the administrative state of a server.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
)

// Health is the probed health state of a server. Health transitions only
// through the health monitor; request handling merely reports outcomes.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthDegraded  Health = "degraded"
	HealthUnknown   Health = "unknown"
)

// Routable reports whether a server in this health state may receive
// proxied traffic.
func (h Health) Routable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// Endpoint is where and how a server is reached.
type Endpoint struct {
	URL       string    `json:"url" yaml:"url"`
	Transport Transport `json:"transport" yaml:"transport"`
}

// ServerRecord is one registered backend server instance. TenantID is
// empty for globally shared servers. Records are soft-deleted on
// deregistration so breakers and buckets referencing the ID stay valid.
type ServerRecord struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId,omitempty"`
	Name     string   `json:"name"`
	Endpoint Endpoint `json:"endpoint"`
	Tags     []string `json:"tags,omitempty"`

	Status Status `json:"status"`
	Health Health `json:"healthStatus"`

	LastHealthCheckAt   time.Time     `json:"lastHealthCheckAt,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailureCount"`
	AvgResponseTime     time.Duration `json:"avgResponseTimeMs"`
	SuccessRate         float64       `json:"successRate"`
	Outcomes            int64         `json:"outcomes"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Deleted reports whether the record has been soft-deleted.
func (r *ServerRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// Clone returns a deep copy of the record.
func (r *ServerRecord) Clone() *ServerRecord {
	cp := *r
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// Probe failure reasons recorded in health check history.
const (
	ReasonTimeout = "timeout"
	ReasonError   = "error"
)

// HealthCheckRecord is one append-only health check history entry. Owned
// exclusively by the health monitor; immutable once written.
type HealthCheckRecord struct {
	ServerID     string        `json:"serverId"`
	PerformedAt  time.Time     `json:"performedAt"`
	Status       Health        `json:"status"`
	ResponseTime time.Duration `json:"responseTimeMs"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"errorMessage,omitempty"`
	// Capabilities is the tool count discovered by a deep check.
	Capabilities int `json:"capabilities,omitempty"`
}

// RegisterSpec is the input to Register.
type RegisterSpec struct {
	TenantID string   `json:"tenantId,omitempty"`
	Name     string   `json:"name"`
	Endpoint Endpoint `json:"endpoint"`
	Tags     []string `json:"tags,omitempty"`
}

// Criteria filters and scopes FindHealthy results.
type Criteria struct {
	// TenantID scopes the lookup: tenant-owned servers are returned
	// first, then globally shared ones. Servers owned by other tenants
	// are never returned.
	TenantID string
	// Transport, when set, restricts results to that transport kind.
	Transport Transport
	// Tags, when set, require every listed tag to be present.
	Tags []string
}
