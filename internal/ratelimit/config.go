package ratelimit

import "time"

// Role is the caller's authorization role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
	RoleUser      Role = "user"
	RoleAnonymous Role = "anonymous"
)

// Identity describes who is making a request. Zero-value fields mean
// the dimension is absent; an identity with neither UserID nor APIKeyID
// is anonymous.
type Identity struct {
	IP       string
	UserID   string
	APIKeyID string
	TenantID string
	Role     Role
}

// Anonymous reports whether the identity carries no principal.
func (id Identity) Anonymous() bool {
	return id.UserID == "" && id.APIKeyID == ""
}

// Config holds the limiter settings. All limits are per window.
type Config struct {
	Window time.Duration

	// GlobalLimit is the system-wide ceiling across all callers.
	GlobalLimit int

	// Role defaults for the principal tier.
	AdminLimit     int
	OwnerLimit     int
	UserLimit      int
	AnonymousLimit int

	// Burst is additional headroom on top of each limit.
	Burst int

	// TenantLimits overrides the default per-tenant limit; TenantWeights
	// sets the fairness weight (default 1.0).
	TenantLimits  map[string]int
	TenantWeights map[string]float64
	TenantDefault int

	// KeyLimits overrides the principal limit for specific API keys.
	KeyLimits map[string]int

	// FairnessThreshold is the global utilization above which tenant
	// limits are scaled to their weighted fair share.
	FairnessThreshold float64

	// DDoS guard.
	ViolationThreshold int
	ViolationWindow    time.Duration
	DenyDuration       time.Duration
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Window:             time.Minute,
		GlobalLimit:        5000,
		AdminLimit:         1000,
		OwnerLimit:         500,
		UserLimit:          100,
		AnonymousLimit:     20,
		TenantDefault:      500,
		FairnessThreshold:  0.8,
		ViolationThreshold: 20,
		ViolationWindow:    5 * time.Minute,
		DenyDuration:       15 * time.Minute,
	}
}

func (c Config) normalized() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 5000
	}
	if c.FairnessThreshold <= 0 || c.FairnessThreshold > 1 {
		c.FairnessThreshold = 0.8
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = 5 * time.Minute
	}
	if c.DenyDuration <= 0 {
		c.DenyDuration = 15 * time.Minute
	}
	return c
}

// roleLimit returns the principal-tier limit for the role.
func (c Config) roleLimit(role Role) int {
	switch role {
	case RoleAdmin:
		return c.AdminLimit
	case RoleOwner:
		return c.OwnerLimit
	case RoleUser:
		return c.UserLimit
	default:
		return c.AnonymousLimit
	}
}

// tenantLimit returns the per-tenant limit before fairness scaling.
func (c Config) tenantLimit(tenantID string) int {
	if limit, ok := c.TenantLimits[tenantID]; ok {
		return limit
	}
	return c.TenantDefault
}

// tenantWeight returns the fairness weight for the tenant.
func (c Config) tenantWeight(tenantID string) float64 {
	if w, ok := c.TenantWeights[tenantID]; ok && w > 0 {
		return w
	}
	return 1.0
}
