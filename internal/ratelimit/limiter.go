// Package ratelimit implements the multi-tier fixed-window rate limiter
// with tenant fairness and a per-IP deny list.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avamcpgw/internal/observability"
	"github.com/vyrodovalexey/avamcpgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

// Tier names, in evaluation order.
const (
	TierGlobal    = "global"
	TierTenant    = "tenant"
	TierPrincipal = "principal"
	TierIP        = "ip"
)

// Decision is the outcome of a rate-limit check. For allowed requests
// Limit/Remaining reflect the most constrained tier, which is what the
// response headers should advertise.
type Decision struct {
	Allowed    bool
	Tier       string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
	Reason     string
}

// Limiter evaluates requests against the global, tenant, principal and
// IP tiers. Every tier must admit; the first exhausted tier names the
// rejection. Counter-store unavailability fails open.
type Limiter struct {
	store  store.Store
	logger observability.Logger
	policy FairnessPolicy
	active *activeTenants
	now    func() time.Time

	cfg atomic.Pointer[Config]

	// storeCB sheds counter-store round-trips when the store is down so
	// request latency does not absorb store timeouts.
	storeCB *gobreaker.CircuitBreaker
}

// LimiterOption is a functional option for configuring the limiter.
type LimiterOption func(*Limiter)

// WithLogger sets the limiter logger.
func WithLogger(logger observability.Logger) LimiterOption {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithFairnessPolicy replaces the default weighted-share policy.
func WithFairnessPolicy(policy FairnessPolicy) LimiterOption {
	return func(l *Limiter) {
		l.policy = policy
	}
}

// withClock overrides the time source. Test use only.
func withClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter on the given counter store.
func New(st store.Store, cfg Config, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:  st,
		logger: observability.NopLogger(),
		policy: WeightedShare{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.active = newActiveTenants(l.now)
	normalized := cfg.normalized()
	l.cfg.Store(&normalized)
	l.storeCB = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return l
}

// UpdateConfig swaps in a new configuration. Safe to call while checks
// are in flight; hot reload uses it.
func (l *Limiter) UpdateConfig(cfg Config) {
	normalized := cfg.normalized()
	l.cfg.Store(&normalized)
}

// tier is one windowed counter to evaluate.
type tier struct {
	name  string
	key   string
	limit int
}

// Check evaluates the identity against all applicable tiers, consuming
// cost from each. It returns a non-nil decision unless ctx fails.
func (l *Limiter) Check(ctx context.Context, identity Identity, cost int64) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cost <= 0 {
		cost = 1
	}
	cfg := l.cfg.Load()
	now := l.now()

	if identity.IP != "" {
		if d := l.checkDenyList(ctx, identity.IP); d != nil {
			recordDecision(TierIP, "denied")
			return d, nil
		}
	}

	windowStart := now.Truncate(cfg.Window)
	reset := windowStart.Add(cfg.Window)
	retryAfter := reset.Sub(now)

	allowed := &Decision{Allowed: true, Reset: reset, Limit: -1, Remaining: -1}

	for _, tr := range l.tiers(identity, cfg, windowStart, now) {
		bound := int64(tr.limit + cfg.Burst)
		count, err := l.increment(ctx, tr.key, cost, cfg.Window)
		if err != nil {
			// Fail open: availability beats precision when the counter
			// store is unreachable.
			l.logger.Warn("rate limit store unavailable, failing open",
				observability.String("tier", tr.name),
				observability.Error(err),
			)
			recordFailOpen(tr.name)
			return &Decision{Allowed: true, Tier: tr.name, Limit: tr.limit, Remaining: -1, Reset: reset}, nil
		}

		if count > bound {
			recordDecision(tr.name, "rejected")
			l.recordViolation(ctx, identity.IP, cfg)
			return &Decision{
				Allowed:    false,
				Tier:       tr.name,
				Limit:      tr.limit,
				Remaining:  0,
				RetryAfter: retryAfter,
				Reset:      reset,
				Reason:     util.ReasonRateLimited,
			}, nil
		}

		remaining := int(bound - count)
		if allowed.Remaining < 0 || remaining < allowed.Remaining {
			allowed.Tier = tr.name
			allowed.Limit = tr.limit
			allowed.Remaining = remaining
		}
	}

	recordDecision(allowed.Tier, "allowed")
	return allowed, nil
}

// tiers assembles the counters to evaluate, in order. The IP tier binds
// anonymous traffic; authenticated callers are already bounded by their
// principal tier.
func (l *Limiter) tiers(identity Identity, cfg *Config, windowStart, now time.Time) []tier {
	out := make([]tier, 0, 4)
	out = append(out, tier{name: TierGlobal, key: windowKey("global", "", windowStart), limit: cfg.GlobalLimit})

	if identity.TenantID != "" {
		limit := cfg.tenantLimit(identity.TenantID)
		totalWeight := l.active.touch(identity.TenantID, cfg.Window, cfg.tenantWeight)
		if l.underPressure(identity, cfg, windowStart) {
			limit = l.policy.EffectiveLimit(limit, cfg.tenantWeight(identity.TenantID), totalWeight)
		}
		out = append(out, tier{name: TierTenant, key: windowKey("tenant", identity.TenantID, windowStart), limit: limit})
	}

	switch {
	case identity.APIKeyID != "":
		limit := cfg.OwnerLimit
		if override, ok := cfg.KeyLimits[identity.APIKeyID]; ok {
			limit = override
		}
		out = append(out, tier{name: TierPrincipal, key: windowKey("key", identity.APIKeyID, windowStart), limit: limit})
	case identity.UserID != "":
		out = append(out, tier{name: TierPrincipal, key: windowKey("user", identity.UserID, windowStart), limit: cfg.roleLimit(identity.Role)})
	}

	if identity.Anonymous() && identity.IP != "" {
		out = append(out, tier{name: TierIP, key: windowKey("ip", identity.IP, windowStart), limit: cfg.AnonymousLimit})
	}
	return out
}

// underPressure reports whether global utilization exceeds the fairness
// threshold. Read-only; the global counter was not yet incremented for
// this request when tenants are assembled, which is close enough for a
// soft threshold.
func (l *Limiter) underPressure(identity Identity, cfg *Config, windowStart time.Time) bool {
	count, err := l.read(context.Background(), windowKey("global", "", windowStart))
	if err != nil {
		return false
	}
	return float64(count) >= float64(cfg.GlobalLimit)*cfg.FairnessThreshold
}

// checkDenyList returns a denial decision when the IP is deny-listed.
func (l *Limiter) checkDenyList(ctx context.Context, ip string) *Decision {
	ttl, err := l.ttl(ctx, denyKey(ip))
	if err != nil || ttl <= 0 {
		return nil
	}
	return &Decision{
		Allowed:    false,
		Tier:       TierIP,
		RetryAfter: ttl,
		Reset:      l.now().Add(ttl),
		Reason:     util.ReasonIPDenied,
	}
}

// recordViolation counts a rejection against the client IP and
// deny-lists the IP once the threshold is crossed. Best effort.
func (l *Limiter) recordViolation(ctx context.Context, ip string, cfg *Config) {
	if ip == "" {
		return
	}
	count, err := l.increment(ctx, violationKey(ip), 1, cfg.ViolationWindow)
	if err != nil {
		return
	}
	if count >= int64(cfg.ViolationThreshold) {
		if err := l.set(ctx, denyKey(ip), 1, cfg.DenyDuration); err == nil {
			recordDenyListed()
			l.logger.Warn("client ip deny-listed",
				observability.String("ip", ip),
				observability.Int64("violations", count),
				observability.Duration("deny_duration", cfg.DenyDuration),
			)
		}
	}
}

// Store round-trips below run through the store breaker so a dead store
// trips fast instead of stalling every request.

func (l *Limiter) increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := l.storeCB.Execute(func() (interface{}, error) {
		return l.store.IncrementWithExpiry(ctx, key, delta, ttl)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (l *Limiter) read(ctx context.Context, key string) (int64, error) {
	v, err := l.storeCB.Execute(func() (interface{}, error) {
		return l.store.Get(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (l *Limiter) ttl(ctx context.Context, key string) (time.Duration, error) {
	v, err := l.storeCB.Execute(func() (interface{}, error) {
		return l.store.TTL(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return v.(time.Duration), nil
}

func (l *Limiter) set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	_, err := l.storeCB.Execute(func() (interface{}, error) {
		return nil, l.store.Set(ctx, key, value, ttl)
	})
	return err
}
