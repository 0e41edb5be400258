package ratelimit

import (
	"math"
	"sync"
	"time"
)

// FairnessPolicy computes a tenant's effective limit when the gateway is
// under global pressure. The default is weighted proportional sharing;
// alternative policies plug in through Limiter options.
type FairnessPolicy interface {
	// EffectiveLimit returns the limit to enforce for a tenant whose
	// configured limit is limit and fairness weight is weight, given the
	// total weight of currently active tenants.
	EffectiveLimit(limit int, weight, totalWeight float64) int
}

// WeightedShare scales each tenant's limit by its share of the total
// active weight: ceil(limit * weight / totalWeight). Tenants below
// their fair share are unaffected because the result is only applied
// when lower than the configured limit.
type WeightedShare struct{}

// EffectiveLimit implements FairnessPolicy.
func (WeightedShare) EffectiveLimit(limit int, weight, totalWeight float64) int {
	if totalWeight <= 0 {
		return limit
	}
	share := int(math.Ceil(float64(limit) * weight / totalWeight))
	if share < 1 {
		share = 1
	}
	if share > limit {
		return limit
	}
	return share
}

// activeTenants tracks which tenants have sent traffic recently so the
// fairness denominator reflects actual contention, not every configured
// tenant.
type activeTenants struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

func newActiveTenants(now func() time.Time) *activeTenants {
	return &activeTenants{
		lastSeen: make(map[string]time.Time),
		now:      now,
	}
}

// touch marks the tenant active and returns the total fairness weight of
// tenants seen within the window, dropping stale entries as it goes.
func (a *activeTenants) touch(tenantID string, window time.Duration, weightOf func(string) float64) float64 {
	now := a.now()
	cutoff := now.Add(-window)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen[tenantID] = now

	var total float64
	for id, seen := range a.lastSeen {
		if seen.Before(cutoff) {
			delete(a.lastSeen, id)
			continue
		}
		total += weightOf(id)
	}
	return total
}
