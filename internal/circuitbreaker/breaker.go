// Package circuitbreaker gates outbound calls per (server, service) pair
// so that a failing backend is shed quickly and probed back into rotation
// without a thundering herd.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/avamcpgw/internal/observability"
)

// State is the breaker state.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota
	// StateOpen rejects all calls until the open duration elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of trial calls.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a breaker.
type Status struct {
	State               State
	ConsecutiveFailures int
	TimeInState         time.Duration
	// RetryAfter is how long until an open breaker admits a trial call.
	// Zero unless the breaker is open.
	RetryAfter time.Duration
}

// Breaker is a single circuit breaker. All operations are O(1); Allow is
// on the hot path of every proxied request.
type Breaker struct {
	name   string
	cfg    Config
	logger observability.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        State
	changedAt    time.Time
	failures     int
	successes    int
	inflight     int
	openDuration time.Duration
	trips        int
}

// Option is a functional option for configuring a breaker.
type Option func(*Breaker)

// WithLogger sets the breaker logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// withClock overrides the time source. Test use only.
func withClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a closed breaker. Name identifies the breaker in logs and
// metrics, conventionally "<serverID>/<service>".
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg.normalized(),
		logger: observability.NopLogger(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.changedAt = b.now()
	b.openDuration = b.cfg.OpenDuration
	return b
}

// Allow reports whether a call may proceed. An admitted call must be
// followed by exactly one RecordResult.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.inflight++
		return true
	case StateOpen:
		if b.now().Sub(b.changedAt) < b.openDuration {
			return false
		}
		b.transition(StateHalfOpen)
		b.inflight = 1
		return true
	case StateHalfOpen:
		if b.inflight >= b.cfg.HalfOpenMax {
			return false
		}
		b.inflight++
		return true
	}
	return false
}

// RecordResult reports the outcome of an admitted call.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inflight > 0 {
		b.inflight--
	}

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		if !success {
			// A failed trial reopens immediately with backoff.
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.openDuration = b.cfg.OpenDuration
			b.trips = 0
			b.logger.Info("circuit closed", observability.String("breaker", b.name))
		}
	case StateOpen:
		// Late result from a call admitted before the trip. Ignored.
	}
}

// Cancel releases an admitted call without recording an outcome. Used
// when the call never reached the backend, e.g. a pool acquire failure.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	if b.inflight > 0 {
		b.inflight--
	}
	b.mu.Unlock()
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		TimeInState:         b.now().Sub(b.changedAt),
	}
	if b.state == StateOpen {
		if remaining := b.openDuration - st.TimeInState; remaining > 0 {
			st.RetryAfter = remaining
		}
	}
	return st
}

// State returns the current state, resolving an elapsed open period to
// half-open for reporting purposes.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// trip moves the breaker to open, applying exponential backoff to the
// open duration on repeated trips. Caller holds the lock.
func (b *Breaker) trip() {
	d := b.cfg.OpenDuration
	if b.cfg.Backoff && b.trips > 0 {
		d = b.cfg.OpenDuration << uint(b.trips)
		if d > b.cfg.MaxOpenDuration || d <= 0 {
			d = b.cfg.MaxOpenDuration
		}
	}
	b.openDuration = d
	b.trips++
	b.transition(StateOpen)
	b.logger.Warn("circuit opened",
		observability.String("breaker", b.name),
		observability.Duration("open_duration", d),
		observability.Int("trips", b.trips),
	)
}

// transition changes state and resets per-state counters. Caller holds
// the lock.
func (b *Breaker) transition(next State) {
	recordTransition(b.name, b.state, next)
	b.state = next
	b.changedAt = b.now()
	b.failures = 0
	b.successes = 0
	if next != StateHalfOpen {
		b.inflight = 0
	}
}
