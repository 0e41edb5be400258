package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamcpgw/internal/observability"
	"github.com/vyrodovalexey/avamcpgw/internal/registry"
	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

// maxCheckNowTimeout caps caller-supplied timeouts on on-demand checks.
const maxCheckNowTimeout = 30 * time.Second

// Config controls probe scheduling.
type Config struct {
	// BaseInterval is the default spacing between scheduled probes.
	BaseInterval time.Duration
	// MinInterval is the floor when a server is erroring.
	MinInterval time.Duration
	// MaxInterval is the cap when a server is fully healthy.
	MaxInterval time.Duration
	// ProbeTimeout bounds one scheduled probe.
	ProbeTimeout time.Duration
	// FailureThreshold is consecutive failed probes before unhealthy.
	FailureThreshold int
	// DegradedLatency marks a responding server degraded above this RTT.
	DegradedLatency time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		BaseInterval:     300 * time.Second,
		MinInterval:      120 * time.Second,
		MaxInterval:      900 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 1,
		DegradedLatency:  2 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 300 * time.Second
	}
	if c.MinInterval <= 0 || c.MinInterval > c.BaseInterval {
		c.MinInterval = c.BaseInterval
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	return c
}

// Monitor owns one probe loop per active server. It implements
// registry.Listener so loops start on registration and stop on
// deregistration or maintenance.
type Monitor struct {
	reg    *registry.Registry
	prober Prober
	logger observability.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu     sync.Mutex
	loops  map[string]context.CancelFunc
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MonitorOption is a functional option for configuring the monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(logger observability.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a health monitor. Call Start before registering it
// as the registry listener.
func NewMonitor(reg *registry.Registry, prober Prober, cfg Config, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		reg:    reg,
		prober: prober,
		logger: observability.NopLogger(),
		cfg:    cfg.normalized(),
		loops:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start prepares the monitor's root context.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root, m.cancel = context.WithCancel(ctx)
}

// Stop cancels every loop and waits for them to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.loops = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	m.wg.Wait()
}

// UpdateConfig applies new scheduling settings. Running loops pick them
// up on their next tick.
func (m *Monitor) UpdateConfig(cfg Config) {
	m.cfgMu.Lock()
	m.cfg = cfg.normalized()
	m.cfgMu.Unlock()
}

func (m *Monitor) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// ServerRegistered implements registry.Listener.
func (m *Monitor) ServerRegistered(rec *registry.ServerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil || m.root.Err() != nil {
		return
	}
	if _, running := m.loops[rec.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	m.loops[rec.ID] = cancel
	m.wg.Add(1)
	go m.run(ctx, rec.ID)
}

// ServerDeregistered implements registry.Listener.
func (m *Monitor) ServerDeregistered(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.loops[id]; ok {
		cancel()
		delete(m.loops, id)
	}
}

// run is one server's probe loop. It probes immediately, then sleeps
// the recommended interval. Probe errors never end the loop; only
// cancellation or the record disappearing does.
func (m *Monitor) run(ctx context.Context, id string) {
	defer m.wg.Done()

	for {
		rec, err := m.reg.Get(id)
		if err != nil || rec.Deleted() {
			return
		}

		m.probe(ctx, rec, false)

		rec, err = m.reg.Get(id)
		if err != nil || rec.Deleted() {
			return
		}
		timer := time.NewTimer(m.RecommendedInterval(rec))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RecommendedInterval adapts probe spacing to recent traffic outcomes:
// an erroring server is probed twice as often, a consistently clean one
// half as often.
func (m *Monitor) RecommendedInterval(rec *registry.ServerRecord) time.Duration {
	cfg := m.config()
	interval := cfg.BaseInterval

	errorRate := 1.0 - rec.SuccessRate
	switch {
	case rec.Outcomes > 0 && errorRate > 0.10:
		interval = cfg.BaseInterval / 2
		if interval < cfg.MinInterval {
			interval = cfg.MinInterval
		}
	case rec.Outcomes >= 20 && errorRate == 0:
		interval = cfg.BaseInterval + cfg.BaseInterval/2
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}
	return interval
}

// CheckNow probes a server on demand. It reuses the scheduled probe
// logic and appends to history, but leaves the loop's schedule alone.
// Timeout is clamped to 30s; zero means the configured probe timeout.
func (m *Monitor) CheckNow(ctx context.Context, id string, timeout time.Duration, deep bool) (*registry.HealthCheckRecord, error) {
	rec, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return nil, &util.NotFoundError{Kind: "server", ID: id}
	}

	cfg := m.config()
	if timeout <= 0 {
		timeout = cfg.ProbeTimeout
	}
	if timeout > maxCheckNowTimeout {
		timeout = maxCheckNowTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.doProbe(probeCtx, rec, deep), nil
}

// probe runs one scheduled probe under the configured timeout.
func (m *Monitor) probe(ctx context.Context, rec *registry.ServerRecord, deep bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config().ProbeTimeout)
	defer cancel()
	m.doProbe(probeCtx, rec, deep)
}

// doProbe executes the probe, applies the result to the registry and
// appends the history record.
func (m *Monitor) doProbe(ctx context.Context, rec *registry.ServerRecord, deep bool) *registry.HealthCheckRecord {
	cfg := m.config()
	start := time.Now()
	result, err := m.prober.Probe(ctx, rec.Endpoint, deep)
	elapsed := time.Since(start)

	check := &registry.HealthCheckRecord{
		ServerID:     rec.ID,
		PerformedAt:  start,
		ResponseTime: elapsed,
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Loop shutdown raced the probe; not a server failure.
			return check
		}
		check.Reason = registry.ReasonError
		if errors.Is(err, context.DeadlineExceeded) {
			check.Reason = registry.ReasonTimeout
		}
		check.Error = err.Error()

		health, ferr := m.reg.ApplyProbeFailure(ctx, rec.ID, cfg.FailureThreshold)
		if ferr != nil {
			return check
		}
		check.Status = health
		m.logger.Warn("health probe failed",
			observability.String("server_id", rec.ID),
			observability.String("reason", check.Reason),
			observability.Error(err),
		)
	} else {
		check.ResponseTime = result.ResponseTime
		check.Capabilities = result.Capabilities
		degraded := cfg.DegradedLatency > 0 && result.ResponseTime > cfg.DegradedLatency
		if serr := m.reg.ApplyProbeSuccess(ctx, rec.ID, result.ResponseTime, degraded); serr != nil {
			return check
		}
		check.Status = registry.HealthHealthy
		if degraded {
			check.Status = registry.HealthDegraded
		}
	}

	recordProbe(string(rec.Endpoint.Transport), check.Status, check.ResponseTime)
	m.reg.AppendHealthRecord(ctx, check)
	return check
}
