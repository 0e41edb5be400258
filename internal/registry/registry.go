package registry

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avamcpgw/internal/observability"
	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

// responseTimeAlpha is the EMA smoothing factor for response times and
// success rates.
const responseTimeAlpha = 0.2

// Listener is notified of registry lifecycle events. The health monitor
// implements it to start and stop per-server probe loops. Callbacks run
// outside the registry lock.
type Listener interface {
	ServerRegistered(rec *ServerRecord)
	ServerDeregistered(id string)
}

// MultiListener fans lifecycle events out to every listener, in order.
// Used to chain the health monitor with per-server resource cleanup
// (circuit breakers, connection pools) on deregistration.
func MultiListener(listeners ...Listener) Listener {
	return multiListener(listeners)
}

type multiListener []Listener

func (m multiListener) ServerRegistered(rec *ServerRecord) {
	for _, l := range m {
		l.ServerRegistered(rec)
	}
}

func (m multiListener) ServerDeregistered(id string) {
	for _, l := range m {
		l.ServerDeregistered(id)
	}
}

// ListenerFuncs adapts plain functions to a Listener. Nil callbacks are
// skipped.
type ListenerFuncs struct {
	OnRegistered   func(rec *ServerRecord)
	OnDeregistered func(id string)
}

// ServerRegistered implements Listener.
func (l ListenerFuncs) ServerRegistered(rec *ServerRecord) {
	if l.OnRegistered != nil {
		l.OnRegistered(rec)
	}
}

// ServerDeregistered implements Listener.
func (l ListenerFuncs) ServerDeregistered(id string) {
	if l.OnDeregistered != nil {
		l.OnDeregistered(id)
	}
}

// Registry is the arena of server records, keyed by opaque ID. All
// lookups go through its API; callers never hold references into the
// arena (records are cloned on the way out).
type Registry struct {
	mu      sync.RWMutex
	records map[string]*ServerRecord

	store    Store
	logger   observability.Logger
	listener Listener
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a registry backed by the given store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*ServerRecord),
		store:   store,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetListener installs the lifecycle listener. Must be called before
// Register traffic starts.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Restore loads persisted records into the arena and restarts monitor
// loops for active servers. Intended for startup.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadServers(ctx)
	if err != nil {
		return err
	}

	var restored []*ServerRecord
	r.mu.Lock()
	for _, rec := range records {
		r.records[rec.ID] = rec
		if !rec.Deleted() && rec.Status == StatusActive {
			restored = append(restored, rec.Clone())
		}
	}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		for _, rec := range restored {
			listener.ServerRegistered(rec)
		}
	}

	r.logger.Info("registry restored", observability.Int("servers", len(records)))
	return nil
}

// Register validates the spec and adds a new server record.
func (r *Registry) Register(ctx context.Context, spec RegisterSpec) (*ServerRecord, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &ServerRecord{
		ID:          uuid.New().String(),
		TenantID:    spec.TenantID,
		Name:        spec.Name,
		Endpoint:    spec.Endpoint,
		Tags:        append([]string(nil), spec.Tags...),
		Status:      StatusActive,
		Health:      HealthUnknown,
		SuccessRate: 1.0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	for _, existing := range r.records {
		if !existing.Deleted() && existing.TenantID == spec.TenantID && existing.Name == spec.Name {
			r.mu.Unlock()
			return nil, &util.ConflictError{TenantID: spec.TenantID, Name: spec.Name}
		}
	}
	r.records[rec.ID] = rec
	listener := r.listener
	r.mu.Unlock()

	r.persist(ctx, rec)
	recordRegistration(rec.TenantID == "")
	r.logger.Info("server registered",
		observability.String("server_id", rec.ID),
		observability.String("name", rec.Name),
		observability.String("tenant_id", rec.TenantID),
		observability.String("transport", string(rec.Endpoint.Transport)),
	)

	if listener != nil {
		listener.ServerRegistered(rec.Clone())
	}
	return rec.Clone(), nil
}

// Deregister soft-deletes a server. Repeated calls on an already
// deregistered server return NotFoundError.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || rec.Deleted() {
		r.mu.Unlock()
		return &util.NotFoundError{Kind: "server", ID: id}
	}
	now := time.Now()
	rec.DeletedAt = &now
	rec.Status = StatusInactive
	rec.UpdatedAt = now
	snapshot := rec.Clone()
	listener := r.listener
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.logger.Info("server deregistered", observability.String("server_id", id))

	if listener != nil {
		listener.ServerDeregistered(id)
	}
	return nil
}

// Get returns a copy of the record, including soft-deleted ones.
func (r *Registry) Get(id string) (*ServerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, &util.NotFoundError{Kind: "server", ID: id}
	}
	return rec.Clone(), nil
}

// List returns all non-deleted records.
func (r *Registry) List() []*ServerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServerRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Deleted() {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// FindHealthy returns routable candidates matching the criteria, ordered
// tenant-owned first, then ascending average response time, with success
// rate (descending) as the tie break.
func (r *Registry) FindHealthy(criteria Criteria) []*ServerRecord {
	r.mu.RLock()
	var out []*ServerRecord
	for _, rec := range r.records {
		if !r.eligible(rec, criteria) {
			continue
		}
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aOwned := a.TenantID != "" && a.TenantID == criteria.TenantID
		bOwned := b.TenantID != "" && b.TenantID == criteria.TenantID
		if aOwned != bOwned {
			return aOwned
		}
		if a.AvgResponseTime != b.AvgResponseTime {
			return a.AvgResponseTime < b.AvgResponseTime
		}
		return a.SuccessRate > b.SuccessRate
	})
	return out
}

// eligible reports whether rec can serve a request under criteria.
// Caller holds at least the read lock.
func (r *Registry) eligible(rec *ServerRecord, criteria Criteria) bool {
	if rec.Deleted() || rec.Status != StatusActive || !rec.Health.Routable() {
		return false
	}
	if rec.TenantID != "" && rec.TenantID != criteria.TenantID {
		return false
	}
	if criteria.Transport != "" && rec.Endpoint.Transport != criteria.Transport {
		return false
	}
	for _, want := range criteria.Tags {
		found := false
		for _, tag := range rec.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ReportOutcome feeds a request outcome back into the record's moving
// averages. It never changes Health; only the monitor does that.
func (r *Registry) ReportOutcome(id string, success bool, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Deleted() {
		return &util.NotFoundError{Kind: "server", ID: id}
	}

	if rec.AvgResponseTime == 0 {
		rec.AvgResponseTime = latency
	} else {
		rec.AvgResponseTime = time.Duration(
			float64(rec.AvgResponseTime)*(1-responseTimeAlpha) + float64(latency)*responseTimeAlpha,
		)
	}

	outcome := 0.0
	if success {
		outcome = 1.0
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
	}
	if rec.Outcomes == 0 {
		rec.SuccessRate = outcome
	} else {
		rec.SuccessRate = rec.SuccessRate*(1-responseTimeAlpha) + outcome*responseTimeAlpha
	}
	rec.Outcomes++
	rec.UpdatedAt = time.Now()
	return nil
}

// SetStatus updates the administrative status (e.g. maintenance). Moving
// a server out of active stops its monitor loop; moving it back restarts
// the loop.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || rec.Deleted() {
		r.mu.Unlock()
		return &util.NotFoundError{Kind: "server", ID: id}
	}
	prev := rec.Status
	rec.Status = status
	rec.UpdatedAt = time.Now()
	snapshot := rec.Clone()
	listener := r.listener
	r.mu.Unlock()

	r.persist(ctx, snapshot)

	if listener != nil && prev != status {
		if status == StatusActive {
			listener.ServerRegistered(snapshot)
		} else if prev == StatusActive {
			listener.ServerDeregistered(id)
		}
	}
	return nil
}

// ApplyProbeSuccess records a successful probe. Monitor use only.
func (r *Registry) ApplyProbeSuccess(ctx context.Context, id string, rtt time.Duration, degraded bool) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || rec.Deleted() {
		r.mu.Unlock()
		return &util.NotFoundError{Kind: "server", ID: id}
	}
	if degraded {
		rec.Health = HealthDegraded
	} else {
		rec.Health = HealthHealthy
	}
	rec.ConsecutiveFailures = 0
	rec.LastHealthCheckAt = time.Now()
	rec.UpdatedAt = rec.LastHealthCheckAt
	snapshot := rec.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	recordHealthGauge(snapshot)
	return nil
}

// ApplyProbeFailure records a failed probe and marks the server
// unhealthy once the consecutive failure threshold is reached. Monitor
// use only. Returns the health state after the update.
func (r *Registry) ApplyProbeFailure(ctx context.Context, id string, threshold int) (Health, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || rec.Deleted() {
		r.mu.Unlock()
		return HealthUnknown, &util.NotFoundError{Kind: "server", ID: id}
	}
	rec.ConsecutiveFailures++
	if rec.ConsecutiveFailures >= threshold {
		rec.Health = HealthUnhealthy
	}
	rec.LastHealthCheckAt = time.Now()
	rec.UpdatedAt = rec.LastHealthCheckAt
	snapshot := rec.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	recordHealthGauge(snapshot)
	return snapshot.Health, nil
}

// AppendHealthRecord persists a health check history entry.
func (r *Registry) AppendHealthRecord(ctx context.Context, rec *HealthCheckRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.AppendHealthCheck(ctx, rec); err != nil {
		r.logger.Warn("failed to append health check record",
			observability.String("server_id", rec.ServerID),
			observability.Error(err),
		)
	}
}

// HealthHistory returns recent health check records, newest first.
func (r *Registry) HealthHistory(ctx context.Context, serverID string, limit int) ([]*HealthCheckRecord, error) {
	if _, err := r.Get(serverID); err != nil {
		return nil, err
	}
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListHealthChecks(ctx, serverID, limit)
}

// persist mirrors a record into the store best-effort. The request path
// is never blocked by persistence failures.
func (r *Registry) persist(ctx context.Context, rec *ServerRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveServer(ctx, rec); err != nil {
		r.logger.Warn("failed to persist server record",
			observability.String("server_id", rec.ID),
			observability.Error(err),
		)
	}
}

// validateSpec checks registration input.
func validateSpec(spec RegisterSpec) error {
	verr := util.NewValidationError("invalid server registration")
	if spec.Name == "" {
		verr.AddField("name", "required")
	}
	if !spec.Endpoint.Transport.Valid() {
		verr.AddField("endpoint.transport", "must be streamable, sse or websocket")
	}
	u, err := url.Parse(spec.Endpoint.URL)
	if err != nil || u.Host == "" {
		verr.AddField("endpoint.url", "must be an absolute URL")
	} else {
		switch spec.Endpoint.Transport {
		case TransportWebSocket:
			if u.Scheme != "ws" && u.Scheme != "wss" {
				verr.AddField("endpoint.url", "websocket endpoints require ws:// or wss://")
			}
		case TransportStreamable, TransportSSE:
			if u.Scheme != "http" && u.Scheme != "https" {
				verr.AddField("endpoint.url", "http endpoints require http:// or https://")
			}
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}
