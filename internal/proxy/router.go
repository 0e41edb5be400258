package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avamcpgw/internal/audit"
	"github.com/vyrodovalexey/avamcpgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avamcpgw/internal/observability"
	"github.com/vyrodovalexey/avamcpgw/internal/pool"
	"github.com/vyrodovalexey/avamcpgw/internal/ratelimit"
	"github.com/vyrodovalexey/avamcpgw/internal/registry"
	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

// Config controls routing.
type Config struct {
	// RequestTimeout bounds one upstream dispatch.
	RequestTimeout time.Duration
	// RetryAttempts is how many additional candidates are tried after a
	// transport-level failure. Application error responses never retry.
	RetryAttempts int
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{RequestTimeout: 30 * time.Second, RetryAttempts: 2}
}

func (c Config) normalized() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	return c
}

// Router runs the request pipeline: rate limit, candidate selection,
// breaker gate, pool slot, dispatch, outcome feedback, audit.
type Router struct {
	reg        *registry.Registry
	limiter    *ratelimit.Limiter
	breakers   *circuitbreaker.Registry
	pools      *pool.Pools
	auditor    *audit.Writer
	dispatcher Dispatcher
	logger     observability.Logger
	tracer     trace.Tracer

	// cfg is swapped whole on reload; Route snapshots it once per request.
	cfg atomic.Pointer[Config]
}

// RouterOption is a functional option for configuring the router.
type RouterOption func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger observability.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithTracer enables spans around the pipeline.
func WithTracer(tracer trace.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = tracer
	}
}

// WithDispatcher replaces the default HTTP dispatcher.
func WithDispatcher(d Dispatcher) RouterOption {
	return func(r *Router) {
		r.dispatcher = d
	}
}

// WithAuditWriter sets the audit writer.
func WithAuditWriter(w *audit.Writer) RouterOption {
	return func(r *Router) {
		r.auditor = w
	}
}

// NewRouter wires the pipeline.
func NewRouter(
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	breakers *circuitbreaker.Registry,
	pools *pool.Pools,
	cfg Config,
	opts ...RouterOption,
) *Router {
	r := &Router{
		reg:        reg,
		limiter:    limiter,
		breakers:   breakers,
		pools:      pools,
		dispatcher: NewHTTPDispatcher(),
		logger:     observability.NopLogger(),
	}
	c := cfg.normalized()
	r.cfg.Store(&c)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpdateConfig applies new timeout and retry settings. Safe to call
// while requests are in flight; each request keeps the snapshot it
// started with.
func (r *Router) UpdateConfig(cfg Config) {
	c := cfg.normalized()
	r.cfg.Store(&c)
}

// Route sends the request to the best available backend server.
func (r *Router) Route(ctx context.Context, req *Request) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	start := time.Now()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "proxy.route", trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("mcp.method", req.Method),
		))
		defer span.End()
	}

	resp, err := r.route(ctx, req, start)
	recordRoute(time.Since(start), resp, err)
	return resp, err
}

func (r *Router) route(ctx context.Context, req *Request, start time.Time) (*Response, error) {
	decision, err := r.limiter.Check(ctx, req.Identity(), 1)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		rlErr := &util.RateLimitedError{
			Tier:       decision.Tier,
			Limit:      decision.Limit,
			Remaining:  decision.Remaining,
			RetryAfter: decision.RetryAfter,
			Reason:     decision.Reason,
		}
		r.audit(req, "", start, rlErr, 0)
		return nil, rlErr
	}

	criteria := registry.Criteria{TenantID: req.TenantID, Transport: req.Transport}
	if req.Capability != "" {
		criteria.Tags = []string{req.Capability}
	}
	candidates := r.reg.FindHealthy(criteria)
	if len(candidates) == 0 {
		err := fmt.Errorf("no routable server for tenant %q: %w", req.TenantID, util.ErrNoHealthyServer)
		r.audit(req, "", start, err, 0)
		return nil, err
	}

	cfg := r.cfg.Load()
	service := req.Service()
	maxAttempts := 1 + cfg.RetryAttempts
	attempts := 0
	openSkips := 0
	var minRetryAfter time.Duration
	var lastErr error

	for _, cand := range candidates {
		if attempts >= maxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			cErr := fmt.Errorf("%w: %v", util.ErrCancelled, err)
			r.audit(req, cand.ID, start, cErr, 0)
			return nil, cErr
		}

		breaker := r.breakers.GetOrCreate(cand.ID, service)
		if !breaker.Allow() {
			openSkips++
			if ra := breaker.Status().RetryAfter; ra > 0 && (minRetryAfter == 0 || ra < minRetryAfter) {
				minRetryAfter = ra
			}
			continue
		}

		serverPool := r.pools.Get(cand.ID)
		if err := serverPool.Acquire(ctx); err != nil {
			breaker.Cancel()
			if ctx.Err() != nil {
				cErr := fmt.Errorf("%w: %v", util.ErrCancelled, err)
				r.audit(req, cand.ID, start, cErr, 0)
				return nil, cErr
			}
			// Local saturation, not a server fault: try the next
			// candidate without feeding the breaker.
			lastErr = err
			continue
		}

		attempts++
		resp, derr := r.dispatch(ctx, serverPool, cand, req, cfg.RequestTimeout)
		if derr == nil {
			appFailure := resp.Status >= 500
			breaker.RecordResult(!appFailure)
			r.reportOutcome(cand.ID, !appFailure, resp.Duration)
			serverPool.Release()
			resp.ServerID = cand.ID
			resp.RateLimit = decision
			r.audit(req, cand.ID, start, nil, resp.Status)
			return resp, nil
		}

		switch {
		case errors.Is(derr, context.Canceled):
			serverPool.Release()
			breaker.Cancel()
			cErr := fmt.Errorf("%w: %v", util.ErrCancelled, derr)
			r.audit(req, cand.ID, start, cErr, 0)
			return nil, cErr
		case errors.Is(derr, context.DeadlineExceeded):
			serverPool.Discard()
			breaker.RecordResult(false)
			r.reportOutcome(cand.ID, false, cfg.RequestTimeout)
			tErr := &util.TimeoutError{Op: "proxy dispatch", Timeout: cfg.RequestTimeout}
			r.audit(req, cand.ID, start, tErr, 0)
			return nil, tErr
		default:
			// Transport failure: penalize and walk on.
			serverPool.Discard()
			breaker.RecordResult(false)
			r.reportOutcome(cand.ID, false, time.Since(start))
			lastErr = withServerID(derr, cand.ID)
			recordRetry(service)
			r.logger.Warn("dispatch failed, trying next candidate",
				observability.String("request_id", req.RequestID),
				observability.String("server_id", cand.ID),
				observability.Error(derr),
			)
		}
	}

	switch {
	case lastErr != nil:
		err = lastErr
	case openSkips > 0:
		err = &util.CircuitOpenError{Service: service, RetryAfter: minRetryAfter}
	default:
		err = fmt.Errorf("no routable server for tenant %q: %w", req.TenantID, util.ErrNoHealthyServer)
	}
	r.audit(req, "", start, err, 0)
	return nil, err
}

// dispatch runs one upstream call under the per-request deadline.
func (r *Router) dispatch(ctx context.Context, serverPool *pool.ServerPool, cand *registry.ServerRecord, req *Request, timeout time.Duration) (*Response, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.dispatcher.Dispatch(dctx, serverPool.Client(), cand.Endpoint, req)
}

// reportOutcome feeds the registry best-effort; a record that vanished
// mid-flight is not an error worth surfacing.
func (r *Router) reportOutcome(serverID string, success bool, latency time.Duration) {
	if err := r.reg.ReportOutcome(serverID, success, latency); err != nil {
		r.logger.Debug("outcome report skipped", observability.String("server_id", serverID), observability.Error(err))
	}
}

func withServerID(err error, serverID string) error {
	var ue *util.UpstreamError
	if errors.As(err, &ue) && ue.ServerID == "" {
		return &util.UpstreamError{ServerID: serverID, Reason: ue.Reason, Cause: ue.Cause}
	}
	return err
}

// audit emits the request's audit record. Status 0 means derive from
// the error.
func (r *Router) audit(req *Request, serverID string, start time.Time, err error, status int) {
	if r.auditor == nil {
		return
	}
	if status == 0 {
		status = util.StatusForError(err)
	}
	r.auditor.Record(&audit.Record{
		RequestID:  req.RequestID,
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		ServerID:   serverID,
		StatusCode: status,
		Duration:   time.Since(start),
		Outcome:    outcomeFor(err, status),
		Reason:     reasonFor(err),
	})
}

func outcomeFor(err error, status int) audit.Outcome {
	switch {
	case err == nil && status < 500:
		return audit.OutcomeSuccess
	case err == nil:
		return audit.OutcomeFailed
	case errors.Is(err, util.ErrRateLimited):
		return audit.OutcomeRejected
	case errors.Is(err, util.ErrNoHealthyServer), errors.Is(err, util.ErrCircuitOpen), errors.Is(err, util.ErrPoolExhausted):
		return audit.OutcomeUnavailable
	case errors.Is(err, util.ErrTimeout):
		return audit.OutcomeTimedOut
	case errors.Is(err, util.ErrCancelled):
		return audit.OutcomeCancelled
	default:
		return audit.OutcomeFailed
	}
}

func reasonFor(err error) string {
	var rlErr *util.RateLimitedError
	if errors.As(err, &rlErr) && rlErr.Reason != "" {
		return rlErr.Reason
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, util.ErrCircuitOpen):
		return util.ReasonCircuitOpen
	case errors.Is(err, util.ErrNoHealthyServer):
		return util.ReasonNoServer
	case errors.Is(err, util.ErrPoolExhausted):
		return util.ReasonPoolExhausted
	case errors.Is(err, util.ErrTimeout):
		return util.ReasonTimeout
	case errors.Is(err, util.ErrCancelled):
		return util.ReasonCancelled
	case errors.Is(err, util.ErrRateLimited):
		return util.ReasonRateLimited
	default:
		return util.ReasonUpstreamError
	}
}
