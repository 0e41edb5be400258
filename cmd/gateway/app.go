package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avamcpgw/internal/audit"
	"github.com/vyrodovalexey/avamcpgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avamcpgw/internal/config"
	"github.com/vyrodovalexey/avamcpgw/internal/gateway"
	"github.com/vyrodovalexey/avamcpgw/internal/health"
	"github.com/vyrodovalexey/avamcpgw/internal/observability"
	"github.com/vyrodovalexey/avamcpgw/internal/pool"
	"github.com/vyrodovalexey/avamcpgw/internal/proxy"
	"github.com/vyrodovalexey/avamcpgw/internal/ratelimit"
	"github.com/vyrodovalexey/avamcpgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/avamcpgw/internal/registry"
	"github.com/vyrodovalexey/avamcpgw/internal/registry/redisstore"
)

// app holds the wired gateway components.
type app struct {
	cfg    *config.Config
	logger observability.Logger
	tracer *observability.TracerProvider

	redisClient redis.UniversalClient
	regStore    registry.Store
	counters    store.Store

	reg      *registry.Registry
	monitor  *health.Monitor
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Registry
	pools    *pool.Pools
	auditor  *audit.Writer
	router   *proxy.Router
	server   *gateway.Server
	watcher  *config.Watcher

	configPath string
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, configPath: configPath}

	a.tracer = observability.NewTracerProvider(observability.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "avamcpgw",
		Environment:  cfg.Tracing.Environment,
		Endpoint:     cfg.Tracing.Endpoint,
		Insecure:     cfg.Tracing.Insecure,
		SampleRate:   cfg.Tracing.SampleRate,
		BatchTimeout: cfg.Tracing.BatchWait.Duration(),
	}, logger)

	a.buildStores()
	a.buildPipeline()
	return a, nil
}

// buildStores picks Redis-backed persistence and counters when Redis is
// enabled, in-memory otherwise.
func (a *app) buildStores() {
	cfg := a.cfg
	if cfg.Redis.Enabled {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout.Duration(),
			ReadTimeout:  cfg.Redis.ReadTimeout.Duration(),
			WriteTimeout: cfg.Redis.WriteTimeout.Duration(),
		})
		a.regStore = redisstore.New(a.redisClient, cfg.Redis.Prefix,
			redisstore.WithHistoryLimit(cfg.Health.HistoryLimit))
		a.counters = store.NewRedisStore(a.redisClient, cfg.Redis.Prefix+"rl:")
		a.logger.Info("using redis persistence",
			observability.String("address", cfg.Redis.Address))
		return
	}
	a.regStore = registry.NewMemoryStore(cfg.Health.HistoryLimit)
	a.counters = store.NewMemoryStore()
	a.logger.Info("redis disabled, using in-memory stores")
}

func (a *app) buildPipeline() {
	cfg := a.cfg

	a.reg = registry.New(a.regStore, registry.WithLogger(a.logger))

	prober := health.NewMCPProber(&http.Client{Timeout: cfg.Health.ProbeTimeout.Duration()})
	a.monitor = health.NewMonitor(a.reg, prober, healthConfig(cfg),
		health.WithMonitorLogger(a.logger))

	a.limiter = ratelimit.New(a.counters, ratelimitConfig(cfg),
		ratelimit.WithLogger(a.logger))

	a.breakers = circuitbreaker.NewRegistry(breakerConfig(cfg), a.logger)
	a.pools = pool.NewPools(poolConfig(cfg))

	var sink audit.Sink
	if a.redisClient != nil {
		sink = audit.NewRedisSink(a.redisClient, cfg.Redis.Prefix, cfg.Audit.HistoryLimit)
	} else {
		auditLog := a.logger.With(observability.String("component", "audit"))
		sink = audit.NewLogSink(func(rec *audit.Record) {
			auditLog.Info("request audited",
				observability.String("request_id", rec.RequestID),
				observability.String("tenant_id", rec.TenantID),
				observability.String("server_id", rec.ServerID),
				observability.Int("status", rec.StatusCode),
				observability.String("outcome", string(rec.Outcome)),
				observability.Duration("duration", rec.Duration),
			)
		})
	}
	if cfg.Audit.Enabled {
		a.auditor = audit.NewWriter(sink, cfg.Audit.BufferSize,
			audit.WithWriterLogger(a.logger))
	}

	routerOpts := []proxy.RouterOption{
		proxy.WithLogger(a.logger),
		proxy.WithTracer(a.tracer.Tracer("mcpgw/proxy")),
	}
	if a.auditor != nil {
		routerOpts = append(routerOpts, proxy.WithAuditWriter(a.auditor))
	}
	a.router = proxy.NewRouter(a.reg, a.limiter, a.breakers, a.pools,
		proxyConfig(cfg), routerOpts...)

	a.server = gateway.New(cfg.Server, a.logger, a.reg, a.monitor, a.router)
}

// Run starts everything and blocks until a shutdown signal arrives.
func (a *app) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.tracer.Start(ctx); err != nil {
		a.logger.Warn("tracing disabled", observability.Error(err))
	}

	a.monitor.Start(ctx)
	a.reg.SetListener(registry.MultiListener(
		a.monitor,
		registry.ListenerFuncs{OnDeregistered: func(id string) {
			a.breakers.RemoveServer(id)
			a.pools.Remove(id)
		}},
	))
	if err := a.reg.Restore(ctx); err != nil {
		a.logger.Error("failed to restore registry", observability.Error(err))
	}

	if a.configPath != "" {
		a.watcher = config.NewWatcher(a.configPath, a.applyConfig, a.logger)
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("config watcher unavailable", observability.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.logger.Error("http server failed", observability.Error(err))
			a.shutdown()
			return err
		}
	}

	a.shutdown()
	return nil
}

// shutdown drains in order: HTTP first so no new work arrives, then the
// monitor, then the audit buffer, stores last.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown incomplete", observability.Error(err))
	}
	a.monitor.Stop()
	if a.auditor != nil {
		if err := a.auditor.Close(); err != nil {
			a.logger.Warn("audit flush failed", observability.Error(err))
		}
	}
	a.pools.Close()
	if err := a.counters.Close(); err != nil {
		a.logger.Warn("counter store close failed", observability.Error(err))
	}
	if err := a.regStore.Close(); err != nil {
		a.logger.Warn("registry store close failed", observability.Error(err))
	}
	if err := a.tracer.Stop(ctx); err != nil {
		a.logger.Warn("tracer stop failed", observability.Error(err))
	}
	_ = a.logger.Sync()
}

// applyConfig pushes reload-safe settings into the running components.
func (a *app) applyConfig(cfg *config.Config) {
	a.cfg = cfg
	a.limiter.UpdateConfig(ratelimitConfig(cfg))
	a.breakers.UpdateConfig(breakerConfig(cfg))
	a.monitor.UpdateConfig(healthConfig(cfg))
	a.router.UpdateConfig(proxyConfig(cfg))
	a.logger.Info("applied reloaded configuration")
}

func healthConfig(cfg *config.Config) health.Config {
	return health.Config{
		BaseInterval:     cfg.Health.BaseInterval.Duration(),
		MinInterval:      cfg.Health.MinInterval.Duration(),
		MaxInterval:      cfg.Health.MaxInterval.Duration(),
		ProbeTimeout:     cfg.Health.ProbeTimeout.Duration(),
		FailureThreshold: cfg.Health.FailureThreshold,
		DegradedLatency:  cfg.Health.DegradedLatency.Duration(),
	}
}

func ratelimitConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		Window:             cfg.RateLimit.Window.Duration(),
		GlobalLimit:        cfg.RateLimit.GlobalLimit,
		AdminLimit:         cfg.RateLimit.AdminLimit,
		OwnerLimit:         cfg.RateLimit.OwnerLimit,
		UserLimit:          cfg.RateLimit.UserLimit,
		AnonymousLimit:     cfg.RateLimit.AnonymousLimit,
		Burst:              cfg.RateLimit.Burst,
		TenantLimits:       cfg.RateLimit.TenantLimits,
		TenantWeights:      cfg.RateLimit.TenantWeights,
		TenantDefault:      cfg.RateLimit.TenantDefault,
		FairnessThreshold:  cfg.RateLimit.FairnessThreshold,
		ViolationThreshold: cfg.RateLimit.ViolationThreshold,
		ViolationWindow:    cfg.RateLimit.ViolationWindow.Duration(),
		DenyDuration:       cfg.RateLimit.DenyDuration.Duration(),
	}
}

func breakerConfig(cfg *config.Config) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		OpenDuration:     cfg.CircuitBreaker.OpenDuration.Duration(),
		MaxOpenDuration:  cfg.CircuitBreaker.MaxOpenDuration.Duration(),
		HalfOpenMax:      cfg.CircuitBreaker.HalfOpenMax,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Backoff:          cfg.CircuitBreaker.Backoff,
	}
}

func poolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		MaxSize:         cfg.Pool.MaxSize,
		AcquireTimeout:  cfg.Pool.AcquireTimeout.Duration(),
		IdleConnTimeout: cfg.Pool.IdleConnTimeout.Duration(),
		MaxIdleConns:    cfg.Pool.MaxIdleConns,
	}
}

func proxyConfig(cfg *config.Config) proxy.Config {
	return proxy.Config{
		RequestTimeout: cfg.Proxy.RequestTimeout.Duration(),
		RetryAttempts:  cfg.Proxy.RetryAttempts,
	}
}
