// Package gateway is the HTTP front door: registry administration,
// health inspection and the proxy entry point.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avamcpgw/internal/config"
	"github.com/vyrodovalexey/avamcpgw/internal/health"
	"github.com/vyrodovalexey/avamcpgw/internal/observability"
	"github.com/vyrodovalexey/avamcpgw/internal/proxy"
	"github.com/vyrodovalexey/avamcpgw/internal/registry"
)

// Server is the HTTP surface of the gateway.
type Server struct {
	cfg     config.ServerConfig
	logger  observability.Logger
	reg     *registry.Registry
	monitor *health.Monitor
	router  *proxy.Router

	engine *gin.Engine
	srv    *http.Server
}

// New assembles the HTTP server and its routes.
func New(
	cfg config.ServerConfig,
	logger observability.Logger,
	reg *registry.Registry,
	monitor *health.Monitor,
	router *proxy.Router,
) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(cfg.TrustedProxies) > 0 {
		_ = engine.SetTrustedProxies(cfg.TrustedProxies)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		reg:     reg,
		monitor: monitor,
		router:  router,
		engine:  engine,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(requestIDMiddleware(), accessLogMiddleware(s.logger))

	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")

	admin := api.Group("/servers")
	admin.Use(newAdminLimiter(s.cfg.AdminRPS, s.cfg.AdminBurst).middleware())
	admin.POST("", s.handleRegister)
	admin.GET("", s.handleListServers)
	admin.GET("/:id", s.handleGetServer)
	admin.DELETE("/:id", s.handleDeregister)
	admin.GET("/:id/health", s.handleServerHealth)
	admin.POST("/:id/health-check", s.handleCheckNow)

	api.POST("/proxy", s.handleProxy)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.WriteTimeout.Duration(),
	}
	s.logger.Info("http server listening", observability.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	timeout := s.cfg.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
