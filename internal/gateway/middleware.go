package gateway

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avamcpgw/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware accepts a caller-supplied request ID or assigns
// one, and plumbs it into the request context for logging.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(
			observability.ContextWithRequestID(c.Request.Context(), id),
		)
		c.Next()
	}
}

// accessLogMiddleware logs one line per request.
func accessLogMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			observability.String("request_id", c.GetString("request_id")),
			observability.String("method", c.Request.Method),
			observability.String("path", c.FullPath()),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
		)
	}
}

// adminLimiter applies a coarse per-client token bucket to the admin
// API. This is deliberately separate from the multi-tier limiter on the
// proxy path: registration traffic is low-volume and process-local.
type adminLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func newAdminLimiter(rps, burst int) *adminLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = rps * 2
	}
	return &adminLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

func (a *adminLimiter) limiter(clientIP string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.clients[clientIP]; ok {
		return l
	}
	l := rate.NewLimiter(a.rps, a.burst)
	a.clients[clientIP] = l
	return l
}

func (a *adminLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.limiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(429, gin.H{"error": "admin rate limit exceeded"})
			return
		}
		c.Next()
	}
}
