package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamcpgw/internal/proxy"
	"github.com/vyrodovalexey/avamcpgw/internal/ratelimit"
	"github.com/vyrodovalexey/avamcpgw/internal/registry"
	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

// Identity headers, populated by the authenticating layer in front of
// the gateway.
const (
	headerTenantID = "X-MCP-Tenant-ID"
	headerUserID   = "X-MCP-User-ID"
	headerAPIKeyID = "X-MCP-API-Key-ID"
	headerRole     = "X-MCP-Role"
)

func (s *Server) handleRegister(c *gin.Context) {
	var spec registry.RegisterSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeError(c, &util.ValidationError{Message: "malformed request body"})
		return
	}
	rec, err := s.reg.Register(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleListServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.reg.List()})
}

func (s *Server) handleGetServer(c *gin.Context) {
	rec, err := s.reg.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeregister(c *gin.Context) {
	if err := s.reg.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleServerHealth(c *gin.Context) {
	rec, err := s.reg.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := s.reg.HealthHistory(c.Request.Context(), rec.ID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"serverId":                rec.ID,
		"healthStatus":            rec.Health,
		"lastHealthCheckAt":       rec.LastHealthCheckAt,
		"consecutiveFailureCount": rec.ConsecutiveFailures,
		"avgResponseTimeMs":       rec.AvgResponseTime.Milliseconds(),
		"successRate":             rec.SuccessRate,
		"history":                 history,
	})
}

type checkNowRequest struct {
	TimeoutSeconds int  `json:"timeoutSeconds"`
	Deep           bool `json:"deep"`
}

func (s *Server) handleCheckNow(c *gin.Context) {
	var req checkNowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, &util.ValidationError{Message: "malformed request body"})
			return
		}
	}
	check, err := s.monitor.CheckNow(
		c.Request.Context(),
		c.Param("id"),
		time.Duration(req.TimeoutSeconds)*time.Second,
		req.Deep,
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

type proxyEnvelope struct {
	TenantID   string          `json:"tenantId"`
	Transport  string          `json:"transport"`
	Capability string          `json:"capability"`
	Method     string          `json:"method"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) handleProxy(c *gin.Context) {
	var body proxyEnvelope
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &util.ValidationError{Message: "malformed request body"})
		return
	}
	if body.Method == "" {
		verr := util.NewValidationError("invalid proxy request")
		verr.AddField("method", "required")
		writeError(c, verr)
		return
	}

	req := &proxy.Request{
		RequestID:  c.GetString("request_id"),
		TenantID:   body.TenantID,
		UserID:     c.GetHeader(headerUserID),
		APIKeyID:   c.GetHeader(headerAPIKeyID),
		Role:       parseRole(c.GetHeader(headerRole)),
		ClientIP:   c.ClientIP(),
		Transport:  registry.Transport(body.Transport),
		Capability: body.Capability,
		Method:     body.Method,
		Payload:    body.Payload,
	}
	if req.TenantID == "" {
		req.TenantID = c.GetHeader(headerTenantID)
	}

	resp, err := s.router.Route(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	setRateLimitHeaders(c, resp.RateLimit)
	c.Header("X-MCP-Server-ID", resp.ServerID)
	c.Data(resp.Status, "application/json", resp.Body)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseRole(v string) ratelimit.Role {
	switch ratelimit.Role(v) {
	case ratelimit.RoleAdmin:
		return ratelimit.RoleAdmin
	case ratelimit.RoleOwner:
		return ratelimit.RoleOwner
	case ratelimit.RoleUser:
		return ratelimit.RoleUser
	default:
		return ratelimit.RoleAnonymous
	}
}

func setRateLimitHeaders(c *gin.Context, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	if d.Limit >= 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	}
	if d.Remaining >= 0 {
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.Reset.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
}

// writeError maps the error taxonomy to an HTTP response.
func writeError(c *gin.Context, err error) {
	status := util.StatusForError(err)
	body := gin.H{"error": err.Error()}

	var vErr *util.ValidationError
	if errors.As(err, &vErr) && len(vErr.Fields) > 0 {
		body["fields"] = vErr.Fields
	}

	var rlErr *util.RateLimitedError
	if errors.As(err, &rlErr) {
		body["reason"] = rlErr.Reason
		setRetryAfter(c, rlErr.RetryAfter)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rlErr.Limit))
		c.Header("X-RateLimit-Remaining", "0")
	}

	var coErr *util.CircuitOpenError
	if errors.As(err, &coErr) {
		body["reason"] = util.ReasonCircuitOpen
		setRetryAfter(c, coErr.RetryAfter)
	}

	c.AbortWithStatusJSON(status, body)
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}
