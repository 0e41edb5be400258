// Package config provides configuration loading and validation for the
// MCP Gateway.
package config

import (
	"fmt"
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Redis          RedisConfig          `yaml:"redis"`
	Health         HealthConfig         `yaml:"health"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
	Pool           PoolConfig           `yaml:"pool"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	Audit          AuditConfig          `yaml:"audit"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	TrustedProxies  []string `yaml:"trustedProxies"`
	// AdminRPS bounds the per-client request rate on the admin API.
	AdminRPS   int `yaml:"adminRps"`
	AdminBurst int `yaml:"adminBurst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Endpoint    string   `yaml:"endpoint"`
	Insecure    bool     `yaml:"insecure"`
	SampleRate  float64  `yaml:"sampleRate"`
	Environment string   `yaml:"environment"`
	BatchWait   Duration `yaml:"batchWait"`
}

// RedisConfig configures the shared Redis collaborator used for the
// rate-limit counter store and record persistence. When disabled, both
// fall back to in-memory implementations.
type RedisConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Address      string   `yaml:"address"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	Prefix       string   `yaml:"prefix"`
	PoolSize     int      `yaml:"poolSize"`
	MinIdleConns int      `yaml:"minIdleConns"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	// BaseInterval is the default spacing between scheduled probes.
	BaseInterval Duration `yaml:"baseInterval"`
	// MinInterval is the floor applied when a server is erroring.
	MinInterval Duration `yaml:"minInterval"`
	// MaxInterval is the cap applied when a server is fully healthy.
	MaxInterval Duration `yaml:"maxInterval"`
	// ProbeTimeout bounds a single scheduled probe.
	ProbeTimeout Duration `yaml:"probeTimeout"`
	// FailureThreshold is the consecutive probe failures before a server
	// is marked unhealthy. Checks are infrequent so the default is 1.
	FailureThreshold int `yaml:"failureThreshold"`
	// DegradedLatency marks a responding server degraded above this RTT.
	DegradedLatency Duration `yaml:"degradedLatency"`
	// HistoryLimit caps the retained health check records per server.
	HistoryLimit int `yaml:"historyLimit"`
}

// CircuitBreakerConfig configures per-(server, service) breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	OpenDuration     Duration `yaml:"openDuration"`
	MaxOpenDuration  Duration `yaml:"maxOpenDuration"`
	HalfOpenMax      int      `yaml:"halfOpenMax"`
	SuccessThreshold int      `yaml:"successThreshold"`
	Backoff          bool     `yaml:"backoff"`
}

// RateLimitConfig configures the multi-tier rate limiter.
type RateLimitConfig struct {
	Window Duration `yaml:"window"`

	// GlobalLimit is the system-wide ceiling per window, independent of
	// the per-tier limits.
	GlobalLimit int `yaml:"globalLimit"`

	// Role defaults per window, overridable per tenant or key.
	AdminLimit     int `yaml:"adminLimit"`
	OwnerLimit     int `yaml:"ownerLimit"`
	UserLimit      int `yaml:"userLimit"`
	AnonymousLimit int `yaml:"anonymousLimit"`

	Burst int `yaml:"burst"`

	// TenantLimits and TenantWeights override the default tenant limit
	// and set the fairness weight (default weight 1.0).
	TenantLimits  map[string]int     `yaml:"tenantLimits"`
	TenantWeights map[string]float64 `yaml:"tenantWeights"`
	TenantDefault int                `yaml:"tenantDefault"`

	// FairnessThreshold is the global utilization above which tenant
	// limits are scaled proportionally to weight.
	FairnessThreshold float64 `yaml:"fairnessThreshold"`

	// DDoS guard.
	ViolationThreshold int      `yaml:"violationThreshold"`
	ViolationWindow    Duration `yaml:"violationWindow"`
	DenyDuration       Duration `yaml:"denyDuration"`
}

// PoolConfig configures per-server connection pools.
type PoolConfig struct {
	MaxSize         int      `yaml:"maxSize"`
	AcquireTimeout  Duration `yaml:"acquireTimeout"`
	IdleConnTimeout Duration `yaml:"idleConnTimeout"`
	MaxIdleConns    int      `yaml:"maxIdleConns"`
}

// ProxyConfig configures the router.
type ProxyConfig struct {
	RequestTimeout Duration `yaml:"requestTimeout"`
	RetryAttempts  int      `yaml:"retryAttempts"`
}

// AuditConfig configures the audit writer.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"bufferSize"`
	// HistoryLimit caps retained audit records in the sink.
	HistoryLimit int `yaml:"historyLimit"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			AdminRPS:        20,
			AdminBurst:      40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
			BatchWait:  Duration(5 * time.Second),
		},
		Redis: RedisConfig{
			Enabled:      false,
			Address:      "localhost:6379",
			Prefix:       "mcpgw:",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  Duration(5 * time.Second),
			ReadTimeout:  Duration(3 * time.Second),
			WriteTimeout: Duration(3 * time.Second),
		},
		Health: HealthConfig{
			BaseInterval:     Duration(300 * time.Second),
			MinInterval:      Duration(120 * time.Second),
			MaxInterval:      Duration(900 * time.Second),
			ProbeTimeout:     Duration(5 * time.Second),
			FailureThreshold: 1,
			DegradedLatency:  Duration(2 * time.Second),
			HistoryLimit:     100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			OpenDuration:     Duration(30 * time.Second),
			MaxOpenDuration:  Duration(5 * time.Minute),
			HalfOpenMax:      3,
			SuccessThreshold: 2,
			Backoff:          true,
		},
		RateLimit: RateLimitConfig{
			Window:             Duration(time.Minute),
			GlobalLimit:        5000,
			AdminLimit:         1000,
			OwnerLimit:         500,
			UserLimit:          100,
			AnonymousLimit:     20,
			Burst:              0,
			TenantDefault:      500,
			FairnessThreshold:  0.8,
			ViolationThreshold: 20,
			ViolationWindow:    Duration(5 * time.Minute),
			DenyDuration:       Duration(15 * time.Minute),
		},
		Pool: PoolConfig{
			MaxSize:         32,
			AcquireTimeout:  Duration(2 * time.Second),
			IdleConnTimeout: Duration(90 * time.Second),
			MaxIdleConns:    10,
		},
		Proxy: ProxyConfig{
			RequestTimeout: Duration(30 * time.Second),
			RetryAttempts:  2,
		},
		Audit: AuditConfig{
			Enabled:      true,
			BufferSize:   1024,
			HistoryLimit: 10000,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Health.MinInterval > c.Health.BaseInterval {
		return fmt.Errorf("health.minInterval exceeds health.baseInterval")
	}
	if c.Health.BaseInterval > c.Health.MaxInterval {
		return fmt.Errorf("health.baseInterval exceeds health.maxInterval")
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failureThreshold must be at least 1")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuitBreaker.failureThreshold must be at least 1")
	}
	if c.CircuitBreaker.HalfOpenMax < 1 {
		return fmt.Errorf("circuitBreaker.halfOpenMax must be at least 1")
	}
	if c.RateLimit.Window.Duration() <= 0 {
		return fmt.Errorf("rateLimit.window must be positive")
	}
	if c.RateLimit.GlobalLimit < 1 {
		return fmt.Errorf("rateLimit.globalLimit must be at least 1")
	}
	if c.RateLimit.FairnessThreshold <= 0 || c.RateLimit.FairnessThreshold > 1 {
		return fmt.Errorf("rateLimit.fairnessThreshold must be in (0, 1]")
	}
	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.maxSize must be at least 1")
	}
	if c.Proxy.RetryAttempts < 0 {
		return fmt.Errorf("proxy.retryAttempts must not be negative")
	}
	return nil
}
