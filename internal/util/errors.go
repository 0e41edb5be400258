// Package util provides shared utility types for the MCP Gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ValidationError, RateLimitedError). Each
//     type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrInvalidInput    = errors.New("invalid input")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrNoHealthyServer = errors.New("no healthy server available")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrTimeout         = errors.New("timeout")
	ErrUpstream        = errors.New("upstream failure")
	ErrPoolExhausted   = errors.New("connection pool exhausted")
	ErrCancelled       = errors.New("request cancelled")
	ErrConfigInvalid   = errors.New("invalid configuration")
)

// Reason codes surfaced to callers so that rejections and failures are
// machine-distinguishable.
const (
	ReasonRateLimited    = "rate_limited"
	ReasonIPDenied       = "ip_denied"
	ReasonNoServer       = "no_healthy_server"
	ReasonCircuitOpen    = "circuit_open"
	ReasonPoolExhausted  = "pool_exhausted"
	ReasonUpstreamError  = "upstream_error"
	ReasonTimeout        = "timeout"
	ReasonCancelled      = "cancelled"
	ReasonTransportError = "transport_error"
)

// ValidationError represents user-fixable bad input.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s (fields: %v)", e.Message, e.Fields)
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	if target == ErrInvalidInput {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// ConflictError represents a duplicate registration.
type ConflictError struct {
	TenantID string
	Name     string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.TenantID == "" {
		return fmt.Sprintf("server %q already registered", e.Name)
	}
	return fmt.Sprintf("server %q already registered for tenant %s", e.Name, e.TenantID)
}

// Is checks if the error matches the target.
func (e *ConflictError) Is(target error) bool {
	if target == ErrConflict {
		return true
	}
	_, ok := target.(*ConflictError)
	return ok
}

// NotFoundError represents an unknown identifier.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is checks if the error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*NotFoundError)
	return ok
}

// RateLimitedError is returned when a request exceeds its rate limit.
// Tier names the first exhausted tier.
type RateLimitedError struct {
	Tier       string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded at %s tier (retry after %s)", e.Tier, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitedError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitedError)
	return ok
}

// CircuitOpenError is returned when every candidate server is gated by an
// open circuit breaker.
type CircuitOpenError struct {
	ServerID   string
	Service    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.ServerID == "" {
		return "all candidate servers have open circuit breakers"
	}
	return fmt.Sprintf("circuit open for server %s service %s", e.ServerID, e.Service)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// UpstreamError represents a backend failure or a broken transport call.
// Reason is one of the Reason* codes so callers can distinguish overload
// (pool exhaustion) from backend failure.
type UpstreamError struct {
	ServerID string
	Reason   string
	Cause    error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream error [%s] server=%s: %v", e.Reason, e.ServerID, e.Cause)
	}
	return fmt.Sprintf("upstream error [%s] server=%s", e.Reason, e.ServerID)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstream {
		return true
	}
	if target == ErrPoolExhausted && e.Reason == ReasonPoolExhausted {
		return true
	}
	_, ok := target.(*UpstreamError)
	return ok || errors.Is(e.Cause, target)
}

// TimeoutError represents a probe or proxy deadline being exceeded.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// Is checks if the error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok
}
