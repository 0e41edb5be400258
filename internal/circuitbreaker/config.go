package circuitbreaker

import "time"

// Config controls breaker behavior. A zero value is normalized to the
// defaults below.
type Config struct {
	// FailureThreshold is the consecutive failures that trip a closed
	// breaker open.
	FailureThreshold int
	// OpenDuration is the initial time an open breaker rejects calls
	// before moving to half-open.
	OpenDuration time.Duration
	// MaxOpenDuration caps the exponential open-duration backoff.
	MaxOpenDuration time.Duration
	// HalfOpenMax is the number of concurrent trial calls admitted while
	// half-open.
	HalfOpenMax int
	// SuccessThreshold is the consecutive half-open successes required to
	// close the breaker.
	SuccessThreshold int
	// Backoff enables doubling the open duration on repeated trips.
	Backoff bool
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		MaxOpenDuration:  5 * time.Minute,
		HalfOpenMax:      3,
		SuccessThreshold: 2,
		Backoff:          true,
	}
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.MaxOpenDuration < c.OpenDuration {
		c.MaxOpenDuration = c.OpenDuration
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}
