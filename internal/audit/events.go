// Package audit records one structured entry per proxied request on an
// asynchronous writer, so the request path never blocks on the sink.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a proxied request ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRejected    Outcome = "rejected"
	OutcomeFailed      Outcome = "failed"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeUnavailable Outcome = "unavailable"
)

// Record is one audit entry.
type Record struct {
	ID         string        `json:"id"`
	RequestID  string        `json:"requestId,omitempty"`
	TenantID   string        `json:"tenantId,omitempty"`
	UserID     string        `json:"userId,omitempty"`
	ServerID   string        `json:"serverId,omitempty"`
	StatusCode int           `json:"statusCode"`
	Duration   time.Duration `json:"durationMs"`
	Outcome    Outcome       `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// fill assigns an ID and timestamp when the caller left them empty.
func (r *Record) fill() {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
}
