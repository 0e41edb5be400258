// Package pool bounds concurrent upstream calls per backend server with
// a semaphore over a shared HTTP client.
package pool

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

// waitAlpha is the EMA smoothing factor for acquire wait times.
const waitAlpha = 0.2

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Active  int
	Idle    int
	MaxSize int
	AvgWait time.Duration
}

// ServerPool bounds in-flight calls to one backend server. Slots are a
// buffered channel; the HTTP client with its tuned transport is shared
// by every caller holding a slot.
type ServerPool struct {
	serverID       string
	slots          chan struct{}
	acquireTimeout time.Duration
	client         *http.Client
	transport      *http.Transport

	mu      sync.Mutex
	avgWait time.Duration
}

// newServerPool creates a pool with maxSize slots.
func newServerPool(serverID string, maxSize int, acquireTimeout time.Duration, client *http.Client, transport *http.Transport) *ServerPool {
	return &ServerPool{
		serverID:       serverID,
		slots:          make(chan struct{}, maxSize),
		acquireTimeout: acquireTimeout,
		client:         client,
		transport:      transport,
	}
}

// Acquire claims a slot, waiting up to the acquire timeout. The caller
// must Release or Discard the slot exactly once.
func (p *ServerPool) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case p.slots <- struct{}{}:
		p.observeWait(time.Since(start))
		recordAcquire(p.serverID, "ok")
		return nil
	default:
	}

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		p.observeWait(time.Since(start))
		recordAcquire(p.serverID, "ok")
		return nil
	case <-ctx.Done():
		recordAcquire(p.serverID, "cancelled")
		return ctx.Err()
	case <-timer.C:
		recordAcquire(p.serverID, "exhausted")
		return &util.UpstreamError{
			ServerID: p.serverID,
			Reason:   util.ReasonPoolExhausted,
			Cause:    util.ErrPoolExhausted,
		}
	}
}

// Release returns a slot after a completed call.
func (p *ServerPool) Release() {
	select {
	case <-p.slots:
	default:
		// Release without a matching Acquire. Nothing to return.
	}
}

// Discard returns the slot and drops idle connections after a transport
// failure, so the next call does not reuse a broken connection.
func (p *ServerPool) Discard() {
	p.Release()
	if p.transport != nil {
		p.transport.CloseIdleConnections()
	}
}

// Client returns the HTTP client shared by slot holders.
func (p *ServerPool) Client() *http.Client {
	return p.client
}

// Stats returns a snapshot of the pool.
func (p *ServerPool) Stats() Stats {
	p.mu.Lock()
	avg := p.avgWait
	p.mu.Unlock()
	active := len(p.slots)
	return Stats{
		Active:  active,
		Idle:    cap(p.slots) - active,
		MaxSize: cap(p.slots),
		AvgWait: avg,
	}
}

func (p *ServerPool) observeWait(wait time.Duration) {
	p.mu.Lock()
	if p.avgWait == 0 {
		p.avgWait = wait
	} else {
		p.avgWait = time.Duration(float64(p.avgWait)*(1-waitAlpha) + float64(wait)*waitAlpha)
	}
	p.mu.Unlock()
	recordOccupancy(p.serverID, len(p.slots), cap(p.slots))
}
