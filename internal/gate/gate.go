// Package gate implements the admission gate bounding concurrent rendering
// engine invocations.
package gate

import (
	"context"
	"sync"

	"github.com/umlforge/umlforge/internal/apperrors"
)

// Gate caps the number of simultaneous slot holders at a fixed capacity.
// Acquire blocks until a slot frees up; when a pending bound is configured,
// acquires beyond it are refused immediately instead of queuing.
type Gate struct {
	slots      chan struct{}
	capacity   int
	maxPending int // 0 means unbounded waiting

	mu      sync.Mutex
	waiting int
}

// New creates a Gate with the given capacity. maxPending bounds the number
// of acquires allowed to wait for a slot; 0 disables the bound.
func New(capacity, maxPending int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{
		slots:      make(chan struct{}, capacity),
		capacity:   capacity,
		maxPending: maxPending,
	}
}

// Acquire reserves a slot, blocking until one is available or ctx is done.
// When the pending bound is exceeded it fails immediately with a
// ConcurrencyLimitError rather than queuing.
func (g *Gate) Acquire(ctx context.Context) error {
	// Fast path: a slot is free right now.
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
	}

	g.mu.Lock()
	if g.maxPending > 0 && g.waiting >= g.maxPending {
		g.mu.Unlock()
		return apperrors.NewConcurrencyLimitError(g.InFlight(), g.capacity)
	}
	g.waiting++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
	}()

	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. It must be called exactly once per successful
// Acquire.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
		// Release without a matching Acquire; nothing to return.
	}
}

// InFlight returns the current number of slot holders.
func (g *Gate) InFlight() int {
	return len(g.slots)
}

// Waiting returns the current number of blocked acquires.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

// Capacity returns the configured maximum number of concurrent holders.
func (g *Gate) Capacity() int {
	return g.capacity
}
