// Package gate bounds the number of concurrent inference calls across all
// pipeline stages with a single weighted semaphore.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Do after Close
var ErrClosed = errors.New("concurrency gate closed")

// Gate is a global permit pool shared by every stage
type Gate struct {
	sem  *semaphore.Weighted
	size int64

	mu       sync.Mutex
	inFlight int64
	peak     int64
	total    int64
	closed   bool
}

// New creates a gate admitting at most max concurrent holders
func New(max int) (*Gate, error) {
	if max < 1 {
		return nil, fmt.Errorf("max concurrent must be at least 1, got %d", max)
	}
	return &Gate{
		sem:  semaphore.NewWeighted(int64(max)),
		size: int64(max),
	}, nil
}

// Do runs fn while holding one permit. The permit is released when fn
// returns, including when fn panics.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.isClosed() {
		return ErrClosed
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire permit: %w", err)
	}
	g.enter()
	defer func() {
		g.leave()
		g.sem.Release(1)
	}()

	return fn(ctx)
}

// Close rejects any further Do calls; holders already admitted finish normally
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Size returns the configured permit count
func (g *Gate) Size() int {
	return int(g.size)
}

// InFlight returns the number of permits currently held
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.inFlight)
}

// GetStats returns gate statistics
func (g *Gate) GetStats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	return map[string]interface{}{
		"max_concurrent": g.size,
		"in_flight":      g.inFlight,
		"peak_in_flight": g.peak,
		"total_acquired": g.total,
	}
}

func (g *Gate) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inFlight++
	g.total++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
}

func (g *Gate) leave() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
}

func (g *Gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
