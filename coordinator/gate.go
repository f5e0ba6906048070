package coordinator

import (
	"context"
	"sync"
	"time"
)

// gate is a resizable counting semaphore backing the Coordinator's
// adaptive-parallelism window (§4.G): current_concurrency can change
// while fetches are in flight, which neither a fixed-size buffered
// channel nor x/sync/semaphore.Weighted (whose weights are fixed at
// acquire time) can express, so it is hand-rolled here.
type gate struct {
	mu     sync.Mutex
	limit  int
	active int
}

func newGate(limit int) *gate {
	return &gate{limit: limit}
}

// setLimit changes the concurrency ceiling; callers already holding a
// slot are unaffected, it only throttles future acquire calls.
func (g *gate) setLimit(n int) {
	g.mu.Lock()
	g.limit = n
	g.mu.Unlock()
}

// acquire blocks until a slot is available or ctx is done.
func (g *gate) acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.active < g.limit {
			g.active++
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (g *gate) release() {
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
}
