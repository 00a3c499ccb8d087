// Package governor bounds how many tokens are processed at once.
package governor

import (
	"context"
	"errors"
	"sync"

	"github.com/yourorg/omni-pipeline/internal/metrics"
)

// ErrSaturated is returned by TryAcquire when every slot is taken.
var ErrSaturated = errors.New("all processing slots in use")

// Governor is a counting semaphore over the processing slots. Acquire
// blocks until a slot frees up or the context is cancelled; TryAcquire
// fails fast instead.
type Governor struct {
	slots chan struct{}

	mu        sync.Mutex
	active    int
	highWater int
}

// New creates a governor with the given slot count. A limit below one is
// treated as one.
func New(limit int) *Governor {
	if limit < 1 {
		limit = 1
	}
	return &Governor{slots: make(chan struct{}, limit)}
}

// Acquire claims a slot, blocking until one is free. The returned release
// function must be called exactly once.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.slots <- struct{}{}:
		return g.claimed(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire claims a slot without blocking.
func (g *Governor) TryAcquire() (func(), error) {
	select {
	case g.slots <- struct{}{}:
		return g.claimed(), nil
	default:
		return nil, ErrSaturated
	}
}

func (g *Governor) claimed() func() {
	g.mu.Lock()
	g.active++
	if g.active > g.highWater {
		g.highWater = g.active
	}
	g.mu.Unlock()
	metrics.InFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			<-g.slots
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
			metrics.InFlight.Dec()
		})
	}
}

// Active returns the number of currently held slots.
func (g *Governor) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// HighWater returns the most slots ever held at once.
func (g *Governor) HighWater() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.highWater
}

// Limit returns the slot count.
func (g *Governor) Limit() int {
	return cap(g.slots)
}
