// ABOUTME: Bounded worker pool executing claimed runs with a fixed concurrency limit.
// ABOUTME: Slots are reserved before claiming so a full pool skips the poll tick instead of queuing.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool is a fixed-size worker pool. There is deliberately no queue in front
// of it: when every slot is busy, Reserve fails and the claim loop simply
// waits for the next tick, leaving the work claimable by other instances.
type Pool struct {
	slots  chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given number of worker slots (minimum 1).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Reserve acquires a worker slot without blocking. Returns false when the
// pool is full. A successful reservation must be followed by Submit or Release.
func (p *Pool) Reserve() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns an unused reserved slot.
func (p *Pool) Release() {
	<-p.slots
}

// Submit runs fn on a new goroutine occupying a previously reserved slot.
// The slot is returned when fn completes.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) {
	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer func() {
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		fn(ctx)
	}()
}

// Active returns the number of workers currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Size returns the pool's concurrency limit.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Wait blocks until all in-flight workers complete.
func (p *Pool) Wait() {
	p.wg.Wait()
}
