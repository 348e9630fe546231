package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of a pool's counters.
type PoolMetrics struct {
	Dispatched int64 `json:"dispatched"`
	Failed     int64 `json:"failed"`
	Panics     int64 `json:"panics"`
}

// workerPool bounds concurrent strategy execution for one run. The engine
// creates a pool per run and drains it with Wait before reading results.
type workerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	dispatched atomic.Int64
	failed     atomic.Int64
	panics     atomic.Int64
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{sem: make(chan struct{}, size)}
}

// Go runs fn on a pool slot, blocking for capacity. Errors and recovered
// panics are delivered through report. Returns ctx.Err() if cancelled
// while waiting for a slot.
func (p *workerPool) Go(ctx context.Context, fn func(ctx context.Context) error, report func(err error)) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	p.dispatched.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				if report != nil {
					report(fmt.Errorf("task panicked: %v", r))
				}
			}
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			if report != nil {
				report(err)
			}
		}
	}()

	return nil
}

// Wait blocks until all dispatched work completes.
func (p *workerPool) Wait() {
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *workerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Dispatched: p.dispatched.Load(),
		Failed:     p.failed.Load(),
		Panics:     p.panics.Load(),
	}
}
