// Package workers bounds the number of optimizations running at once.
package workers

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool admits at most Size() jobs at a time. Callers beyond the limit wait for
// a slot or for their context to end.
type Pool struct {
	size     int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	done     atomic.Int64
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Size      int64 `json:"size"`
	InFlight  int64 `json:"in_flight"`
	Completed int64 `json:"completed"`
}

// NewPool creates a pool with the given number of slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU() // Default to one slot per CPU
	}
	return &Pool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int64 { return p.size }

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		InFlight:  p.inFlight.Load(),
		Completed: p.done.Load(),
	}
}

// Do runs fn once a slot is free. It returns ctx.Err() if the context ends
// while waiting.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.done.Add(1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

// Map runs fn(ctx, i) for i in [0, n) through the pool. The first error
// cancels the remaining jobs and is returned. Callers write results into an
// index-addressed slice, so output order matches input order.
func (p *Pool) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return p.Do(gctx, func(ctx context.Context) error {
				return fn(ctx, i)
			})
		})
	}
	return g.Wait()
}
