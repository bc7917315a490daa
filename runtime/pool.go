// SPDX-License-Identifier: GPL-3.0-or-later

// Package runtime is the thin runtime-abstraction layer the rest of the
// module consumes for task spawning, timers, notifications, cancellation,
// and bounded concurrency. Every primitive here is built on top of the
// standard library plus golang.org/x/sync, so a resource-constrained target
// can later swap this package for a single-threaded cooperative runtime
// without touching a caller.
package runtime

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Pool is a bounded task pool. Spawn blocks until a permit is free, giving
// natural backpressure: a saturated pool slows whoever calls Spawn.
type Pool struct {
	sem *semaphore.Weighted
	cap int64
}

// NewPool creates a Pool with the given permit count.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		panic(fmt.Sprintf("runtime: pool capacity must be positive, got %d", capacity))
	}
	return &Pool{
		sem: semaphore.NewWeighted(int64(capacity)),
		cap: int64(capacity),
	}
}

// Cap returns the pool's permit count.
func (p *Pool) Cap() int {
	return int(p.cap)
}

// Spawn acquires a permit and runs fn in its own goroutine, releasing the
// permit when fn returns. It blocks until a permit is available or ctx is
// cancelled, in which case it returns ctx.Err() without running fn.
func (p *Pool) Spawn(ctx context.Context, fn func(context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				log.WithField("component", "runtime.pool").
					WithField("panic", r).
					Error("task panicked")
			}
		}()
		fn(ctx)
	}()

	return nil
}

// TryAcquire attempts to acquire a permit without blocking, returning false
// if the pool is saturated. Callers that got true must call Release exactly
// once.
func (p *Pool) TryAcquire() bool {
	return p.sem.TryAcquire(1)
}

// Release gives back a permit acquired via TryAcquire.
func (p *Pool) Release() {
	p.sem.Release(1)
}

// Wait blocks until every outstanding permit has been released, i.e. all
// spawned tasks have returned. Callers typically invoke this after a
// CancellationToken has been cancelled, as part of an orderly shutdown.
func (p *Pool) Wait(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.cap); err != nil {
		return err
	}
	p.sem.Release(p.cap)
	return nil
}
