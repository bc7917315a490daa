// SPDX-License-Identifier: GPL-3.0-or-later

package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolSpawnRespectsCapacity(t *testing.T) {
	pool := NewPool(2)
	ctx := context.Background()

	var running int32
	var maxRunning int32
	release := make(chan struct{})
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		if err := pool.Spawn(ctx, func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxRunning)
				if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			done <- struct{}{}
		}); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&maxRunning); got > 2 {
		t.Fatalf("pool exceeded its capacity: %d running tasks", got)
	}

	close(release)
	for i := 0; i < 5; i++ {
		<-done
	}
}

func TestPoolSpawnCancelled(t *testing.T) {
	pool := NewPool(1)

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Spawn(ctx, func(context.Context) {
		<-ctx.Done()
	}); err != nil {
		t.Fatal(err)
	}

	cancel()

	cancelledCtx, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := pool.Spawn(cancelledCtx, func(context.Context) {}); err == nil {
		t.Fatal("Spawn on a saturated pool with a cancelled context did not error")
	}
}

func TestPoolWait(t *testing.T) {
	pool := NewPool(3)
	ctx := context.Background()

	done := make(chan struct{})
	if err := pool.Spawn(ctx, func(context.Context) {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}); err != nil {
		t.Fatal(err)
	}

	if err := pool.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	default:
		t.Fatal("Wait returned before the spawned task finished")
	}
}

func TestPoolTryAcquireRelease(t *testing.T) {
	pool := NewPool(1)

	if !pool.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	if pool.TryAcquire() {
		t.Fatal("second TryAcquire should fail, pool is saturated")
	}

	pool.Release()
	if !pool.TryAcquire() {
		t.Fatal("TryAcquire after Release should succeed")
	}
}
