// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"container/heap"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/runtime"
)

// expiryItem is one entry in the reaper's soonest-expiry heap.
type expiryItem struct {
	meta BundleMetadata
}

// expiryHeap is a min-heap over expiryItem.meta.ExpiryAt, capped at a fixed
// depth; it never grows beyond that cap so the reaper's memory footprint is
// bounded regardless of how many bundles are in flight.
type expiryHeap []expiryItem

func (h expiryHeap) Len() int { return len(h) }
func (h expiryHeap) Less(i, j int) bool {
	return h[i].meta.ExpiryAt.Before(h[j].meta.ExpiryAt)
}
func (h expiryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)   { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ExpireFunc is called by the reaper once a bundle's lifetime has elapsed.
// The caller (normally the Dispatcher) is responsible for the actual
// deletion via reason LifetimeExpired.
type ExpireFunc func(meta BundleMetadata)

// Reaper drives lifetime expiry: it keeps an ordered, capped in-memory set of
// the bundles with the soonest expiry, refilling from MetadataStorage's
// poll_expiry when empty, and sleeps on the earliest expiry or a
// notification (a newer, sooner bundle arrived, or shutdown).
type Reaper struct {
	metadata MetadataStorage
	onExpire ExpireFunc
	depth    int

	mu   sync.Mutex
	heap expiryHeap

	wake *runtime.Notifier
}

// NewReaper creates a Reaper with the given poll-channel depth cap.
func NewReaper(metadata MetadataStorage, depth int, onExpire ExpireFunc) *Reaper {
	return &Reaper{
		metadata: metadata,
		onExpire: onExpire,
		depth:    depth,
		wake:     runtime.NewNotifier(),
	}
}

// NotifyNewExpiry wakes the reaper so it can reconsider its sleep deadline,
// used when a freshly stored bundle's expiry is sooner than anything
// currently held in the heap.
func (r *Reaper) NotifyNewExpiry() {
	r.wake.Notify()
}

// Run drives the reaper loop until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	for {
		deadline, empty := r.nextDeadline()

		if empty {
			if err := r.refill(); err != nil {
				log.WithError(err).Warn("reaper: failed to refill expiry heap")
			}
			deadline, empty = r.nextDeadline()
		}

		if empty {
			if err := runtime.SleepUntil(ctx, time.Time{}, r.wake.C()); err != nil {
				return
			}
			continue
		}

		if err := runtime.SleepUntil(ctx, deadline, r.wake.C()); err != nil {
			return
		}

		r.reapExpired()
	}
}

func (r *Reaper) nextDeadline() (deadline time.Time, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.heap) == 0 {
		return time.Time{}, true
	}
	return r.heap[0].meta.ExpiryAt, false
}

func (r *Reaper) refill() error {
	out := make(chan BundleMetadata, r.depth)
	done := make(chan error, 1)

	go func() {
		done <- r.metadata.PollExpiry(out, r.depth)
		close(out)
	}()

	r.mu.Lock()
	for meta := range out {
		if len(r.heap) >= r.depth {
			break
		}
		heap.Push(&r.heap, expiryItem{meta: meta})
	}
	r.mu.Unlock()

	return <-done
}

func (r *Reaper) reapExpired() {
	now := time.Now()

	for {
		r.mu.Lock()
		if len(r.heap) == 0 || r.heap[0].meta.ExpiryAt.After(now) {
			r.mu.Unlock()
			return
		}
		item := heap.Pop(&r.heap).(expiryItem)
		r.mu.Unlock()

		r.onExpire(item.meta)
	}
}
