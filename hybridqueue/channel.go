// SPDX-License-Identifier: GPL-3.0-or-later

// Package hybridqueue is the hybrid-channel substrate used by every internal
// queue the dispatcher and CLA registry maintain: the dispatch queue, and
// one egress queue per peer. A Channel is typed by a target bundle status
// (Dispatching for the dispatch queue, ForwardPending{peer,q} for an egress
// queue) and backs an in-memory fast path with a durable, storage-polled
// slow path so a queue's depth is never bounded by RAM.
package hybridqueue

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/runtime"
	"github.com/dtn7/bpa-core/store"
)

// State is the channel's current operating mode.
type State int

const (
	// Open: the in-memory channel accepts sends directly.
	Open State = iota
	// Draining: the in-memory channel filled; new arrivals stay in storage
	// and a poller is expected to refill the memory channel.
	Draining
	// Congested: further arrivals kept piling up in storage during a drain.
	Congested
	// Closing: no new sends are accepted; existing backlog still drains.
	Closing
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case Draining:
		return "Draining"
	case Congested:
		return "Congested"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// ErrClosed is returned by Send once the channel has entered Closing.
var ErrClosed = errors.New("hybridqueue: channel is closing")

// Channel is one hybrid producer/consumer queue for a single target
// BundleStatus.
//
// Callers are expected to have already durably persisted a bundle's
// metadata with Status equal to the channel's target status (e.g. via the
// dispatcher's checkpoint write) before calling Send: Send's only job is to
// offer the bundle to the in-memory fast path, falling back to leaving it
// where it already durably lives — in storage, to be found by the
// consumer-side poller — when the fast path is full.
type Channel struct {
	status   store.BundleStatus
	capacity int
	mem      *runtime.BoundedChannel[store.BundleMetadata]
	metadata store.MetadataStorage
	wake     *runtime.Notifier

	mu       sync.Mutex
	state    State
	promoted map[string]struct{}
}

// New creates a Channel for the given target status, with an in-memory fast
// path of the given capacity (poll_channel_depth).
func New(status store.BundleStatus, capacity int, metadata store.MetadataStorage) *Channel {
	return &Channel{
		status:   status,
		capacity: capacity,
		mem:      runtime.NewBoundedChannel[store.BundleMetadata](capacity),
		metadata: metadata,
		wake:     runtime.NewNotifier(),
		promoted: make(map[string]struct{}),
	}
}

// State returns the channel's current operating mode.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close moves the channel into Closing: no further Send calls succeed, but
// Recv keeps draining whatever backlog remains.
func (c *Channel) Close() {
	c.mu.Lock()
	c.state = Closing
	c.mu.Unlock()
	c.wake.Notify()
}

// Send offers meta to the channel's fast path. meta must already carry
// Status equal to the channel's target status and must already be durable
// (inserted/replaced in MetadataStorage) — Send never persists on the
// caller's behalf.
func (c *Channel) Send(meta store.BundleMetadata) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == Closing {
		return ErrClosed
	}

	if c.mem.TrySend(meta) {
		return nil
	}

	c.mu.Lock()
	switch c.state {
	case Open:
		c.state = Draining
	case Draining:
		c.state = Congested
	}
	c.mu.Unlock()

	c.wake.Notify()
	return nil
}

// Recv returns the next bundle for this status, blocking until one is
// available, the in-memory channel is refilled from storage, or ctx is
// cancelled.
func (c *Channel) Recv(ctx context.Context) (store.BundleMetadata, error) {
	for {
		if meta, ok := c.mem.TryRecv(); ok {
			c.completePromotion(meta)
			c.maybeReopen()
			return meta, nil
		}

		if err := c.refill(); err != nil {
			log.WithError(err).WithField("status", c.status.Kind).
				Warn("hybridqueue: failed to poll backlog while refilling")
		}

		if meta, ok := c.mem.TryRecv(); ok {
			c.completePromotion(meta)
			c.maybeReopen()
			return meta, nil
		}

		select {
		case <-ctx.Done():
			return store.BundleMetadata{}, ctx.Err()
		case <-c.wake.C():
		}
	}
}

// Requeue re-offers a bundle the consumer could not finish processing. It is
// equivalent to calling Send again, after clearing the bundle's promoted
// mark so it remains eligible for the next refill if the fast path is full.
func (c *Channel) Requeue(meta store.BundleMetadata) error {
	c.completePromotion(meta)
	return c.Send(meta)
}

func (c *Channel) completePromotion(meta store.BundleMetadata) {
	c.mu.Lock()
	delete(c.promoted, keyOf(meta))
	c.mu.Unlock()
}

// refill polls the slow path for backlog and pushes whatever fits into the
// memory channel, skipping records already promoted (in flight toward a
// consumer) to avoid delivering the same bundle twice.
func (c *Channel) refill() error {
	out := make(chan store.BundleMetadata, c.capacity)
	done := make(chan error, 1)

	go func() {
		done <- c.metadata.PollPending(c.status, out, c.capacity)
		close(out)
	}()

	for meta := range out {
		key := keyOf(meta)

		c.mu.Lock()
		if _, already := c.promoted[key]; already {
			c.mu.Unlock()
			continue
		}

		if !c.mem.TrySend(meta) {
			c.mu.Unlock()
			continue
		}
		c.promoted[key] = struct{}{}
		c.mu.Unlock()
	}

	return <-done
}

// maybeReopen implements the re-open hysteresis: the channel returns to Open
// only once in-memory occupancy has fallen below 50% of capacity and no
// pending work remains in storage for this status.
func (c *Channel) maybeReopen() {
	c.mu.Lock()
	state := c.state
	occupancy := c.mem.Len()
	c.mu.Unlock()

	if state == Open || state == Closing {
		return
	}
	if occupancy*2 >= c.capacity {
		return
	}

	out := make(chan store.BundleMetadata, c.capacity)
	done := make(chan error, 1)
	go func() {
		done <- c.metadata.PollPending(c.status, out, c.capacity)
		close(out)
	}()

	hasPending := false
	for meta := range out {
		c.mu.Lock()
		_, inFlight := c.promoted[keyOf(meta)]
		c.mu.Unlock()
		if !inFlight {
			hasPending = true
		}
	}
	if err := <-done; err != nil {
		log.WithError(err).WithField("status", c.status.Kind).
			Warn("hybridqueue: failed to poll backlog while checking re-open hysteresis")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Open || c.state == Closing {
		return
	}
	if hasPending {
		c.state = Draining
	} else {
		c.state = Open
	}
}

func keyOf(meta store.BundleMetadata) string {
	return meta.ID.Scrub().String()
}
