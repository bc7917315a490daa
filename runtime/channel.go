// SPDX-License-Identifier: GPL-3.0-or-later

package runtime

import "context"

// BoundedChannel is a fixed-capacity, FIFO, in-memory channel. It is the
// memory-channel primitive the hybrid channel substrate (package
// hybridqueue) builds its Open state on top of: TrySend never blocks, so a
// full channel is detected immediately and the caller can fall back to the
// slow (storage-backed) path instead of stalling a producer.
type BoundedChannel[T any] struct {
	ch chan T
	n  int
}

// NewBoundedChannel creates a BoundedChannel with the given capacity.
func NewBoundedChannel[T any](capacity int) *BoundedChannel[T] {
	return &BoundedChannel[T]{ch: make(chan T, capacity), n: capacity}
}

// Cap returns the channel's capacity.
func (b *BoundedChannel[T]) Cap() int {
	return b.n
}

// Len returns the number of values currently buffered.
func (b *BoundedChannel[T]) Len() int {
	return len(b.ch)
}

// TrySend attempts a non-blocking send, reporting whether it succeeded.
func (b *BoundedChannel[T]) TrySend(v T) bool {
	select {
	case b.ch <- v:
		return true
	default:
		return false
	}
}

// TryRecv attempts a non-blocking receive, reporting whether a value was
// available.
func (b *BoundedChannel[T]) TryRecv() (v T, ok bool) {
	select {
	case v, ok = <-b.ch:
		return v, ok
	default:
		return v, false
	}
}

// Recv blocks until a value is available or ctx is cancelled.
func (b *BoundedChannel[T]) Recv(ctx context.Context) (v T, err error) {
	select {
	case v = <-b.ch:
		return v, nil
	case <-ctx.Done():
		return v, ctx.Err()
	}
}

// Close closes the underlying channel. Further TrySend calls panic, matching
// stdlib channel semantics; callers must stop sending before closing.
func (b *BoundedChannel[T]) Close() {
	close(b.ch)
}
