// SPDX-License-Identifier: GPL-3.0-or-later

package runtime

import "context"

// CancellationToken propagates a single top-level shutdown signal. Cancel is
// idempotent; Done/Err mirror context.Context so callers already familiar
// with the stdlib idiom can use a token the same way.
type CancellationToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancellationToken creates a token derived from parent, or from
// context.Background() if parent is nil.
func NewCancellationToken(parent context.Context) *CancellationToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// Cancel signals shutdown. Safe to call more than once and from multiple
// goroutines.
func (t *CancellationToken) Cancel() {
	t.cancel()
}

// Done returns a channel that is closed once Cancel has been called.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Err returns context.Canceled once Cancel has been called, nil otherwise.
func (t *CancellationToken) Err() error {
	return t.ctx.Err()
}

// Context returns the underlying context, for passing to APIs that accept
// one directly (storage backends, CLA.send, filter methods).
func (t *CancellationToken) Context() context.Context {
	return t.ctx
}

// Cancelled reports whether Cancel has already been called.
func (t *CancellationToken) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}
