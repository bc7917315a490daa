// SPDX-License-Identifier: GPL-3.0-or-later

package runtime

// Notifier is a level-triggered wakeup signal: any number of Notify calls
// before a receive from C coalesce into a single pending wakeup, matching
// the "something changed, go re-check" notifications used by the
// waiting-poller (route/peer/service changes) and the reaper (new
// soonest-expiry bundle).
//
// Notify never blocks and never drops a pending wakeup: once a wakeup is
// pending, further Notify calls are no-ops until it has been received from
// C, so a waiter that is momentarily busy still observes the change on its
// next receive.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify marks a wakeup as pending. Non-blocking.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns a channel that receives once per pending wakeup.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}
