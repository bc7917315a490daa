// SPDX-License-Identifier: GPL-3.0-or-later

package runtime

import (
	"context"
	"time"
)

// SleepUntil blocks until the given deadline, ctx is cancelled, or wake
// receives a value — whichever comes first. This is the primitive the
// reaper uses to sleep on "the earliest expiry or a notification": it
// avoids busy-waiting while still reacting immediately when a newer,
// sooner-to-expire bundle arrives or shutdown is requested.
//
// A zero deadline means "no deadline" — SleepUntil then only returns on ctx
// cancellation or a wake.
func SleepUntil(ctx context.Context, deadline time.Time, wake <-chan struct{}) error {
	var timerC <-chan time.Time

	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timerC:
		return nil
	}
}
