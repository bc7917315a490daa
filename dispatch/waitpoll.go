// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// waitPollBatch bounds how many Waiting bundles one wake-up re-tries, so a
// large backlog does not starve other dispatcher work sharing the same
// goroutine.
const waitPollBatch = 256

// RunWaitPoller re-tries Waiting bundles whenever the RIB changes — a
// route or local-endpoint registration may have just made one deliverable.
// It blocks until ctx is cancelled, in the same run-until-cancelled idiom
// as Store.RunReaper and RunDispatchWorker.
func (d *Dispatcher) RunWaitPoller(ctx context.Context) {
	d.pollWaiting(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-d.rib.Changed():
			if !ok {
				return
			}
			d.pollWaiting(ctx)
		}
	}
}

func (d *Dispatcher) pollWaiting(ctx context.Context) {
	out := make(chan store.BundleMetadata, waitPollBatch)
	done := make(chan error, 1)
	go func() {
		done <- d.metadata.PollWaiting(out, waitPollBatch)
		close(out)
	}()

	for meta := range out {
		meta.Status = store.NewStatus(store.StatusDispatching)
		if err := d.store.Replace(meta); err != nil {
			log.WithError(err).WithField("bundle", meta.ID.String()).
				Warn("dispatch: failed to checkpoint waiting bundle back to Dispatching")
			continue
		}
		d.processBundle(ctx, meta)
	}

	if err := <-done; err != nil {
		log.WithError(err).Warn("dispatch: failed to poll waiting bundles")
	}
}

// ReviveWaitingForService re-dispatches every bundle parked waiting for
// service to re-register under endpoint. Callers that wire up a
// service.Registry should invoke this right after a successful Register
// call, since the registry itself has no notion of the dispatcher.
func (d *Dispatcher) ReviveWaitingForService(ctx context.Context, endpoint bpv7.EndpointID) {
	metas, err := d.metadata.GetWaitingForService(endpoint)
	if err != nil {
		log.WithError(err).WithField("endpoint", endpoint.String()).
			Warn("dispatch: failed to query bundles waiting for service")
		return
	}

	for _, meta := range metas {
		meta.Status = store.NewStatus(store.StatusDispatching)
		if err := d.store.Replace(meta); err != nil {
			log.WithError(err).WithField("bundle", meta.ID.String()).
				Warn("dispatch: failed to checkpoint service-waiting bundle back to Dispatching")
			continue
		}
		d.processBundle(ctx, meta)
	}
}
