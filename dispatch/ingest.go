// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/cla"
	"github.com/dtn7/bpa-core/filter"
	"github.com/dtn7/bpa-core/store"
)

// Ingest is the cla.Ingestor hook a registered CLA's Sink.Dispatch call
// reaches. Structurally invalid bytes are rejected synchronously, so the
// CLA sees the error immediately; a structurally valid bundle is handed to
// the bounded processing pool, whose Spawn call blocks once saturated —
// the ingest backpressure a loaded node needs.
func (d *Dispatcher) Ingest(data []byte, ingress cla.IngressInfo) error {
	bndl, err := bpv7.ParseBundle(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("dispatch: parse bundle: %w", err)
	}
	if err := bndl.CheckValid(); err != nil {
		return fmt.Errorf("dispatch: invalid bundle: %w", err)
	}

	return d.pool.Spawn(d.poolContext(), func(ctx context.Context) {
		d.ingestReceived(ctx, bndl, ingress)
	})
}

// poolContext is the context Ingest hands to the processing pool (and
// HandleExpire reports under): a background context that nothing cancels.
// Spawn's Acquire therefore blocks until a permit frees up, and cancelling
// the context passed to RunDispatchWorker and friends does not reach work
// started with it.
func (d *Dispatcher) poolContext() context.Context {
	return context.Background()
}

// ingestReceived runs a CLA-received bundle through the Ingest contract.
func (d *Dispatcher) ingestReceived(ctx context.Context, bndl bpv7.Bundle, ingress cla.IngressInfo) {
	now := time.Now()
	meta := store.BundleMetadata{
		ID:              bndl.ID(),
		Status:          store.NewStatus(store.StatusNew),
		ReceivedAt:      now,
		ExpiryAt:        now.Add(time.Duration(bndl.PrimaryBlock.Lifetime) * time.Millisecond),
		IngressCLA:      ingress.CLAName,
		IngressPeerNode: ingress.PeerNode,
		HasIngressPeer:  ingress.HasPeerNode,
		IngressPeerAddr: ingress.PeerAddr,
	}

	d.runIngress(ctx, bndl, meta, true)
}

// runIngress is the Ingest contract's shared core: lifetime and hop-count
// gates, the Ingress filter hook, the persist-as-New-then-checkpoint-to-
// Dispatching step, and handoff to the dispatch queue. It is shared by
// received bundles and locally originated bundles, neither of which are
// persisted yet when they arrive here; reportReceived is false for the
// latter, since a node never reports to itself.
func (d *Dispatcher) runIngress(ctx context.Context, bndl bpv7.Bundle, meta store.BundleMetadata, reportReceived bool) {
	logEntry := log.WithField("bundle", meta.ID.String())

	if bndl.IsLifetimeExceeded() {
		logEntry.Info("dispatch: dropping bundle, lifetime expired at ingress")
		d.dropAtIngress(ctx, bndl, meta, bpv7.LifetimeExpired)
		return
	}

	if hcb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypeHopCountBlock); err == nil {
		if hcb.Value.(*bpv7.HopCountBlock).IsExceeded() {
			logEntry.Info("dispatch: dropping bundle, hop limit already exceeded")
			d.dropAtIngress(ctx, bndl, meta, bpv7.HopLimitExceeded)
			return
		}
	}

	if reportReceived {
		d.reportStatus(ctx, bndl, bpv7.ReceivedBundle, bpv7.NoInformation)
	}

	plan := d.filters.Prepare(filter.Ingress)
	outcome, err := filter.Exec(ctx, plan, &meta, &bndl)
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: ingress filter errored, dropping bundle")
		d.dropAtIngress(ctx, bndl, meta, bpv7.NoInformation)
		return
	}
	if outcome.Decision == filter.Drop {
		logEntry.WithField("reason", outcome.Reason).Info("dispatch: ingress filter dropped bundle")
		d.dropAtIngress(ctx, bndl, meta, outcome.Reason)
		return
	}

	var buf bytes.Buffer
	if err := bndl.WriteBundle(&buf); err != nil {
		logEntry.WithError(err).Error("dispatch: failed to re-encode bundle after ingress filters")
		return
	}

	if meta.StorageName == "" {
		meta.Status = store.NewStatus(store.StatusNew)
		if err := d.store.StoreBundle(meta, buf.Bytes()); err != nil {
			if err == store.ErrDuplicate {
				logEntry.Debug("dispatch: duplicate bundle, already known")
				return
			}
			logEntry.WithError(err).Error("dispatch: failed to persist ingested bundle")
			return
		}
		if rec, err := d.store.Get(meta.ID); err == nil {
			meta = rec
		}
	}

	meta.Status = store.NewStatus(store.StatusDispatching)
	if err := d.store.Replace(meta); err != nil {
		logEntry.WithError(err).Error("dispatch: failed to checkpoint bundle to Dispatching")
		return
	}
	// Replace does not notify the reaper itself. StoreBundle just notified
	// for the New record above, but the checkpoint to Dispatching here is
	// what actually lands before the bundle reaches the dispatch queue, so
	// it is notified again: otherwise a freshly ingested bundle with no
	// route and a short lifetime can sit past its deadline in an idle,
	// empty expiry heap.
	d.store.NotifyNewExpiry()

	if err := d.dispatchQueue.Send(meta); err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to enqueue bundle for processing")
	}
}

// dropAtIngress reports a deletion status (if requested and enabled) and
// deletes the bundle's storage record, if it ever acquired one.
func (d *Dispatcher) dropAtIngress(ctx context.Context, bndl bpv7.Bundle, meta store.BundleMetadata, reason bpv7.StatusReportReason) {
	d.reportStatus(ctx, bndl, bpv7.DeletedBundle, reason)
	if meta.StorageName != "" {
		if err := d.store.DeleteBundle(meta.ID); err != nil {
			log.WithError(err).WithField("bundle", meta.ID.String()).
				Warn("dispatch: failed to delete bundle dropped at ingress")
		}
	}
}
