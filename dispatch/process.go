// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/filter"
	"github.com/dtn7/bpa-core/rib"
	"github.com/dtn7/bpa-core/store"
)

// RunDispatchWorker drains the dispatch queue until ctx is cancelled. A
// caller typically spawns cfg.DispatchWorkers of these via runtime.Pool or
// a plain goroutine loop.
func (d *Dispatcher) RunDispatchWorker(ctx context.Context) {
	for {
		meta, err := d.dispatchQueue.Recv(ctx)
		if err != nil {
			return
		}
		d.processBundle(ctx, meta)
	}
}

// processBundle loads a Dispatching-status bundle, consults the RIB, and
// carries out the resulting FindResult: deliver locally, forward to a peer
// queue, drop, or leave Waiting for a route to appear.
func (d *Dispatcher) processBundle(ctx context.Context, meta store.BundleMetadata) {
	logEntry := log.WithField("bundle", meta.ID.String())

	data, err := d.store.Load(meta)
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to load bundle for processing")
		return
	}
	bndl, err := bpv7.ParseBundle(bytes.NewReader(data))
	if err != nil {
		logEntry.WithError(err).Error("dispatch: failed to parse stored bundle")
		return
	}

	var previousNode bpv7.EndpointID
	if pnb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypePreviousNodeBlock); err == nil {
		previousNode = pnb.Value.(*bpv7.PreviousNodeBlock).Endpoint()
	} else if meta.HasIngressPeer {
		previousNode = meta.IngressPeerNode
	}

	res := d.rib.Find(bndl.PrimaryBlock.Destination, bndl.PrimaryBlock.SourceNode, meta.FlowLabel, previousNode)

	switch res.Kind {
	case rib.ResultAdminEndpoint:
		d.processAdminEndpoint(ctx, meta, bndl)
	case rib.ResultDeliver:
		d.processDeliver(ctx, meta, bndl, res.ServiceID)
	case rib.ResultForward:
		d.processForward(ctx, meta, bndl, res.PeerID)
	case rib.ResultDrop:
		d.reportStatus(ctx, bndl, bpv7.DeletedBundle, res.Reason)
		if err := d.store.DeleteBundle(meta.ID); err != nil {
			logEntry.WithError(err).Warn("dispatch: failed to delete bundle dropped by routing")
		}
	case rib.ResultNone:
		meta.Status = store.NewStatus(store.StatusWaiting)
		if err := d.store.Replace(meta); err != nil {
			logEntry.WithError(err).Warn("dispatch: failed to mark bundle Waiting")
			break
		}
		// Replace does not notify the reaper itself, and a bundle parked
		// Waiting here still expires on its own lifetime: wake it so a
		// short-lifetime bundle with no route isn't stuck behind whatever
		// deadline the reaper's heap already held.
		d.store.NotifyNewExpiry()
	}
}

// processAdminEndpoint handles a bundle addressed to this node's own admin
// endpoint: an administrative record (status report or future record kind)
// that the dispatcher consumes rather than any application.
func (d *Dispatcher) processAdminEndpoint(ctx context.Context, meta store.BundleMetadata, bndl bpv7.Bundle) {
	logEntry := log.WithField("bundle", meta.ID.String())

	if bndl.IsAdministrativeRecord() {
		if ar, err := bndl.AdministrativeRecord(); err == nil {
			if report, ok := ar.(*bpv7.StatusReport); ok {
				pos, item, found := assertedStatus(report.StatusInformation)
				if found {
					d.services.NotifyStatus(
						bndl.PrimaryBlock.Destination.String(),
						report.RefBundle,
						bndl.PrimaryBlock.SourceNode,
						pos,
						report.ReportReason,
						item.Time.Time(),
					)
				}
			}
		} else {
			logEntry.WithError(err).Warn("dispatch: failed to decode administrative record")
		}
	}

	if err := d.store.DeleteBundle(meta.ID); err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to delete consumed administrative bundle")
	}
}

// processDeliver hands a bundle routed to a local service off for delivery,
// or parks it under reassembly tracking if it is a fragment.
func (d *Dispatcher) processDeliver(ctx context.Context, meta store.BundleMetadata, bndl bpv7.Bundle, serviceID string) {
	logEntry := log.WithField("bundle", meta.ID.String())

	if bndl.PrimaryBlock.BundleControlFlags.Has(bpv7.IsFragment) {
		meta.Status = store.AduFragmentStatus(bndl.PrimaryBlock.SourceNode, bndl.PrimaryBlock.CreationTimestamp)
		if err := d.store.Replace(meta); err != nil {
			logEntry.WithError(err).Warn("dispatch: failed to mark fragment for reassembly")
			return
		}
		d.checkReassembly(ctx, bndl.PrimaryBlock.SourceNode, bndl.PrimaryBlock.CreationTimestamp)
		return
	}

	plan := d.filters.Prepare(filter.Deliver)
	outcome, err := filter.Exec(ctx, plan, &meta, &bndl)
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: deliver filter errored, dropping bundle")
		d.reportStatus(ctx, bndl, bpv7.DeletedBundle, bpv7.NoInformation)
		_ = d.store.DeleteBundle(meta.ID)
		return
	}
	if outcome.Decision == filter.Drop {
		d.reportStatus(ctx, bndl, bpv7.DeletedBundle, outcome.Reason)
		_ = d.store.DeleteBundle(meta.ID)
		return
	}

	payload, err := bndl.PayloadBlock()
	if err != nil {
		logEntry.WithError(err).Error("dispatch: bundle routed for delivery has no payload block")
		_ = d.store.DeleteBundle(meta.ID)
		return
	}

	expiry := meta.ReceivedAt.Add(time.Duration(bndl.PrimaryBlock.Lifetime) * time.Millisecond)
	if err := d.services.Deliver(serviceID, payload.Value.(*bpv7.PayloadBlock).Data(), expiry); err != nil {
		logEntry.WithField("service", serviceID).WithError(err).
			Info("dispatch: service not registered, parking bundle")
		meta.Status = store.WaitingForServiceStatus(bndl.PrimaryBlock.Destination)
		if err := d.store.Replace(meta); err != nil {
			logEntry.WithError(err).Warn("dispatch: failed to park bundle waiting for service")
		}
		return
	}

	d.reportStatus(ctx, bndl, bpv7.DeliveredBundle, bpv7.NoInformation)
	if err := d.store.DeleteBundle(meta.ID); err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to delete delivered bundle")
	}
}

// processForward hands a bundle off to the selected peer's forwarding
// queue, recording NextHop for observability and ForwardPending status for
// crash recovery.
func (d *Dispatcher) processForward(ctx context.Context, meta store.BundleMetadata, bndl bpv7.Bundle, peerID uint64) {
	logEntry := log.WithField("bundle", meta.ID.String())

	peer, ok := d.peers.Get(peerID)
	if !ok {
		logEntry.WithField("peer", peerID).Warn("dispatch: selected peer vanished, leaving bundle Waiting")
		meta.Status = store.NewStatus(store.StatusWaiting)
		_ = d.store.Replace(meta)
		return
	}

	var queuePtr *uint32
	var queueIdx uint32
	hasQueue := false
	if n := uint32(len(peer.Queues) - 1); n > 0 {
		queueIdx = uint32(uint64(bndl.PrimaryBlock.CreationTimestamp.DtnTime()) % uint64(n))
		queuePtr = &queueIdx
		hasQueue = true
	}

	meta.Status = store.ForwardPending(peerID, queueIdx, hasQueue)
	if len(peer.NodeIDs) > 0 {
		meta.NextHop = peer.NodeIDs[0]
		meta.HasNextHop = true
	}
	if err := d.store.Replace(meta); err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to mark bundle ForwardPending")
		return
	}

	queue, err := peer.Queue(queuePtr)
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to resolve peer queue")
		return
	}
	if err := queue.Send(meta); err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to enqueue bundle for forwarding")
	}

	d.ensureForwarder(peer, queuePtr, queue)
}

// assertedStatus returns the position of the single asserted bundle status
// item in a status report's information array, indexed in StatusInformationPos
// order (Received, Forwarded, Delivered, Deleted) per RFC 9171 §6.1.1.
func assertedStatus(items []bpv7.BundleStatusItem) (bpv7.StatusInformationPos, bpv7.BundleStatusItem, bool) {
	for i, item := range items {
		if item.Asserted {
			return bpv7.StatusInformationPos(i), item, true
		}
	}
	return 0, bpv7.BundleStatusItem{}, false
}
