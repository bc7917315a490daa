// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/cla"
	"github.com/dtn7/bpa-core/filter"
	"github.com/dtn7/bpa-core/hybridqueue"
	"github.com/dtn7/bpa-core/store"
)

// forwarderKey identifies one peer's queue consumer loop.
type forwarderKey struct {
	peerID uint64
	queue  uint32
}

// StartForwarding starts a consumer loop for every one of peer's queues
// (best-effort plus every priority queue). Callers should invoke this once
// a peer is registered with its CLA, so a ForwardPending bundle carried
// over from a prior run starts draining the moment its peer comes back,
// rather than waiting for a fresh arrival to pass through processForward.
func (d *Dispatcher) StartForwarding(peer *cla.Peer) {
	for i, ch := range peer.Queues {
		var q *uint32
		if i > 0 {
			idx := uint32(i - 1)
			q = &idx
		}
		d.ensureForwarder(peer, q, ch)
	}
}

// ensureForwarder starts a consumer loop for (peer, queue) if one is not
// already running, mirroring the convergence sender fan-out the RIB once
// drove statically: here the peer set is dynamic, so the dispatcher starts
// one goroutine per queue on first use, which keeps running until
// stopForwarder cancels it.
func (d *Dispatcher) ensureForwarder(peer *cla.Peer, queue *uint32, ch *hybridqueue.Channel) {
	var idx uint32
	if queue != nil {
		idx = *queue + 1
	}
	key := forwarderKey{peerID: peer.ID, queue: idx}

	d.forwardersMu.Lock()
	defer d.forwardersMu.Unlock()

	packedKey := key.peerID<<32 | uint64(key.queue)
	if _, running := d.forwarders[packedKey]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.forwarders[packedKey] = cancel
	go d.runQueueForwarder(ctx, peer, ch)
}

// stopForwarder cancels a running consumer loop and forgets it. Nothing in
// the module calls it: removing a peer or unregistering its CLA leaves that
// peer's consumer loops running.
func (d *Dispatcher) stopForwarder(peerID uint64, queueIdx uint32) {
	d.forwardersMu.Lock()
	defer d.forwardersMu.Unlock()

	packedKey := peerID<<32 | uint64(queueIdx)
	if cancel, ok := d.forwarders[packedKey]; ok {
		cancel()
		delete(d.forwarders, packedKey)
	}
}

// runQueueForwarder drains one peer queue until ctx is cancelled by
// stopForwarder. Closing the queue does not end the loop, since Recv keeps
// waiting on a closed, empty channel, and ctx does not derive from any
// dispatcher-wide context.
func (d *Dispatcher) runQueueForwarder(ctx context.Context, peer *cla.Peer, ch *hybridqueue.Channel) {
	for {
		meta, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		d.forwardBundle(ctx, peer, meta)
	}
}

// forwardBundle loads a ForwardPending bundle, updates its hop-count,
// bundle-age and previous-node blocks, runs the Egress filter, and attempts
// delivery through the peer's convergence layer. A transport-level failure
// (no neighbour currently reachable) resets the peer's whole queue back to
// Waiting and wakes the wait-poller, so every bundle the reset moved is
// re-evaluated right away rather than sitting idle until some unrelated RIB
// change happens to wake it.
func (d *Dispatcher) forwardBundle(ctx context.Context, peer *cla.Peer, meta store.BundleMetadata) {
	logEntry := log.WithField("bundle", meta.ID.String()).WithField("peer", peer.ID)

	data, err := d.store.Load(meta)
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to load bundle for forwarding")
		return
	}
	bndl, err := bpv7.ParseBundle(bytes.NewReader(data))
	if err != nil {
		logEntry.WithError(err).Error("dispatch: failed to parse stored bundle for forwarding")
		return
	}

	if hopExceeded := d.stepHopCount(&bndl); hopExceeded {
		logEntry.Info("dispatch: hop limit exceeded, dropping before forward")
		d.reportStatus(ctx, bndl, bpv7.DeletedBundle, bpv7.HopLimitExceeded)
		_ = d.store.DeleteBundle(meta.ID)
		return
	}
	d.stepBundleAge(&bndl, meta.ReceivedAt)
	d.stepPreviousNode(&bndl)

	plan := d.filters.Prepare(filter.Egress)
	outcome, err := filter.Exec(ctx, plan, &meta, &bndl)
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: egress filter errored, dropping bundle")
		d.reportStatus(ctx, bndl, bpv7.DeletedBundle, bpv7.NoInformation)
		_ = d.store.DeleteBundle(meta.ID)
		return
	}
	if outcome.Decision == filter.Drop {
		d.reportStatus(ctx, bndl, bpv7.DeletedBundle, outcome.Reason)
		_ = d.store.DeleteBundle(meta.ID)
		return
	}

	var buf bytes.Buffer
	if err := bndl.WriteBundle(&buf); err != nil {
		logEntry.WithError(err).Error("dispatch: failed to re-encode bundle before forward")
		return
	}

	var queueArg *uint32
	if meta.Status.HasQueue {
		q := meta.Status.Queue
		queueArg = &q
	}

	result, err := d.clas.Forward(ctx, peer.CLAName, queueArg, peer.Address, buf.Bytes())
	if err != nil || result == cla.NoNeighbour {
		if err != nil {
			logEntry.WithError(err).Info("dispatch: forward attempt failed, resetting peer queue")
		} else {
			logEntry.Info("dispatch: no neighbour reachable, resetting peer queue")
		}
		if rerr := d.metadata.ResetPeerQueue(peer.ID); rerr != nil {
			logEntry.WithError(rerr).Warn("dispatch: failed to reset peer queue")
		}
		d.rib.Notify()
		return
	}

	d.reportStatus(ctx, bndl, bpv7.ForwardedBundle, bpv7.NoInformation)
	if err := d.store.DeleteBundle(meta.ID); err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to delete forwarded bundle")
	}
}

// stepHopCount increments the hop-count block in place, if present, and
// reports whether the bundle now exceeds its configured limit.
func (d *Dispatcher) stepHopCount(bndl *bpv7.Bundle) bool {
	cb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypeHopCountBlock)
	if err != nil {
		return false
	}
	hcb := cb.Value.(*bpv7.HopCountBlock)
	return hcb.Increment()
}

// stepBundleAge adds the elapsed time since receipt to the bundle-age
// block, if present.
func (d *Dispatcher) stepBundleAge(bndl *bpv7.Bundle, receivedAt time.Time) {
	cb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypeBundleAgeBlock)
	if err != nil {
		return
	}
	bab := cb.Value.(*bpv7.BundleAgeBlock)
	bab.Increment(uint64(time.Since(receivedAt).Milliseconds()))
}

// stepPreviousNode replaces (or adds) the previous-node block to record
// this node as the bundle's most recent custodian before forwarding it on.
func (d *Dispatcher) stepPreviousNode(bndl *bpv7.Bundle) {
	if cb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypePreviousNodeBlock); err == nil {
		bndl.RemoveExtensionBlockByBlockNumber(cb.BlockNumber)
	}
	pnb := bpv7.NewPreviousNodeBlock(d.cfg.NodeID)
	block := bpv7.NewCanonicalBlock(0, 0, pnb)
	if err := bndl.AddExtensionBlock(block); err != nil {
		log.WithError(err).Warn("dispatch: failed to add previous-node block before forward")
	}
}
