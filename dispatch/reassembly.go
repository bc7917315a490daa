// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// checkReassembly polls every fragment currently parked for (source,
// timestamp), and if the set is complete, reassembles them into one bundle
// and re-dispatches it as freshly delivered. Fragments belonging to an
// expired ADU are dropped instead of waiting forever for siblings that may
// never arrive.
func (d *Dispatcher) checkReassembly(ctx context.Context, source bpv7.EndpointID, timestamp bpv7.CreationTimestamp) {
	logEntry := log.WithField("source", source.String())

	out := make(chan store.BundleMetadata, 64)
	done := make(chan error, 1)
	go func() {
		done <- d.metadata.PollAduFragments(source, timestamp, out)
		close(out)
	}()

	var metas []store.BundleMetadata
	for meta := range out {
		metas = append(metas, meta)
	}
	if err := <-done; err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to poll ADU fragments")
		return
	}
	if len(metas) == 0 {
		return
	}

	if allExpired(metas) {
		logEntry.Info("dispatch: dropping expired incomplete fragment set")
		d.dropFragments(metas)
		return
	}

	fragments := make([]bpv7.Bundle, 0, len(metas))
	for _, meta := range metas {
		data, err := d.store.Load(meta)
		if err != nil {
			logEntry.WithError(err).Warn("dispatch: failed to load fragment")
			return
		}
		bndl, err := bpv7.ParseBundle(bytes.NewReader(data))
		if err != nil {
			logEntry.WithError(err).Error("dispatch: failed to parse stored fragment")
			return
		}
		fragments = append(fragments, bndl)
	}

	if !bpv7.IsBundleReassemblable(fragments) {
		return
	}

	reassembled, err := bpv7.ReassembleFragments(fragments)
	if err != nil {
		logEntry.WithError(err).Error("dispatch: failed to reassemble complete fragment set")
		return
	}

	d.dropFragments(metas)
	d.reingestReassembled(ctx, reassembled)
}

// allExpired reports whether every fragment in an incomplete set has
// already outlived its lifetime; if so, none of its siblings are coming.
func allExpired(metas []store.BundleMetadata) bool {
	now := time.Now()
	for _, meta := range metas {
		if now.Before(meta.ExpiryAt) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) dropFragments(metas []store.BundleMetadata) {
	for _, meta := range metas {
		if err := d.store.DeleteBundle(meta.ID); err != nil {
			log.WithError(err).WithField("bundle", meta.ID.String()).
				Warn("dispatch: failed to delete fragment after reassembly")
		}
	}
}

// reingestReassembled re-enters the full dispatch pipeline for a bundle
// reconstructed from fragments, as if it had just arrived whole: the
// original ingress checkpoint already ran once per fragment, but delivery
// itself still needs routing, filtering and the service handoff.
func (d *Dispatcher) reingestReassembled(ctx context.Context, bndl bpv7.Bundle) {
	now := time.Now()
	meta := store.BundleMetadata{
		ID:         bndl.ID(),
		Status:     store.NewStatus(store.StatusDispatching),
		ReceivedAt: now,
		ExpiryAt:   now.Add(time.Duration(bndl.PrimaryBlock.Lifetime) * time.Millisecond),
	}

	var buf bytes.Buffer
	if err := bndl.WriteBundle(&buf); err != nil {
		log.WithError(err).WithField("bundle", meta.ID.String()).
			Error("dispatch: failed to re-encode reassembled bundle")
		return
	}
	if err := d.store.StoreBundle(meta, buf.Bytes()); err != nil {
		log.WithError(err).WithField("bundle", meta.ID.String()).
			Warn("dispatch: failed to persist reassembled bundle")
		return
	}
	if rec, err := d.store.Get(meta.ID); err == nil {
		meta = rec
	}

	d.processBundle(ctx, meta)
}
