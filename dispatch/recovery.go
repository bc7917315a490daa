// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// RunRecovery performs the three-phase startup reconciliation sweep
// between BundleStorage's blobs and MetadataStorage's records: every blob
// still on disk gets either confirmed against its existing metadata record
// or adopted as an orphan, and whatever metadata nothing confirms is
// evicted as stale. Once reconciled, bundles still mid-pipeline (New,
// Dispatching) are resumed. ForwardPending bundles are left alone: their
// peer's hybrid channel re-polls MetadataStorage for them the moment a CLA
// re-registers that peer and a forwarder starts draining its queue. Call
// this once, before any dispatch worker or forwarder starts.
func (d *Dispatcher) RunRecovery(ctx context.Context) error {
	if err := d.store.BeginRecovery(); err != nil {
		return fmt.Errorf("dispatch: begin recovery: %w", err)
	}

	blobs, err := d.store.RecoverBlobs()
	if err != nil {
		return fmt.Errorf("dispatch: list recoverable blobs: %w", err)
	}

	for _, blob := range blobs {
		d.recoverBlob(blob)
	}

	if err := d.store.FinishRecovery(); err != nil {
		return fmt.Errorf("dispatch: finish recovery: %w", err)
	}

	d.resumeConfirmed(ctx)
	return nil
}

// resumeConfirmed re-drives every surviving bundle still mid-pipeline: New
// bundles go back through the Ingress filter (replacing the checkpoint, not
// re-saving the blob, since meta.StorageName is already set), and
// Dispatching bundles go straight to the dispatch queue, since the Ingress
// checkpoint they already crossed means re-running it would filter a
// bundle twice.
func (d *Dispatcher) resumeConfirmed(ctx context.Context) {
	for _, meta := range d.drainPending(store.NewStatus(store.StatusNew)) {
		data, err := d.store.Load(meta)
		if err != nil {
			log.WithError(err).WithField("bundle", meta.ID.String()).
				Warn("dispatch: failed to load recovered New bundle")
			continue
		}
		bndl, err := bpv7.ParseBundle(bytes.NewReader(data))
		if err != nil {
			log.WithError(err).WithField("bundle", meta.ID.String()).
				Warn("dispatch: failed to parse recovered New bundle")
			continue
		}
		d.runIngress(ctx, bndl, meta, false)
	}

	for _, meta := range d.drainPending(store.NewStatus(store.StatusDispatching)) {
		if err := d.dispatchQueue.Send(meta); err != nil {
			log.WithError(err).WithField("bundle", meta.ID.String()).
				Warn("dispatch: failed to resume Dispatching bundle")
		}
	}
}

// drainPending collects every record under status, logging and returning
// what it has on a query error rather than losing already-collected
// records.
func (d *Dispatcher) drainPending(status store.BundleStatus) []store.BundleMetadata {
	out := make(chan store.BundleMetadata, 64)
	done := make(chan error, 1)
	go func() {
		done <- d.metadata.PollPending(status, out, 0)
		close(out)
	}()

	var metas []store.BundleMetadata
	for meta := range out {
		metas = append(metas, meta)
	}
	if err := <-done; err != nil {
		log.WithError(err).WithField("status", status.Kind.String()).
			Warn("dispatch: failed to poll pending bundles during recovery resume")
	}
	return metas
}

// recoverBlob reconciles a single on-disk blob against MetadataStorage: a
// parse failure or a blob whose bundle already has a record under a
// different storage name is discarded outright, a blob with an existing
// record under its own name is confirmed in place, and an orphaned blob that parses cleanly is adopted as if freshly
// ingested.
func (d *Dispatcher) recoverBlob(blob store.StoredBlob) {
	logEntry := log.WithField("blob", blob.Name)

	data, err := d.store.LoadBlobByName(blob.Name)
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to load recovered blob")
		return
	}

	bndl, err := bpv7.ParseBundle(bytes.NewReader(data))
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: discarding unparseable recovered blob")
		if derr := d.store.DeleteBlobByName(blob.Name); derr != nil {
			logEntry.WithError(derr).Warn("dispatch: failed to delete unparseable blob")
		}
		return
	}

	id := bndl.ID()
	if existing, err := d.store.Get(id); err == nil {
		if existing.StorageName != blob.Name {
			logEntry.WithField("bundle", id.String()).
				Warn("dispatch: discarding duplicate recovered blob")
			if derr := d.store.DeleteBlobByName(blob.Name); derr != nil {
				logEntry.WithError(derr).Warn("dispatch: failed to delete duplicate blob")
			}
			return
		}
		if err := d.store.ConfirmExists(id); err != nil {
			logEntry.WithError(err).Warn("dispatch: failed to confirm recovered bundle")
		}
		return
	}

	meta := store.BundleMetadata{
		ID:          id,
		StorageName: blob.Name,
		Status:      store.NewStatus(store.StatusNew),
		ReceivedAt:  blob.StoredAt,
		ExpiryAt:    blob.StoredAt.Add(time.Duration(bndl.PrimaryBlock.Lifetime) * time.Millisecond),
	}

	ok, err := d.store.AdoptBlob(meta)
	if err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to adopt orphaned recovered blob")
		return
	}
	if !ok {
		logEntry.Warn("dispatch: orphaned blob raced a concurrent insert, discarding")
		if derr := d.store.DeleteBlobByName(blob.Name); derr != nil {
			logEntry.WithError(derr).Warn("dispatch: failed to delete raced orphan blob")
		}
		return
	}
	if err := d.store.ConfirmExists(id); err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to confirm adopted bundle")
	}
}
