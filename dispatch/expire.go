// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// HandleExpire is a store.ExpireFunc: the Reaper calls it once a bundle's
// lifetime has elapsed, wherever in the pipeline it was sitting. It reports
// a LifetimeExpired deletion status (if the bundle requested one and status
// reporting is enabled) and removes the bundle's storage record. A bundle
// whose blob can no longer be loaded or parsed still has its metadata
// removed; a status report naming a bundle this node can no longer read is
// not worth failing the eviction over.
func (d *Dispatcher) HandleExpire(meta store.BundleMetadata) {
	logEntry := log.WithField("bundle", meta.ID.String())
	ctx := d.poolContext()

	if meta.StorageName != "" {
		if data, err := d.store.Load(meta); err != nil {
			logEntry.WithError(err).Warn("dispatch: failed to load expired bundle for status reporting")
		} else if bndl, err := bpv7.ParseBundle(bytes.NewReader(data)); err != nil {
			logEntry.WithError(err).Warn("dispatch: failed to parse expired bundle for status reporting")
		} else {
			d.reportStatus(ctx, bndl, bpv7.DeletedBundle, bpv7.LifetimeExpired)
		}
	}

	if err := d.store.DeleteBundle(meta.ID); err != nil {
		logEntry.WithError(err).Warn("dispatch: failed to delete expired bundle")
	}
}
