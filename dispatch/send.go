// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/filter"
	"github.com/dtn7/bpa-core/service"
	"github.com/dtn7/bpa-core/store"
)

// originate is the entry point for bundles this node builds itself: status
// reports (runOriginateFilter false, since a locally generated report has
// nothing for the Originate hook to vet) and application sends
// (runOriginateFilter true). It delegates to originateWithFlowLabel with no
// flow label, the common case for internally generated traffic.
func (d *Dispatcher) originate(ctx context.Context, bndl bpv7.Bundle, runOriginateFilter bool) (bpv7.BundleID, error) {
	return d.originateWithFlowLabel(ctx, bndl, runOriginateFilter, 0, false)
}

// originateWithFlowLabel builds the provisional metadata for a freshly built
// bundle, optionally runs the Originate filter, and then hands off to the
// same runIngress core a received bundle goes through — locally originated
// traffic still passes the Ingress hook, just never gets a "received"
// status report, since a node does not report to itself.
func (d *Dispatcher) originateWithFlowLabel(ctx context.Context, bndl bpv7.Bundle, runOriginateFilter bool, flowLabel uint32, hasFlowLabel bool) (bpv7.BundleID, error) {
	now := time.Now()
	meta := store.BundleMetadata{
		ID:           bndl.ID(),
		Status:       store.NewStatus(store.StatusNew),
		ReceivedAt:   now,
		ExpiryAt:     now.Add(time.Duration(bndl.PrimaryBlock.Lifetime) * time.Millisecond),
		FlowLabel:    flowLabel,
		HasFlowLabel: hasFlowLabel,
	}

	if runOriginateFilter {
		plan := d.filters.Prepare(filter.Originate)
		outcome, err := filter.Exec(ctx, plan, &meta, &bndl)
		if err != nil {
			return bndl.ID(), fmt.Errorf("dispatch: originate filter: %w", err)
		}
		if outcome.Decision == filter.Drop {
			return bndl.ID(), fmt.Errorf("dispatch: originate filter dropped bundle: %s", outcome.Reason)
		}
	}

	d.runIngress(ctx, bndl, meta, false)
	return bndl.ID(), nil
}

// SendFrom implements service.Sender: it builds an outgoing bundle from an
// application's send request and originates it.
func (d *Dispatcher) SendFrom(source, reportTo, destination bpv7.EndpointID, payload []byte, opts service.SendOptions) (bpv7.BundleID, error) {
	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = d.cfg.DefaultLifetime
	}

	builder := bpv7.Builder().
		Source(source).
		Destination(destination).
		CreationTimestampNow().
		Lifetime(lifetime).
		PayloadBlock(payload)

	if opts.HasReportTo {
		builder = builder.ReportTo(reportTo)
	} else {
		builder = builder.ReportTo(bpv7.DtnNone())
	}

	var flags bpv7.BundleControlFlags
	if opts.StatusReports {
		flags |= bpv7.StatusRequestReception | bpv7.StatusRequestForward |
			bpv7.StatusRequestDelivery | bpv7.StatusRequestDeletion | bpv7.RequestStatusTime
	}
	builder = builder.BundleCtrlFlags(flags)

	bndl, err := builder.Build()
	if err != nil {
		return bpv7.BundleID{}, fmt.Errorf("dispatch: build outgoing bundle: %w", err)
	}

	return d.originateWithFlowLabel(context.Background(), bndl, true, opts.FlowLabel, opts.HasFlowLabel)
}

// Cancel implements service.Sender: it deletes a bundle this node still
// holds, if it can still be found. A bundle already forwarded or delivered
// cannot be recalled.
func (d *Dispatcher) Cancel(bundleID bpv7.BundleID) bool {
	meta, err := d.store.Get(bundleID)
	if err != nil {
		return false
	}
	if err := d.store.DeleteBundle(meta.ID); err != nil {
		log.WithError(err).WithField("bundle", bundleID.String()).
			Warn("dispatch: failed to cancel bundle")
		return false
	}
	return true
}
