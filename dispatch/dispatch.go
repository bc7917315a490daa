// SPDX-License-Identifier: GPL-3.0-or-later

// Package dispatch is the dispatcher and bundle state machine (§4.3): it
// ingests received and locally originated bundles, runs them through the
// four filter hooks, consults the RIB to decide their fate, drives the
// per-peer forwarding queues, reassembles fragments, generates status
// reports, and recovers a consistent state from the store at startup.
package dispatch

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/cla"
	"github.com/dtn7/bpa-core/filter"
	"github.com/dtn7/bpa-core/hybridqueue"
	"github.com/dtn7/bpa-core/rib"
	"github.com/dtn7/bpa-core/runtime"
	"github.com/dtn7/bpa-core/service"
	"github.com/dtn7/bpa-core/store"
)

// Config bundles the dispatcher's tunables, sourced from package config.
type Config struct {
	// NodeID is this node's own singleton endpoint, stamped as the source
	// of status reports and administrative traffic.
	NodeID bpv7.EndpointID

	// StatusReportsEnabled gates whether the dispatcher ever generates RFC
	// 9171 status reports, independent of what a bundle's flags request.
	StatusReportsEnabled bool

	// ProcessingPoolSize bounds how many bundles Ingest runs through the
	// Ingress filters, persistence and enqueueing concurrently, after
	// parsing and validating them synchronously; further CLA Dispatch calls
	// block.
	ProcessingPoolSize int

	// PollChannelDepth sizes every hybrid channel's in-memory fast path.
	PollChannelDepth int

	// DispatchWorkers is how many goroutines the caller should run via
	// RunDispatchWorker to drain the dispatch queue.
	DispatchWorkers int

	// DefaultLifetime is used for locally built status report bundles.
	DefaultLifetime time.Duration
}

// Dispatcher is the bundle state machine described by the component design:
// it implements both cla.Ingestor (received bundles) and service.Sender
// (locally originated bundles), and owns the dispatch queue, per-peer
// forwarding loops and the wait-poller that revives Waiting bundles.
type Dispatcher struct {
	cfg Config

	store    *store.Store
	metadata store.MetadataStorage
	rib      *rib.Rib
	filters  *filter.Registry
	clas     *cla.Registry
	peers    *cla.PeerTable
	services *service.Registry
	pool     *runtime.Pool

	dispatchQueue *hybridqueue.Channel

	forwardersMu sync.Mutex
	forwarders   map[uint64]context.CancelFunc
}

// New creates a Dispatcher wired over the given components. metadata is the
// same MetadataStorage backend st was built on; the dispatcher needs direct
// access to it for the polling queries store.Store does not expose
// (GetWaitingForService, recovery bookkeeping reused across sweeps).
//
// The CLA registry and service registry are deliberately not constructor
// arguments: both need the Dispatcher itself as their Ingestor/Sender, so a
// caller must build the Dispatcher first, construct those two registries
// around it, and then complete the wiring with SetCLARegistry and
// SetServiceRegistry before starting any worker.
func New(cfg Config, st *store.Store, metadata store.MetadataStorage, r *rib.Rib, filters *filter.Registry, peers *cla.PeerTable) *Dispatcher {
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 1
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = 24 * time.Hour
	}

	return &Dispatcher{
		cfg:           cfg,
		store:         st,
		metadata:      metadata,
		rib:           r,
		filters:       filters,
		peers:         peers,
		pool:          runtime.NewPool(cfg.ProcessingPoolSize),
		dispatchQueue: hybridqueue.New(store.NewStatus(store.StatusDispatching), cfg.PollChannelDepth, metadata),
		forwarders:    make(map[uint64]context.CancelFunc),
	}
}

// SetCLARegistry completes the wiring described on New, giving the
// dispatcher the registry it needs to reach ConvergenceLayer.Forward.
func (d *Dispatcher) SetCLARegistry(clas *cla.Registry) {
	d.clas = clas
}

// SetServiceRegistry completes the wiring described on New, giving the
// dispatcher the registry it needs to reach a local service's Deliver and
// NotifyStatus hooks.
func (d *Dispatcher) SetServiceRegistry(services *service.Registry) {
	d.services = services
}

// reportStatus generates and originates an RFC 9171 status report for bndl,
// bypassing the Originate filter since the report is internally generated,
// if status reporting is enabled and bndl's flags actually requested this
// kind of report.
func (d *Dispatcher) reportStatus(ctx context.Context, bndl bpv7.Bundle, pos bpv7.StatusInformationPos, reason bpv7.StatusReportReason) {
	if !d.cfg.StatusReportsEnabled {
		return
	}
	if bndl.IsAdministrativeRecord() {
		return
	}
	if bndl.PrimaryBlock.ReportTo == bpv7.DtnNone() {
		return
	}
	if !bndl.PrimaryBlock.BundleControlFlags.Has(requestFlagFor(pos)) {
		return
	}

	report := bpv7.NewStatusReport(bndl, pos, reason, bpv7.DtnTimeNow())
	payload, err := bpv7.AdministrativeRecordToCbor(report)
	if err != nil {
		log.WithError(err).WithField("bundle", bndl.ID().String()).
			Warn("dispatch: failed to encode status report")
		return
	}

	admin, err := bpv7.Builder().
		Source(d.cfg.NodeID).
		Destination(bndl.PrimaryBlock.ReportTo).
		ReportTo(bpv7.DtnNone()).
		CreationTimestampNow().
		Lifetime(d.cfg.DefaultLifetime).
		BundleCtrlFlags(bpv7.AdministrativeRecordPayload).
		Canonical(payload).
		Build()
	if err != nil {
		log.WithError(err).WithField("bundle", bndl.ID().String()).
			Warn("dispatch: failed to build status report bundle")
		return
	}

	if _, err := d.originate(ctx, admin, false); err != nil {
		log.WithError(err).WithField("bundle", bndl.ID().String()).
			Warn("dispatch: failed to originate status report")
	}
}

// requestFlagFor maps a status information position to the bundle control
// flag that requests a report of that kind.
func requestFlagFor(pos bpv7.StatusInformationPos) bpv7.BundleControlFlags {
	switch pos {
	case bpv7.ReceivedBundle:
		return bpv7.StatusRequestReception
	case bpv7.ForwardedBundle:
		return bpv7.StatusRequestForward
	case bpv7.DeliveredBundle:
		return bpv7.StatusRequestDelivery
	case bpv7.DeletedBundle:
		return bpv7.StatusRequestDeletion
	default:
		return 0
	}
}
