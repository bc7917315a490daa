// SPDX-License-Identifier: GPL-3.0-or-later

// Package service is the local-service registry (§6): the contract a
// bundle-consuming service implements, the contract the core exposes back
// to it, and the registry binding a registered service's endpoint EID into
// the RIB's local table as a DeliverTo target.
package service

import (
	"time"

	"github.com/dtn7/bpa-core/bpv7"
)

// Service is the low-level contract the core consumes from a registered
// application. Bytes handed to OnReceive are the bundle's payload only;
// the core has already reassembled and validated the bundle.
type Service interface {
	// OnRegister hands the service its endpoint EID and a Sink back into
	// the core.
	OnRegister(endpoint bpv7.EndpointID, sink Sink)

	// OnReceive delivers a bundle's payload, expiring at expiry.
	OnReceive(data []byte, expiry time.Time)

	// OnStatusNotify reports an RFC 9171 status event for a bundle this
	// service previously sent.
	OnStatusNotify(bundleID bpv7.BundleID, from bpv7.EndpointID, kind bpv7.StatusInformationPos, reason bpv7.StatusReportReason, ts time.Time)

	// OnUnregister tells the service the core is deregistering it.
	OnUnregister()
}

// Sink is the contract the core exposes to a registered Service. data is a
// JSON-encoded SendEnvelope, not a raw payload: the core parses and
// validates it before transmission, since a Service is untrusted for
// structural correctness (destination EID syntax, lifetime bounds, and so
// on are the core's responsibility, not the service's).
type Sink interface {
	// Send decodes data as a SendEnvelope, constructs and dispatches the
	// bundle it describes, and returns its assigned BundleID.
	Send(data []byte) (bpv7.BundleID, error)

	// Cancel withdraws a previously sent bundle if it has not yet left the
	// node, reporting whether it was found and removed.
	Cancel(bundleID bpv7.BundleID) bool

	// Unregister tells the core this service is unregistering itself.
	Unregister()
}

// SendEnvelope is the wire format a low-level Service's Sink.Send call
// supplies: unlike the Application contract's direct (destination,
// payload, options) call, a Service hands the core raw bytes, and the
// core decodes and validates this envelope out of them before building a
// bundle.
type SendEnvelope struct {
	Destination   string  `json:"destination"`
	ReportTo      string  `json:"report_to,omitempty"`
	Lifetime      string  `json:"lifetime"`
	FlowLabel     *uint32 `json:"flow_label,omitempty"`
	StatusReports bool    `json:"status_reports,omitempty"`
	Payload       []byte  `json:"payload"`
}

// SendOptions carries the per-bundle knobs an Application contract caller
// can set; everything else is computed by the core.
type SendOptions struct {
	ReportTo      bpv7.EndpointID
	HasReportTo   bool
	Lifetime      time.Duration
	StatusReports bool
	FlowLabel     uint32
	HasFlowLabel  bool
}

// Application is the high-level, payload-only contract the core consumes:
// the core builds the bundle itself from (destination, payload, lifetime,
// options) rather than handing the caller a BundleBuilder.
type Application interface {
	Service

	// Send builds and dispatches a bundle from its destination and payload,
	// returning the assigned BundleID.
	Send(destination bpv7.EndpointID, payload []byte, opts SendOptions) (bpv7.BundleID, error)
}

// Sender is the dispatcher-side hook a Sink's Send/Cancel calls reach
// through. Implemented by the dispatcher; kept narrow here so this package
// never imports the dispatcher, mirroring cla.Ingestor's role for CLA
// dispatch.
type Sender interface {
	// SendFrom constructs a bundle with source, reportTo, destination,
	// payload and the given lifetime/options, dispatches it for the
	// Originate filter hook and onward transmission, and returns its
	// BundleID.
	SendFrom(source, reportTo, destination bpv7.EndpointID, payload []byte, opts SendOptions) (bpv7.BundleID, error)

	// Cancel withdraws bundleID if it has not yet left the node.
	Cancel(bundleID bpv7.BundleID) bool
}
