// SPDX-License-Identifier: GPL-3.0-or-later

// Package cla is the CLA registry and peer table (§4.4): the contracts a
// convergence layer adapter and the core exchange, and the bookkeeping of
// which peers are reachable through which adapter at which address.
package cla

import (
	"context"

	"github.com/dtn7/bpa-core/bpv7"
)

// ForwardOutcome is the result of a CLA's Forward call.
type ForwardOutcome int

const (
	Sent ForwardOutcome = iota
	NoNeighbour
)

func (o ForwardOutcome) String() string {
	switch o {
	case Sent:
		return "Sent"
	case NoNeighbour:
		return "NoNeighbour"
	default:
		return "Unknown"
	}
}

// ConvergenceLayer is the contract the core consumes from a convergence
// layer adapter.
type ConvergenceLayer interface {
	// Forward sends data to address on the given queue (nil selects the
	// adapter's best-effort queue).
	Forward(ctx context.Context, queue *uint32, address string, data []byte) (ForwardOutcome, error)

	// QueueCount reports how many priority queues (beyond the best-effort
	// one) this adapter supports per peer.
	QueueCount() uint32

	// OnRegister hands the adapter its Sink back into the core.
	OnRegister(sink Sink)

	// OnUnregister tells the adapter the core is shutting it down.
	OnUnregister()
}

// IngressInfo accompanies a Sink.Dispatch call, identifying where a
// received bundle came from.
type IngressInfo struct {
	CLAName     string
	PeerNode    bpv7.EndpointID
	HasPeerNode bool
	PeerAddr    string
}

// Sink is the contract the core exposes to a registered CLA. It closes
// over a weak reference to the CLA's own registration, so a CLA can only
// ever affect the peers it itself registered — structural authorization,
// not a permission check.
type Sink interface {
	// Dispatch is the entry point for a bundle the CLA received.
	Dispatch(data []byte, ingress IngressInfo) error

	// AddPeer registers a peer at address. An empty eids slice indicates a
	// Neighbour: the address is known but no EID has been learned yet.
	AddPeer(address string, eids []bpv7.EndpointID) (peerID uint64, err error)

	// RemovePeer withdraws a previously added peer.
	RemovePeer(address string) error

	// Unregister tells the core this CLA is unregistering itself.
	Unregister()
}

// Ingestor is the dispatcher-side hook a Sink's Dispatch call hands
// received bytes to. Implemented by the dispatcher; kept as a narrow
// interface here so this package never imports the dispatcher.
type Ingestor interface {
	Ingest(data []byte, ingress IngressInfo) error
}
