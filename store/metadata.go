// SPDX-License-Identifier: GPL-3.0-or-later

// Package store is the crash-safe bundle and metadata persistence layer: a
// coordinator over two independently swappable backends, an in-memory LRU
// cache for recent bundle data, and a reaper that drives lifetime expiry.
package store

import (
	"time"

	"github.com/dtn7/bpa-core/bpv7"
)

// StatusKind is the tag of a BundleStatus, the durable checkpoint a bundle
// sits in at any moment.
type StatusKind int

const (
	// StatusNew: persisted, Ingress filter not yet run.
	StatusNew StatusKind = iota
	// StatusDispatching: Ingress completed, awaiting or inside routing.
	StatusDispatching
	// StatusWaiting: no route currently available.
	StatusWaiting
	// StatusForwardPending: assigned to a peer's egress queue.
	StatusForwardPending
	// StatusAduFragment: a fragment awaiting reassembly.
	StatusAduFragment
	// StatusWaitingForService: a status report awaiting a service to re-register.
	StatusWaitingForService
)

func (k StatusKind) String() string {
	switch k {
	case StatusNew:
		return "New"
	case StatusDispatching:
		return "Dispatching"
	case StatusWaiting:
		return "Waiting"
	case StatusForwardPending:
		return "ForwardPending"
	case StatusAduFragment:
		return "AduFragment"
	case StatusWaitingForService:
		return "WaitingForService"
	default:
		return "Unknown"
	}
}

// BundleStatus is the bundle state machine and, simultaneously, the durable
// checkpoint recorded in BundleMetadata. Only the fields relevant to Kind are
// meaningful; the others are zero.
type BundleStatus struct {
	Kind StatusKind

	// ForwardPending
	PeerID     uint64
	Queue      uint32
	HasQueue   bool

	// AduFragment
	FragmentSource    bpv7.EndpointID
	FragmentTimestamp bpv7.CreationTimestamp

	// WaitingForService
	WaitingService bpv7.EndpointID
}

// NewStatus constructs a bare status of the given kind, with no associated data.
func NewStatus(kind StatusKind) BundleStatus {
	return BundleStatus{Kind: kind}
}

// ForwardPending constructs a StatusForwardPending status for the given peer,
// optionally naming a specific egress queue.
func ForwardPending(peerID uint64, queue uint32, hasQueue bool) BundleStatus {
	return BundleStatus{Kind: StatusForwardPending, PeerID: peerID, Queue: queue, HasQueue: hasQueue}
}

// AduFragmentStatus constructs a StatusAduFragment status for a fragment
// awaiting reassembly of the ADU identified by source and timestamp.
func AduFragmentStatus(source bpv7.EndpointID, timestamp bpv7.CreationTimestamp) BundleStatus {
	return BundleStatus{Kind: StatusAduFragment, FragmentSource: source, FragmentTimestamp: timestamp}
}

// WaitingForServiceStatus constructs a StatusWaitingForService status blocked
// on the registration of the given service endpoint.
func WaitingForServiceStatus(service bpv7.EndpointID) BundleStatus {
	return BundleStatus{Kind: StatusWaitingForService, WaitingService: service}
}

// Equal reports whether two statuses are the exact same tuple, used by
// poll_pending's exact status-tuple match.
func (s BundleStatus) Equal(other BundleStatus) bool {
	return s == other
}

// BundleMetadata is the indexed record kept for every persisted bundle,
// keyed by its (scrubbed) BundleID.
type BundleMetadata struct {
	ID bpv7.BundleID

	// StorageName is the opaque handle BundleStorage uses to locate the blob.
	StorageName string

	Status BundleStatus

	ReceivedAt time.Time
	ExpiryAt   time.Time

	IngressCLA      string
	IngressPeerNode bpv7.EndpointID
	HasIngressPeer  bool
	IngressPeerAddr string

	FlowLabel    uint32
	HasFlowLabel bool

	// NextHop is set by routing for the Egress filter hook's context.
	NextHop    bpv7.EndpointID
	HasNextHop bool

	// ForwardAttempts is a counter carried in the record as stored; no code
	// in this module increments it.
	ForwardAttempts uint32
}
