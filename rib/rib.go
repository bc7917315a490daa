// SPDX-License-Identifier: GPL-3.0-or-later

// Package rib is the Routing Information Base consulted by the dispatcher's
// process_bundle step. It holds two tables: a local table mapping EIDs the
// node itself answers for (administrative endpoint, registered services,
// directly attached peers), and a priority-ordered pattern table consulted
// for everything else.
package rib

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/runtime"
	"github.com/dtn7/bpa-core/store"
)

// LocalActionKind enumerates what a local table entry resolves to.
type LocalActionKind int

const (
	AdminEndpoint LocalActionKind = iota
	DeliverTo
	ForwardTo
)

func (k LocalActionKind) String() string {
	switch k {
	case AdminEndpoint:
		return "AdminEndpoint"
	case DeliverTo:
		return "DeliverTo"
	case ForwardTo:
		return "ForwardTo"
	default:
		return "Unknown"
	}
}

// LocalAction is one action a destination EID resolves to in the local
// table. A single EID may carry more than one, e.g. a node's singleton
// endpoint is both AdminEndpoint and, once a peer registers under it,
// ForwardTo.
type LocalAction struct {
	Kind      LocalActionKind
	ServiceID string // set when Kind == DeliverTo; empty means any registered listener
	PeerID    uint64 // set when Kind == ForwardTo
}

// Admin builds the administrative-endpoint local action.
func Admin() LocalAction { return LocalAction{Kind: AdminEndpoint} }

// Deliver builds a local delivery action for the given service. An empty
// serviceID matches whichever application agent is currently registered for
// the destination EID.
func Deliver(serviceID string) LocalAction {
	return LocalAction{Kind: DeliverTo, ServiceID: serviceID}
}

// Forward builds a local forwarding action pointing at a directly attached
// peer, as learned from the CLA registry's peer table.
func Forward(peerID uint64) LocalAction {
	return LocalAction{Kind: ForwardTo, PeerID: peerID}
}

// RouteActionKind enumerates a pattern table entry's action.
type RouteActionKind int

const (
	RouteDrop RouteActionKind = iota
	RouteReflect
	RouteVia
)

// RouteEntry is one action installed against an EidPattern at a given
// priority. SourceTag identifies the routing agent that installed it, so an
// agent can withdraw exactly what it installed without disturbing others'.
type RouteEntry struct {
	Action    RouteActionKind
	Via       bpv7.EndpointID         // valid when Action == RouteVia
	Reason    bpv7.StatusReportReason // valid when Action == RouteDrop
	SourceTag string
}

// Drop builds a RouteEntry that drops matching bundles with the given
// reason code.
func Drop(sourceTag string, reason bpv7.StatusReportReason) RouteEntry {
	return RouteEntry{Action: RouteDrop, Reason: reason, SourceTag: sourceTag}
}

// Reflect builds a RouteEntry that reflects matching bundles back toward
// their previous-node EID.
func Reflect(sourceTag string) RouteEntry {
	return RouteEntry{Action: RouteReflect, SourceTag: sourceTag}
}

// Via builds a RouteEntry that recurses resolution onto another EID.
func Via(sourceTag string, eid bpv7.EndpointID) RouteEntry {
	return RouteEntry{Action: RouteVia, Via: eid, SourceTag: sourceTag}
}

// ResultKind enumerates the outcomes Find can return, mirroring the
// dispatcher's process_bundle transition table.
type ResultKind int

const (
	// ResultNone means no route exists yet; the bundle should be persisted
	// as Waiting until a future change notification revives it.
	ResultNone ResultKind = iota
	ResultAdminEndpoint
	ResultDeliver
	ResultForward
	ResultDrop
)

func (k ResultKind) String() string {
	switch k {
	case ResultNone:
		return "None"
	case ResultAdminEndpoint:
		return "AdminEndpoint"
	case ResultDeliver:
		return "Deliver"
	case ResultForward:
		return "Forward"
	case ResultDrop:
		return "Drop"
	default:
		return "Unknown"
	}
}

// FindResult is the outcome of resolving a destination EID.
type FindResult struct {
	Kind      ResultKind
	ServiceID string // set when Kind == ResultDeliver
	PeerID    uint64 // set when Kind == ResultForward
	Reason    bpv7.StatusReportReason
}

type patternRoute struct {
	priority uint32
	pattern  bpv7.EidPattern
	entries  []RouteEntry
}

// Rib is the routing information base. Safe for concurrent use.
type Rib struct {
	mu       sync.RWMutex
	local    map[string][]LocalAction
	patterns []patternRoute

	metadata store.MetadataStorage
	wake     *runtime.Notifier
}

// New creates an empty Rib. metadata is used to reset in-flight egress
// queues (reset_peer_queue) whenever a route change could affect a peer
// already selected for forwarding.
func New(metadata store.MetadataStorage) *Rib {
	return &Rib{
		local:    make(map[string][]LocalAction),
		metadata: metadata,
		wake:     runtime.NewNotifier(),
	}
}

// Changed is notified whenever a route or local table mutation could revive
// a Waiting bundle; the dispatcher's wait-poller selects on it.
func (r *Rib) Changed() <-chan struct{} {
	return r.wake.C()
}

// Notify pokes the same waiting-poller wake-up notifyChange gives route and
// local table mutations, for a caller that reset a peer queue through some
// other path (the dispatcher's forwarding loop, on a transport failure) and
// needs the bundles that move back to Waiting re-evaluated without waiting
// for an unrelated routing change.
func (r *Rib) Notify() {
	r.wake.Notify()
}

// AddLocal installs a local table action for eid.
func (r *Rib) AddLocal(eid bpv7.EndpointID, action LocalAction) {
	key := eid.String()

	r.mu.Lock()
	if !containsAction(r.local[key], action) {
		r.local[key] = append(r.local[key], action)
	}
	r.mu.Unlock()

	r.notifyChange(nil)
}

// RemoveLocal withdraws a previously installed local table action.
func (r *Rib) RemoveLocal(eid bpv7.EndpointID, action LocalAction) {
	key := eid.String()
	var affected []uint64

	r.mu.Lock()
	actions := r.local[key]
	for i, a := range actions {
		if a == action {
			if a.Kind == ForwardTo {
				affected = append(affected, a.PeerID)
			}
			r.local[key] = append(actions[:i], actions[i+1:]...)
			break
		}
	}
	if len(r.local[key]) == 0 {
		delete(r.local, key)
	}
	r.mu.Unlock()

	r.notifyChange(affected)
}

// AddRoute installs entry into the pattern table at priority for pattern.
func (r *Rib) AddRoute(priority uint32, pattern bpv7.EidPattern, entry RouteEntry) {
	r.mu.Lock()
	r.insertRouteLocked(priority, pattern, entry)
	r.mu.Unlock()

	r.notifyChange(r.viaPeersFor(entry))
}

// RemoveRoute withdraws every entry installed by sourceTag against pattern
// at priority.
func (r *Rib) RemoveRoute(priority uint32, pattern bpv7.EidPattern, sourceTag string) {
	var removed []RouteEntry

	r.mu.Lock()
	for i := range r.patterns {
		if r.patterns[i].priority != priority || r.patterns[i].pattern.String() != pattern.String() {
			continue
		}
		kept := r.patterns[i].entries[:0]
		for _, e := range r.patterns[i].entries {
			if e.SourceTag == sourceTag {
				removed = append(removed, e)
			} else {
				kept = append(kept, e)
			}
		}
		r.patterns[i].entries = kept
		break
	}
	r.patterns = compactRoutes(r.patterns)
	r.mu.Unlock()

	var affected []uint64
	for _, e := range removed {
		affected = append(affected, r.viaPeersFor(e)...)
	}
	r.notifyChange(affected)
}

// WithdrawSource removes every pattern table entry installed by sourceTag,
// across all priorities and patterns. Routing agents call this on restart
// or disconnect to retract everything they previously installed.
func (r *Rib) WithdrawSource(sourceTag string) {
	var removed []RouteEntry

	r.mu.Lock()
	for i := range r.patterns {
		kept := r.patterns[i].entries[:0]
		for _, e := range r.patterns[i].entries {
			if e.SourceTag == sourceTag {
				removed = append(removed, e)
			} else {
				kept = append(kept, e)
			}
		}
		r.patterns[i].entries = kept
	}
	r.patterns = compactRoutes(r.patterns)
	r.mu.Unlock()

	var affected []uint64
	for _, e := range removed {
		affected = append(affected, r.viaPeersFor(e)...)
	}
	r.notifyChange(affected)
}

// Find resolves destination to a delivery/forwarding decision. source and
// flowLabel feed the ECMP peer selection when a Via chain recurses to more
// than one concrete peer; previousNode feeds Reflect.
func (r *Rib) Find(destination, source bpv7.EndpointID, flowLabel uint32, previousNode bpv7.EndpointID) FindResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if actions, ok := r.local[destination.String()]; ok {
		return resolveLocalActions(actions, source, destination, flowLabel)
	}

	entries, ok := r.patternLookupLocked(destination)
	if !ok {
		return FindResult{Kind: ResultNone}
	}

	combined := combineEntries(entries)
	switch combined.kind {
	case RouteDrop:
		return FindResult{Kind: ResultDrop, Reason: combined.reason}

	case RouteReflect:
		return r.reflectLocked(previousNode)

	default: // RouteVia
		trail := map[string]bool{destination.String(): true}
		var peers []uint64
		for _, via := range combined.vias {
			peers = append(peers, r.resolveToPeersLocked(via, trail)...)
		}
		peers = dedupUint64(peers)
		if len(peers) == 0 {
			return FindResult{Kind: ResultNone}
		}
		return FindResult{Kind: ResultForward, PeerID: selectECMP(peers, source, destination, flowLabel)}
	}
}

func (r *Rib) reflectLocked(previousNode bpv7.EndpointID) FindResult {
	for _, a := range r.local[previousNode.String()] {
		if a.Kind == ForwardTo {
			return FindResult{Kind: ResultForward, PeerID: a.PeerID}
		}
	}
	return FindResult{Kind: ResultDrop, Reason: bpv7.NoRouteToDestination}
}

// resolveToPeersLocked recursively resolves eid to the set of concrete
// peer_ids it could forward through, stopping at self-loops and cycles.
func (r *Rib) resolveToPeersLocked(eid bpv7.EndpointID, trail map[string]bool) []uint64 {
	key := eid.String()
	if trail[key] {
		return nil
	}
	trail[key] = true

	if actions, ok := r.local[key]; ok {
		var peers []uint64
		for _, a := range actions {
			if a.Kind == ForwardTo {
				peers = append(peers, a.PeerID)
			}
		}
		return peers
	}

	entries, ok := r.patternLookupLocked(eid)
	if !ok {
		return nil
	}

	combined := combineEntries(entries)
	if combined.kind != RouteVia {
		// Drop/Reflect along a Via chain contributes no concrete peer.
		return nil
	}

	var peers []uint64
	for _, via := range combined.vias {
		peers = append(peers, r.resolveToPeersLocked(via, trail)...)
	}
	return peers
}

// patternLookupLocked returns the entries of the first priority level (in
// ascending order) at which any pattern matches eid.
func (r *Rib) patternLookupLocked(eid bpv7.EndpointID) ([]RouteEntry, bool) {
	i := 0
	for i < len(r.patterns) {
		priority := r.patterns[i].priority

		var matched []RouteEntry
		for i < len(r.patterns) && r.patterns[i].priority == priority {
			if r.patterns[i].pattern.Match(eid) {
				matched = append(matched, r.patterns[i].entries...)
			}
			i++
		}
		if len(matched) > 0 {
			return matched, true
		}
	}
	return nil, false
}

func (r *Rib) insertRouteLocked(priority uint32, pattern bpv7.EidPattern, entry RouteEntry) {
	for i := range r.patterns {
		if r.patterns[i].priority == priority && r.patterns[i].pattern.String() == pattern.String() {
			r.patterns[i].entries = append(r.patterns[i].entries, entry)
			r.sortPatternsLocked()
			return
		}
	}
	r.patterns = append(r.patterns, patternRoute{priority: priority, pattern: pattern, entries: []RouteEntry{entry}})
	r.sortPatternsLocked()
}

func (r *Rib) sortPatternsLocked() {
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return r.patterns[i].priority < r.patterns[j].priority
	})
}

// viaPeersFor resolves the peer set a single RouteEntry's Via target could
// presently reach, for use as the reset_peer_queue affected set. Entries
// with no Via target (Drop/Reflect) affect no peer queue directly.
func (r *Rib) viaPeersFor(entry RouteEntry) []uint64 {
	if entry.Action != RouteVia {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveToPeersLocked(entry.Via, map[string]bool{})
}

// notifyChange calls reset_peer_queue for every affected peer and wakes the
// waiting-poller unconditionally, since a Deliver/AdminEndpoint change can
// revive Waiting bundles without touching any peer queue.
func (r *Rib) notifyChange(affectedPeers []uint64) {
	for _, peerID := range dedupUint64(affectedPeers) {
		if err := r.metadata.ResetPeerQueue(peerID); err != nil {
			log.WithError(err).WithField("peer_id", peerID).
				Warn("rib: reset_peer_queue failed after a routing change")
		}
	}
	r.wake.Notify()
}

// resolveLocalActions combines a destination's local table actions by the
// same AdminEndpoint > Deliver > Forward precedence used for AdminEndpoint
// detection elsewhere, ECMP-selecting among multiple ForwardTo peers so a
// multi-homed local node_id (more than one attached peer learned the same
// EID) is resolved the same deterministic way a multi-peer Via chain is.
func resolveLocalActions(actions []LocalAction, source, destination bpv7.EndpointID, flowLabel uint32) FindResult {
	for _, a := range actions {
		if a.Kind == AdminEndpoint {
			return FindResult{Kind: ResultAdminEndpoint}
		}
	}
	for _, a := range actions {
		if a.Kind == DeliverTo {
			return FindResult{Kind: ResultDeliver, ServiceID: a.ServiceID}
		}
	}

	var peers []uint64
	for _, a := range actions {
		if a.Kind == ForwardTo {
			peers = append(peers, a.PeerID)
		}
	}
	peers = dedupUint64(peers)
	if len(peers) == 0 {
		return FindResult{Kind: ResultNone}
	}
	return FindResult{Kind: ResultForward, PeerID: selectECMP(peers, source, destination, flowLabel)}
}

type combinedRoute struct {
	kind   RouteActionKind
	reason bpv7.StatusReportReason
	vias   []bpv7.EndpointID
}

// combineEntries applies the Drop > Reflect > Via precedence across every
// entry matched at a single priority level.
func combineEntries(entries []RouteEntry) combinedRoute {
	for _, e := range entries {
		if e.Action == RouteDrop {
			return combinedRoute{kind: RouteDrop, reason: e.Reason}
		}
	}
	for _, e := range entries {
		if e.Action == RouteReflect {
			return combinedRoute{kind: RouteReflect}
		}
	}
	var vias []bpv7.EndpointID
	for _, e := range entries {
		if e.Action == RouteVia {
			vias = append(vias, e.Via)
		}
	}
	return combinedRoute{kind: RouteVia, vias: vias}
}

// selectECMP deterministically picks one of peers based on the flow tuple,
// so repeated lookups for the same flow always land on the same peer.
func selectECMP(peers []uint64, source, destination bpv7.EndpointID, flowLabel uint32) uint64 {
	if len(peers) == 1 {
		return peers[0]
	}

	sorted := append([]uint64(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := fnv.New64a()
	_, _ = h.Write([]byte(source.String()))
	_, _ = h.Write([]byte(destination.String()))
	var flowBuf [4]byte
	binary.BigEndian.PutUint32(flowBuf[:], flowLabel)
	_, _ = h.Write(flowBuf[:])

	return sorted[h.Sum64()%uint64(len(sorted))]
}

func containsAction(actions []LocalAction, action LocalAction) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func dedupUint64(vs []uint64) []uint64 {
	if len(vs) < 2 {
		return vs
	}
	seen := make(map[uint64]struct{}, len(vs))
	out := vs[:0]
	for _, v := range vs {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// compactRoutes drops pattern/priority slots left with no entries after a
// withdrawal.
func compactRoutes(routes []patternRoute) []patternRoute {
	out := routes[:0]
	for _, pr := range routes {
		if len(pr.entries) > 0 {
			out = append(out, pr)
		}
	}
	return out
}
