// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"fmt"
	"sync"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/hybridqueue"
	"github.com/dtn7/bpa-core/rib"
	"github.com/dtn7/bpa-core/store"
)

// Peer is one registered (CLA, address) pair, auto-assigned a peer_id on
// registration. Queues[0] is the best-effort queue (no explicit priority);
// Queues[1:] are the adapter's priority queues, one hybrid channel each.
type Peer struct {
	ID      uint64
	CLAName string
	Address string
	NodeIDs []bpv7.EndpointID

	Queues []*hybridqueue.Channel
}

// Queue resolves q (nil for best-effort) to this peer's hybrid channel.
func (p *Peer) Queue(q *uint32) (*hybridqueue.Channel, error) {
	if q == nil {
		return p.Queues[0], nil
	}
	idx := int(*q) + 1
	if idx < 1 || idx >= len(p.Queues) {
		return nil, fmt.Errorf("cla: queue %d out of range for peer %d (%d priority queues)", *q, p.ID, len(p.Queues)-1)
	}
	return p.Queues[idx], nil
}

type peerKey struct {
	claName string
	address string
}

// PeerTable is the peer_id allocator and (CLA, cla_address, node_id) ->
// Peer bookkeeping. Single-peer lookups are O(1); RemoveByCLA and Peers
// walk every registered peer. All of it is guarded by a single mutex per
// §5's "Peer table: writers serialize via a short critical section;
// readers take a read-only shared view" — realized here as a plain mutex,
// since Go gives no standard library spinlock and a short, non-suspending
// critical section is exactly what sync.Mutex is for.
type PeerTable struct {
	mu     sync.Mutex
	nextID uint64
	peers  map[uint64]*Peer
	byKey  map[peerKey]uint64

	rib          *rib.Rib
	metadata     store.MetadataStorage
	channelDepth int
}

// NewPeerTable creates an empty PeerTable. channelDepth is poll_channel_depth,
// the capacity handed to every peer queue's hybrid channel.
func NewPeerTable(r *rib.Rib, metadata store.MetadataStorage, channelDepth int) *PeerTable {
	return &PeerTable{
		peers:        make(map[uint64]*Peer),
		byKey:        make(map[peerKey]uint64),
		rib:          r,
		metadata:     metadata,
		channelDepth: channelDepth,
	}
}

// AddPeer registers a new peer for (claName, address), creating its queue
// set (one best-effort queue plus queueCount priority queues) and, for
// every eid supplied, learning node_id -> Forward(peer_id) in the RIB's
// local table. An empty eids slice registers a Neighbour: reachable for
// forwarding once its queues are wired up by the CLA, but not yet a RIB
// target until an EID is learned.
func (t *PeerTable) AddPeer(claName, address string, eids []bpv7.EndpointID, queueCount uint32) (*Peer, error) {
	key := peerKey{claName: claName, address: address}

	t.mu.Lock()
	if _, exists := t.byKey[key]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("cla: peer already registered for %s at %s", claName, address)
	}

	t.nextID++
	id := t.nextID

	queues := make([]*hybridqueue.Channel, queueCount+1)
	queues[0] = hybridqueue.New(store.ForwardPending(id, 0, false), t.channelDepth, t.metadata)
	for i := uint32(1); i <= queueCount; i++ {
		queues[i] = hybridqueue.New(store.ForwardPending(id, i-1, true), t.channelDepth, t.metadata)
	}

	peer := &Peer{ID: id, CLAName: claName, Address: address, NodeIDs: append([]bpv7.EndpointID(nil), eids...), Queues: queues}
	t.peers[id] = peer
	t.byKey[key] = id
	t.mu.Unlock()

	for _, eid := range eids {
		t.rib.AddLocal(eid, rib.Forward(id))
	}

	return peer, nil
}

// RemovePeer withdraws the peer registered for (claName, address): its
// queues are closed (draining whatever storage backlog remains) and its
// RIB routes withdrawn.
func (t *PeerTable) RemovePeer(claName, address string) (*Peer, error) {
	key := peerKey{claName: claName, address: address}

	t.mu.Lock()
	id, ok := t.byKey[key]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("cla: no peer registered for %s at %s", claName, address)
	}
	peer := t.peers[id]
	delete(t.byKey, key)
	delete(t.peers, id)
	t.mu.Unlock()

	for _, q := range peer.Queues {
		q.Close()
	}
	for _, eid := range peer.NodeIDs {
		t.rib.RemoveLocal(eid, rib.Forward(id))
	}

	return peer, nil
}

// RemoveByCLA withdraws every peer registered under claName, used when a
// CLA unregisters or is restarted.
func (t *PeerTable) RemoveByCLA(claName string) []*Peer {
	t.mu.Lock()
	var keys []peerKey
	for key := range t.byKey {
		if key.claName == claName {
			keys = append(keys, key)
		}
	}
	t.mu.Unlock()

	removed := make([]*Peer, 0, len(keys))
	for _, key := range keys {
		if peer, err := t.RemovePeer(key.claName, key.address); err == nil {
			removed = append(removed, peer)
		}
	}
	return removed
}

// Get looks up a peer by its assigned peer_id.
func (t *PeerTable) Get(id uint64) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Peers returns a snapshot of every currently registered peer.
func (t *PeerTable) Peers() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}
