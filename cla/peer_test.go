// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"testing"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/rib"
)

func mustEid(t *testing.T, uri string) bpv7.EndpointID {
	t.Helper()
	eid, err := bpv7.NewEndpointID(uri)
	if err != nil {
		t.Fatalf("NewEndpointID(%q): %v", uri, err)
	}
	return eid
}

func TestPeerTableAddPeerCreatesQueuesAndRibRoute(t *testing.T) {
	r := rib.New(&fakeMetadataStorage{})
	pt := NewPeerTable(r, &fakeMetadataStorage{}, 8)

	eid := mustEid(t, "dtn://neighbour/")
	peer, err := pt.AddPeer("tcpclv4", "1.2.3.4:4556", []bpv7.EndpointID{eid}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(peer.Queues) != 3 {
		t.Fatalf("len(Queues) = %d, want 3 (1 best-effort + 2 priority)", len(peer.Queues))
	}

	res := r.Find(eid, mustEid(t, "dtn://src/"), 0, bpv7.EndpointID{})
	if res.Kind != rib.ResultForward || res.PeerID != peer.ID {
		t.Fatalf("Find = %+v, want ResultForward to peer %d", res, peer.ID)
	}
}

func TestPeerTableAddPeerDuplicateFails(t *testing.T) {
	r := rib.New(&fakeMetadataStorage{})
	pt := NewPeerTable(r, &fakeMetadataStorage{}, 8)

	if _, err := pt.AddPeer("tcpclv4", "1.2.3.4:4556", nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := pt.AddPeer("tcpclv4", "1.2.3.4:4556", nil, 0); err == nil {
		t.Fatal("AddPeer should reject a duplicate (cla, address) pair")
	}
}

func TestPeerTableAddPeerMultiEidRegistersEveryRoute(t *testing.T) {
	r := rib.New(&fakeMetadataStorage{})
	pt := NewPeerTable(r, &fakeMetadataStorage{}, 8)

	a := mustEid(t, "dtn://a/")
	b := mustEid(t, "dtn://b/")
	peer, err := pt.AddPeer("tcpclv4", "1.2.3.4:4556", []bpv7.EndpointID{a, b}, 0)
	if err != nil {
		t.Fatal(err)
	}

	for _, eid := range []bpv7.EndpointID{a, b} {
		res := r.Find(eid, mustEid(t, "dtn://src/"), 0, bpv7.EndpointID{})
		if res.Kind != rib.ResultForward || res.PeerID != peer.ID {
			t.Fatalf("Find(%v) = %+v, want ResultForward to peer %d", eid, res, peer.ID)
		}
	}
}

func TestPeerTableRemovePeerClosesQueuesAndWithdrawsRoutes(t *testing.T) {
	r := rib.New(&fakeMetadataStorage{})
	pt := NewPeerTable(r, &fakeMetadataStorage{}, 8)

	eid := mustEid(t, "dtn://neighbour/")
	peer, err := pt.AddPeer("tcpclv4", "1.2.3.4:4556", []bpv7.EndpointID{eid}, 1)
	if err != nil {
		t.Fatal(err)
	}

	removed, err := pt.RemovePeer("tcpclv4", "1.2.3.4:4556")
	if err != nil {
		t.Fatal(err)
	}
	if removed.ID != peer.ID {
		t.Fatalf("RemovePeer returned peer %d, want %d", removed.ID, peer.ID)
	}

	res := r.Find(eid, mustEid(t, "dtn://src/"), 0, bpv7.EndpointID{})
	if res.Kind != rib.ResultNone {
		t.Fatalf("Find after RemovePeer = %+v, want ResultNone", res)
	}

	if _, ok := pt.Get(peer.ID); ok {
		t.Fatal("peer should no longer be present after RemovePeer")
	}
}

func TestPeerTableRemoveByClaWithdrawsAllItsPeers(t *testing.T) {
	r := rib.New(&fakeMetadataStorage{})
	pt := NewPeerTable(r, &fakeMetadataStorage{}, 8)

	if _, err := pt.AddPeer("tcpclv4", "addr-a", nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := pt.AddPeer("tcpclv4", "addr-b", nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := pt.AddPeer("mtcp", "addr-c", nil, 0); err != nil {
		t.Fatal(err)
	}

	removed := pt.RemoveByCLA("tcpclv4")
	if len(removed) != 2 {
		t.Fatalf("RemoveByCLA removed %d peers, want 2", len(removed))
	}
	if len(pt.Peers()) != 1 {
		t.Fatalf("Peers() left %d, want 1", len(pt.Peers()))
	}
}

func TestPeerQueueResolvesBestEffortAndPriority(t *testing.T) {
	r := rib.New(&fakeMetadataStorage{})
	pt := NewPeerTable(r, &fakeMetadataStorage{}, 8)

	peer, err := pt.AddPeer("tcpclv4", "addr", nil, 2)
	if err != nil {
		t.Fatal(err)
	}

	if q, err := peer.Queue(nil); err != nil || q != peer.Queues[0] {
		t.Fatalf("Queue(nil) = %v, %v, want best-effort queue", q, err)
	}
	prio := uint32(1)
	if q, err := peer.Queue(&prio); err != nil || q != peer.Queues[2] {
		t.Fatalf("Queue(1) = %v, %v, want Queues[2]", q, err)
	}
	bad := uint32(5)
	if _, err := peer.Queue(&bad); err == nil {
		t.Fatal("Queue(5) should fail: only 2 priority queues registered")
	}
}
