// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"testing"
	"time"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

func storeFragments(t *testing.T, h *testHarness, frags []bpv7.Bundle, expiryAt time.Time) {
	t.Helper()
	for _, frag := range frags {
		data := mustEncode(t, frag)
		meta := store.BundleMetadata{
			ID:         frag.ID(),
			ReceivedAt: time.Now(),
			ExpiryAt:   expiryAt,
			Status:     store.AduFragmentStatus(frag.PrimaryBlock.SourceNode, frag.PrimaryBlock.CreationTimestamp),
		}
		if err := h.dispatcher.store.StoreBundle(meta, data); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCheckReassemblyCompleteSetRedispatches(t *testing.T) {
	h := newTestHarness(t)
	source := mustEid(t, "dtn://src/")
	dest := mustEid(t, "dtn://node/app/")

	whole := buildBundle(t, source, dest, 0)
	frags, err := whole.Fragment(64)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) < 2 {
		t.Fatalf("fragment count = %d, want >= 2", len(frags))
	}

	storeFragments(t, h, frags, time.Now().Add(time.Hour))

	ctx := testCtx(t)
	h.dispatcher.checkReassembly(ctx, source, frags[0].PrimaryBlock.CreationTimestamp)

	// The fragments should have been dropped, and a reassembled whole
	// bundle dispatched and since there is no route, parked Waiting.
	for _, frag := range frags {
		if _, err := h.metadata.Get(frag.ID()); err == nil {
			t.Fatalf("expected fragment %v to be deleted after reassembly", frag.ID())
		}
	}

	h.metadata.mu.Lock()
	defer h.metadata.mu.Unlock()
	found := false
	for _, meta := range h.metadata.records {
		if meta.Status.Kind == store.StatusWaiting {
			found = true
		}
	}
	if !found {
		t.Fatal("expected reassembled bundle to be parked Waiting")
	}
}

func TestCheckReassemblyIncompleteNotExpiredWaits(t *testing.T) {
	h := newTestHarness(t)
	source := mustEid(t, "dtn://src/")
	dest := mustEid(t, "dtn://node/app/")

	whole := buildBundle(t, source, dest, 0)
	frags, err := whole.Fragment(64)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) < 2 {
		t.Fatalf("fragment count = %d, want >= 2", len(frags))
	}

	// Only store the first fragment: the set is incomplete.
	storeFragments(t, h, frags[:1], time.Now().Add(time.Hour))

	ctx := testCtx(t)
	h.dispatcher.checkReassembly(ctx, source, frags[0].PrimaryBlock.CreationTimestamp)

	if _, err := h.metadata.Get(frags[0].ID()); err != nil {
		t.Fatal("incomplete, unexpired fragment should not have been dropped")
	}
}

func TestCheckReassemblyExpiredIncompleteDropsAll(t *testing.T) {
	h := newTestHarness(t)
	source := mustEid(t, "dtn://src/")
	dest := mustEid(t, "dtn://node/app/")

	whole := buildBundle(t, source, dest, 0)
	frags, err := whole.Fragment(64)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) < 2 {
		t.Fatalf("fragment count = %d, want >= 2", len(frags))
	}

	storeFragments(t, h, frags[:1], time.Now().Add(-time.Minute))

	ctx := testCtx(t)
	h.dispatcher.checkReassembly(ctx, source, frags[0].PrimaryBlock.CreationTimestamp)

	if _, err := h.metadata.Get(frags[0].ID()); err == nil {
		t.Fatal("expected expired incomplete fragment to be dropped")
	}
}
