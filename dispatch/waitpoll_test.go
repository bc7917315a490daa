// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"testing"
	"time"

	"github.com/dtn7/bpa-core/store"
)

func TestRunWaitPollerRevivesOnRibChange(t *testing.T) {
	h := newTestHarness(t)
	source := mustEid(t, "dtn://src/")
	dest := mustEid(t, "dtn://newly-local/")

	bndl := buildBundle(t, source, dest, 0)
	data := mustEncode(t, bndl)
	id := bndl.ID()
	meta := store.BundleMetadata{ID: id, ReceivedAt: time.Now(), Status: store.NewStatus(store.StatusWaiting)}
	if err := h.dispatcher.store.StoreBundle(meta, data); err != nil {
		t.Fatal(err)
	}

	ctx := testCtx(t)
	go h.dispatcher.RunWaitPoller(ctx)

	// No route yet: the initial poll should leave it Waiting.
	waitFor(t, func() bool {
		got, err := h.metadata.Get(id)
		return err == nil && got.Status.Kind == store.StatusWaiting
	})

	// Registering a service for dest installs a RIB local route and wakes
	// the poller, which should now deliver straight through.
	svc := &fakeService{}
	if err := h.services.Register(dest, svc); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, err := h.metadata.Get(id)
		return err != nil
	})
	if len(svc.received) != 1 {
		t.Fatalf("received = %d deliveries, want 1", len(svc.received))
	}
}

func TestReviveWaitingForServiceRedispatchesTargetedEndpoint(t *testing.T) {
	h := newTestHarness(t)
	source := mustEid(t, "dtn://src/")
	dest := mustEid(t, "dtn://node/app/")

	svc := &fakeService{}
	if err := h.services.Register(dest, svc); err != nil {
		t.Fatal(err)
	}

	bndl := buildBundle(t, source, dest, 0)
	data := mustEncode(t, bndl)
	id := bndl.ID()
	meta := store.BundleMetadata{
		ID:         id,
		ReceivedAt: time.Now(),
		Status:     store.WaitingForServiceStatus(dest),
	}
	if err := h.dispatcher.store.StoreBundle(meta, data); err != nil {
		t.Fatal(err)
	}

	ctx := testCtx(t)
	h.dispatcher.ReviveWaitingForService(ctx, dest)

	if len(svc.received) != 1 {
		t.Fatalf("received = %d deliveries, want 1", len(svc.received))
	}
	if _, err := h.metadata.Get(id); err == nil {
		t.Fatal("expected delivered bundle to be removed")
	}
}
