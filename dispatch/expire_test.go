// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"testing"
	"time"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

func TestHandleExpireReportsDeletionAndDeletes(t *testing.T) {
	h := newTestHarness(t)
	source := mustEid(t, "dtn://src/")
	dest := mustEid(t, "dtn://unreachable/")

	bndl := buildBundle(t, source, dest, bpv7.StatusRequestDeletion)
	data := mustEncode(t, bndl)
	id := bndl.ID()
	meta := store.BundleMetadata{ID: id, ReceivedAt: time.Now(), Status: store.NewStatus(store.StatusWaiting)}
	if err := h.dispatcher.store.StoreBundle(meta, data); err != nil {
		t.Fatal(err)
	}
	meta, err := h.metadata.Get(id)
	if err != nil {
		t.Fatal(err)
	}

	h.dispatcher.HandleExpire(meta)

	if _, err := h.metadata.Get(id); err == nil {
		t.Fatal("expected expired bundle to be deleted")
	}

	// HandleExpire originates a status report rather than delivering one
	// straight to a service, so its effect is a freshly stored bundle,
	// checkpointed to Dispatching by the ingest path, addressed back to the
	// expired bundle's ReportTo.
	out := make(chan store.BundleMetadata, 8)
	done := make(chan error, 1)
	go func() {
		done <- h.metadata.PollPending(store.NewStatus(store.StatusDispatching), out, 0)
		close(out)
	}()
	var reportMeta store.BundleMetadata
	found := false
	for m := range out {
		reportMeta = m
		found = true
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected HandleExpire to originate a status report bundle")
	}

	reportData, err := h.dispatcher.store.Load(reportMeta)
	if err != nil {
		t.Fatal(err)
	}
	report, err := bpv7.ParseBundle(bytes.NewReader(reportData))
	if err != nil {
		t.Fatal(err)
	}
	if report.PrimaryBlock.Destination != source {
		t.Fatalf("report destination = %v, want %v (the expired bundle's ReportTo)", report.PrimaryBlock.Destination, source)
	}
	ar, err := report.AdministrativeRecord()
	if err != nil {
		t.Fatal(err)
	}
	sr, ok := ar.(*bpv7.StatusReport)
	if !ok {
		t.Fatalf("administrative record = %T, want *bpv7.StatusReport", ar)
	}
	if sr.ReportReason != bpv7.LifetimeExpired {
		t.Fatalf("report reason = %v, want LifetimeExpired", sr.ReportReason)
	}
	if sr.RefBundle != id {
		t.Fatalf("report RefBundle = %v, want %v", sr.RefBundle, id)
	}
}

func TestHandleExpireWithoutStorageNameOnlyDeletes(t *testing.T) {
	h := newTestHarness(t)
	id := bpv7.BundleID{SourceNode: mustEid(t, "dtn://src/")}
	meta := store.BundleMetadata{ID: id}

	// Never stored; HandleExpire must not fail trying to load or report on
	// a bundle it was never given a blob for.
	h.dispatcher.HandleExpire(meta)
}
