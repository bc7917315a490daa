// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/cla"
	"github.com/dtn7/bpa-core/filter"
	"github.com/dtn7/bpa-core/rib"
	"github.com/dtn7/bpa-core/service"
	"github.com/dtn7/bpa-core/store"
)

func mustEid(t *testing.T, uri string) bpv7.EndpointID {
	t.Helper()
	eid, err := bpv7.NewEndpointID(uri)
	if err != nil {
		t.Fatalf("NewEndpointID(%q): %v", uri, err)
	}
	return eid
}

type testHarness struct {
	dispatcher *Dispatcher
	metadata   *fakeMetadataStorage
	rib        *rib.Rib
	peers      *cla.PeerTable
	clas       *cla.Registry
	services   *service.Registry
	dir        string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dir, err := os.MkdirTemp("", "dispatch-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	blobs, err := store.NewFileBundleStorage(dir)
	if err != nil {
		t.Fatal(err)
	}

	metadata := newFakeMetadataStorage()
	st, err := store.New(blobs, metadata, store.Config{
		MaxCachedEntries: 64,
		MaxCachedSize:    1 << 20,
		PollChannelDepth: 8,
	}, func(store.BundleMetadata) {})
	if err != nil {
		t.Fatal(err)
	}

	r := rib.New(metadata)
	peers := cla.NewPeerTable(r, metadata, 8)
	filters := filter.NewRegistry()

	cfg := Config{
		NodeID:               mustEid(t, "dtn://node/"),
		StatusReportsEnabled: true,
		ProcessingPoolSize:   4,
		PollChannelDepth:     8,
		DispatchWorkers:      1,
		DefaultLifetime:      time.Hour,
	}
	d := New(cfg, st, metadata, r, filters, peers)

	clas := cla.NewRegistry(peers, d)
	services := service.NewRegistry(r, d)
	d.SetCLARegistry(clas)
	d.SetServiceRegistry(services)

	return &testHarness{
		dispatcher: d,
		metadata:   metadata,
		rib:        r,
		peers:      peers,
		clas:       clas,
		services:   services,
		dir:        dir,
	}
}

// buildBundle builds a small, valid bundle from source to destination,
// with the requested control flags.
func buildBundle(t *testing.T, source, destination bpv7.EndpointID, flags bpv7.BundleControlFlags) bpv7.Bundle {
	t.Helper()
	bndl, err := bpv7.Builder().
		Source(source).
		Destination(destination).
		ReportTo(source).
		CreationTimestampNow().
		Lifetime(time.Hour).
		BundleCtrlFlags(flags).
		HopCountBlock(32).
		PayloadBlock([]byte("hello")).
		Build()
	if err != nil {
		t.Fatalf("failed to build test bundle: %v", err)
	}
	return bndl
}

func mustEncode(t *testing.T, bndl bpv7.Bundle) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := bndl.WriteBundle(&buf); err != nil {
		t.Fatalf("failed to encode test bundle: %v", err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
