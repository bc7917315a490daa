// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"os"
	"testing"
	"time"

	"github.com/dtn7/bpa-core/bpv7"
)

func setupMetadataStorage(t *testing.T) (*BadgerMetadataStorage, string) {
	dir := setupTempDir(t)

	s, err := NewBadgerMetadataStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestBadgerMetadataStorageInsertGet(t *testing.T) {
	s, dir := setupMetadataStorage(t)
	defer os.RemoveAll(dir)
	defer s.Close()

	id := testBundleID("dtn://a/")
	meta := BundleMetadata{ID: id, Status: NewStatus(StatusNew), ReceivedAt: time.Now()}

	ok, err := s.Insert(meta)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Insert on a brand-new id reported false")
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID.String() != id.String() {
		t.Fatalf("Get().ID = %v, want %v", got.ID, id)
	}
}

func TestBadgerMetadataStorageInsertDuplicate(t *testing.T) {
	s, dir := setupMetadataStorage(t)
	defer os.RemoveAll(dir)
	defer s.Close()

	id := testBundleID("dtn://b/")
	meta := BundleMetadata{ID: id, Status: NewStatus(StatusNew), ReceivedAt: time.Now()}

	if ok, err := s.Insert(meta); err != nil || !ok {
		t.Fatalf("first Insert = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, err := s.Insert(meta); err != nil || ok {
		t.Fatalf("second Insert = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestBadgerMetadataStorageTombstoneBlocksReinsert(t *testing.T) {
	s, dir := setupMetadataStorage(t)
	defer os.RemoveAll(dir)
	defer s.Close()

	id := testBundleID("dtn://c/")
	meta := BundleMetadata{ID: id, Status: NewStatus(StatusNew), ReceivedAt: time.Now()}

	if ok, err := s.Insert(meta); err != nil || !ok {
		t.Fatal(err)
	}
	if err := s.Tombstone(id); err != nil {
		t.Fatal(err)
	}

	if ok, err := s.Insert(meta); err != nil || ok {
		t.Fatalf("Insert after Tombstone = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestBadgerMetadataStoragePollWaitingOrdering(t *testing.T) {
	s, dir := setupMetadataStorage(t)
	defer os.RemoveAll(dir)
	defer s.Close()

	base := time.Now()
	ids := []string{"dtn://first/", "dtn://second/", "dtn://third/"}
	for i, uri := range ids {
		meta := BundleMetadata{
			ID:         testBundleID(uri),
			Status:     NewStatus(StatusWaiting),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.Insert(meta); err != nil {
			t.Fatal(err)
		}
	}

	out := make(chan BundleMetadata, len(ids))
	if err := s.PollWaiting(out, 0); err != nil {
		t.Fatal(err)
	}
	close(out)

	var got []string
	for meta := range out {
		got = append(got, meta.ID.SourceNode.String())
	}

	if len(got) != len(ids) {
		t.Fatalf("PollWaiting returned %d records, want %d", len(got), len(ids))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] == got[i] {
			t.Fatalf("unexpected duplicate entries: %v", got)
		}
	}
	for i, uri := range ids {
		if want := testBundleID(uri).SourceNode.String(); got[i] != want {
			t.Fatalf("PollWaiting order = %v, want oldest ReceivedAt first (%v at %d)", got, want, i)
		}
	}
}

func TestBadgerMetadataStorageResetPeerQueue(t *testing.T) {
	s, dir := setupMetadataStorage(t)
	defer os.RemoveAll(dir)
	defer s.Close()

	id := testBundleID("dtn://d/")
	meta := BundleMetadata{
		ID:         id,
		Status:     ForwardPending(42, 0, false),
		ReceivedAt: time.Now(),
	}
	if _, err := s.Insert(meta); err != nil {
		t.Fatal(err)
	}

	if err := s.ResetPeerQueue(42); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status.Kind != StatusWaiting {
		t.Fatalf("Status.Kind = %v, want StatusWaiting", got.Status.Kind)
	}
}

func TestBadgerMetadataStorageRecoverySweep(t *testing.T) {
	s, dir := setupMetadataStorage(t)
	defer os.RemoveAll(dir)
	defer s.Close()

	kept := testBundleID("dtn://kept/")
	lost := testBundleID("dtn://lost/")

	if _, err := s.Insert(BundleMetadata{ID: kept, Status: NewStatus(StatusNew), ReceivedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(BundleMetadata{ID: lost, Status: NewStatus(StatusNew), ReceivedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := s.BeginRecovery(); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfirmExists(kept); err != nil {
		t.Fatal(err)
	}

	removed := make(chan bpv7.BundleID, 4)
	if err := s.RemoveUnconfirmed(removed); err != nil {
		t.Fatal(err)
	}
	close(removed)

	var removedIDs []string
	for id := range removed {
		removedIDs = append(removedIDs, id.String())
	}
	if len(removedIDs) != 1 || removedIDs[0] != lost.String() {
		t.Fatalf("RemoveUnconfirmed removed %v, want exactly [%v]", removedIDs, lost)
	}

	if _, err := s.Get(kept); err != nil {
		t.Fatalf("confirmed record was removed by the recovery sweep: %v", err)
	}
	if _, err := s.Get(lost); err == nil {
		t.Fatal("unconfirmed record survived the recovery sweep")
	}
}
