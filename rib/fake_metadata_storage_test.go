// SPDX-License-Identifier: GPL-3.0-or-later

package rib

import (
	"sync"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// fakeMetadataStorage only needs to record ResetPeerQueue calls; the rest of
// store.MetadataStorage is unused by the Rib and stubbed out.
type fakeMetadataStorage struct {
	mu    sync.Mutex
	reset []uint64
}

func (f *fakeMetadataStorage) resetCalls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.reset...)
}

func (f *fakeMetadataStorage) ResetPeerQueue(peerID uint64) error {
	f.mu.Lock()
	f.reset = append(f.reset, peerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeMetadataStorage) Get(bpv7.BundleID) (store.BundleMetadata, error) {
	return store.BundleMetadata{}, store.ErrNotFound
}
func (f *fakeMetadataStorage) Insert(store.BundleMetadata) (bool, error)  { return true, nil }
func (f *fakeMetadataStorage) Replace(store.BundleMetadata) error         { return nil }
func (f *fakeMetadataStorage) Tombstone(bpv7.BundleID) error              { return nil }
func (f *fakeMetadataStorage) ConfirmExists(bpv7.BundleID) error         { return nil }
func (f *fakeMetadataStorage) RemoveUnconfirmed(chan<- bpv7.BundleID) error { return nil }
func (f *fakeMetadataStorage) BeginRecovery() error                       { return nil }
func (f *fakeMetadataStorage) PollExpiry(chan<- store.BundleMetadata, int) error   { return nil }
func (f *fakeMetadataStorage) PollWaiting(chan<- store.BundleMetadata, int) error  { return nil }
func (f *fakeMetadataStorage) PollPending(store.BundleStatus, chan<- store.BundleMetadata, int) error {
	return nil
}
func (f *fakeMetadataStorage) PollAduFragments(bpv7.EndpointID, bpv7.CreationTimestamp, chan<- store.BundleMetadata) error {
	return nil
}
func (f *fakeMetadataStorage) GetWaitingForService(bpv7.EndpointID) ([]store.BundleMetadata, error) {
	return nil, nil
}
