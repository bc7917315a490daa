// SPDX-License-Identifier: GPL-3.0-or-later

package service

import (
	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// fakeMetadataStorage is a no-op store.MetadataStorage double, matching
// the one in rib/ and cla/: the Rib these tests exercise only needs a
// working interface value, never a real lookup.
type fakeMetadataStorage struct{}

func (f *fakeMetadataStorage) ResetPeerQueue(uint64) error { return nil }
func (f *fakeMetadataStorage) Get(bpv7.BundleID) (store.BundleMetadata, error) {
	return store.BundleMetadata{}, store.ErrNotFound
}
func (f *fakeMetadataStorage) Insert(store.BundleMetadata) (bool, error)    { return true, nil }
func (f *fakeMetadataStorage) Replace(store.BundleMetadata) error           { return nil }
func (f *fakeMetadataStorage) Tombstone(bpv7.BundleID) error                { return nil }
func (f *fakeMetadataStorage) ConfirmExists(bpv7.BundleID) error            { return nil }
func (f *fakeMetadataStorage) RemoveUnconfirmed(chan<- bpv7.BundleID) error { return nil }
func (f *fakeMetadataStorage) BeginRecovery() error                         { return nil }
func (f *fakeMetadataStorage) PollExpiry(chan<- store.BundleMetadata, int) error  { return nil }
func (f *fakeMetadataStorage) PollWaiting(chan<- store.BundleMetadata, int) error { return nil }
func (f *fakeMetadataStorage) PollPending(store.BundleStatus, chan<- store.BundleMetadata, int) error {
	return nil
}
func (f *fakeMetadataStorage) PollAduFragments(bpv7.EndpointID, bpv7.CreationTimestamp, chan<- store.BundleMetadata) error {
	return nil
}
func (f *fakeMetadataStorage) GetWaitingForService(bpv7.EndpointID) ([]store.BundleMetadata, error) {
	return nil, nil
}
