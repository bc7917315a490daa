// SPDX-License-Identifier: GPL-3.0-or-later

package hybridqueue

import (
	"sync"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// fakeMetadataStorage is a minimal in-memory store.MetadataStorage double,
// enough to exercise the Channel's refill/re-open logic without pulling in
// real badger I/O.
type fakeMetadataStorage struct {
	mu      sync.Mutex
	records map[string]store.BundleMetadata
}

func newFakeMetadataStorage() *fakeMetadataStorage {
	return &fakeMetadataStorage{records: make(map[string]store.BundleMetadata)}
}

func (f *fakeMetadataStorage) put(meta store.BundleMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[meta.ID.Scrub().String()] = meta
}

func (f *fakeMetadataStorage) Get(id bpv7.BundleID) (store.BundleMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.records[id.Scrub().String()]
	if !ok {
		return store.BundleMetadata{}, store.ErrNotFound
	}
	return meta, nil
}

func (f *fakeMetadataStorage) Insert(meta store.BundleMetadata) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := meta.ID.Scrub().String()
	if _, exists := f.records[key]; exists {
		return false, nil
	}
	f.records[key] = meta
	return true, nil
}

func (f *fakeMetadataStorage) Replace(meta store.BundleMetadata) error {
	f.put(meta)
	return nil
}

func (f *fakeMetadataStorage) Tombstone(id bpv7.BundleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id.Scrub().String())
	return nil
}

func (f *fakeMetadataStorage) ConfirmExists(bpv7.BundleID) error { return nil }

func (f *fakeMetadataStorage) RemoveUnconfirmed(chan<- bpv7.BundleID) error { return nil }

func (f *fakeMetadataStorage) BeginRecovery() error { return nil }

func (f *fakeMetadataStorage) PollExpiry(out chan<- store.BundleMetadata, limit int) error {
	return nil
}

func (f *fakeMetadataStorage) PollWaiting(out chan<- store.BundleMetadata, limit int) error {
	return f.PollPending(store.NewStatus(store.StatusWaiting), out, limit)
}

func (f *fakeMetadataStorage) PollPending(status store.BundleStatus, out chan<- store.BundleMetadata, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, meta := range f.records {
		if !meta.Status.Equal(status) {
			continue
		}
		if limit > 0 && n >= limit {
			break
		}
		out <- meta
		n++
	}
	return nil
}

func (f *fakeMetadataStorage) PollAduFragments(bpv7.EndpointID, bpv7.CreationTimestamp, chan<- store.BundleMetadata) error {
	return nil
}

func (f *fakeMetadataStorage) ResetPeerQueue(uint64) error { return nil }

func (f *fakeMetadataStorage) GetWaitingForService(bpv7.EndpointID) ([]store.BundleMetadata, error) {
	return nil, nil
}
