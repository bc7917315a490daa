// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"sync"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// fakeMetadataStorage is a real in-memory store.MetadataStorage, unlike the
// no-op doubles other packages use: the dispatcher's tests exercise the
// polling queries directly, so they need actual bookkeeping behind them.
type fakeMetadataStorage struct {
	mu        sync.Mutex
	records   map[string]store.BundleMetadata
	tombstone map[string]bool
	confirmed map[string]bool
}

func newFakeMetadataStorage() *fakeMetadataStorage {
	return &fakeMetadataStorage{
		records:   make(map[string]store.BundleMetadata),
		tombstone: make(map[string]bool),
		confirmed: make(map[string]bool),
	}
}

func idKey(id bpv7.BundleID) string {
	return id.String()
}

func (f *fakeMetadataStorage) Get(id bpv7.BundleID) (store.BundleMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.records[idKey(id)]
	if !ok {
		return store.BundleMetadata{}, store.ErrNotFound
	}
	return meta, nil
}

func (f *fakeMetadataStorage) Insert(meta store.BundleMetadata) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := idKey(meta.ID)
	if f.tombstone[key] {
		return false, nil
	}
	if _, exists := f.records[key]; exists {
		return false, nil
	}
	f.records[key] = meta
	return true, nil
}

func (f *fakeMetadataStorage) Replace(meta store.BundleMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[idKey(meta.ID)] = meta
	return nil
}

func (f *fakeMetadataStorage) Tombstone(id bpv7.BundleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := idKey(id)
	delete(f.records, key)
	f.tombstone[key] = true
	return nil
}

func (f *fakeMetadataStorage) ConfirmExists(id bpv7.BundleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed[idKey(id)] = true
	return nil
}

func (f *fakeMetadataStorage) RemoveUnconfirmed(out chan<- bpv7.BundleID) error {
	f.mu.Lock()
	var toRemove []string
	for key := range f.records {
		if !f.confirmed[key] {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		delete(f.records, key)
	}
	f.mu.Unlock()

	for _, key := range toRemove {
		out <- bpv7.BundleID{} // test fakes never inspect the emitted id's contents
		_ = key
	}
	return nil
}

func (f *fakeMetadataStorage) BeginRecovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = make(map[string]bool)
	return nil
}

func (f *fakeMetadataStorage) PollExpiry(out chan<- store.BundleMetadata, limit int) error {
	return nil
}

func (f *fakeMetadataStorage) PollWaiting(out chan<- store.BundleMetadata, limit int) error {
	return f.PollPending(store.NewStatus(store.StatusWaiting), out, limit)
}

func (f *fakeMetadataStorage) PollPending(status store.BundleStatus, out chan<- store.BundleMetadata, limit int) error {
	f.mu.Lock()
	var matched []store.BundleMetadata
	for _, meta := range f.records {
		if meta.Status.Equal(status) {
			matched = append(matched, meta)
		}
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	f.mu.Unlock()

	for _, meta := range matched {
		out <- meta
	}
	return nil
}

func (f *fakeMetadataStorage) PollAduFragments(source bpv7.EndpointID, timestamp bpv7.CreationTimestamp, out chan<- store.BundleMetadata) error {
	f.mu.Lock()
	var matched []store.BundleMetadata
	for _, meta := range f.records {
		if meta.Status.Kind == store.StatusAduFragment &&
			meta.Status.FragmentSource == source && meta.Status.FragmentTimestamp == timestamp {
			matched = append(matched, meta)
		}
	}
	f.mu.Unlock()

	for _, meta := range matched {
		out <- meta
	}
	return nil
}

func (f *fakeMetadataStorage) ResetPeerQueue(peerID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, meta := range f.records {
		if meta.Status.Kind == store.StatusForwardPending && meta.Status.PeerID == peerID {
			meta.Status = store.NewStatus(store.StatusWaiting)
			f.records[key] = meta
		}
	}
	return nil
}

func (f *fakeMetadataStorage) GetWaitingForService(service bpv7.EndpointID) ([]store.BundleMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []store.BundleMetadata
	for _, meta := range f.records {
		if meta.Status.Kind == store.StatusWaitingForService && meta.Status.WaitingService == service {
			matched = append(matched, meta)
		}
	}
	return matched, nil
}
