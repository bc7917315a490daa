// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"sync"

	"github.com/dtn7/bpa-core/bpv7"
)

// fakeMetadataStorage is an in-memory MetadataStorage double used to exercise
// the Store coordinator and Reaper without pulling in real badger I/O.
type fakeMetadataStorage struct {
	mu         sync.Mutex
	records    map[string]BundleMetadata
	tombstones map[string]bool
	confirmed  map[string]bool
}

func newFakeMetadataStorage() *fakeMetadataStorage {
	return &fakeMetadataStorage{
		records:    make(map[string]BundleMetadata),
		tombstones: make(map[string]bool),
		confirmed:  make(map[string]bool),
	}
}

func (f *fakeMetadataStorage) Get(id bpv7.BundleID) (BundleMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	meta, ok := f.records[keyOf(id)]
	if !ok {
		return BundleMetadata{}, ErrNotFound
	}
	return meta, nil
}

func (f *fakeMetadataStorage) Insert(meta BundleMetadata) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyOf(meta.ID)
	if f.tombstones[key] {
		return false, nil
	}
	if _, exists := f.records[key]; exists {
		return false, nil
	}
	f.records[key] = meta
	return true, nil
}

func (f *fakeMetadataStorage) Replace(meta BundleMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.records[keyOf(meta.ID)] = meta
	return nil
}

func (f *fakeMetadataStorage) Tombstone(id bpv7.BundleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyOf(id)
	f.tombstones[key] = true
	delete(f.records, key)
	return nil
}

func (f *fakeMetadataStorage) ConfirmExists(id bpv7.BundleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirmed[keyOf(id)] = true
	return nil
}

func (f *fakeMetadataStorage) RemoveUnconfirmed(out chan<- bpv7.BundleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, meta := range f.records {
		if !f.confirmed[key] {
			delete(f.records, key)
			if out != nil {
				out <- meta.ID
			}
		}
	}
	return nil
}

func (f *fakeMetadataStorage) BeginRecovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirmed = make(map[string]bool)
	return nil
}

func (f *fakeMetadataStorage) PollExpiry(out chan<- BundleMetadata, limit int) error {
	f.mu.Lock()
	metas := make([]BundleMetadata, 0, len(f.records))
	for _, meta := range f.records {
		metas = append(metas, meta)
	}
	f.mu.Unlock()

	for i := 0; i < len(metas); i++ {
		for j := i + 1; j < len(metas); j++ {
			if metas[j].ExpiryAt.Before(metas[i].ExpiryAt) {
				metas[i], metas[j] = metas[j], metas[i]
			}
		}
	}

	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	for _, meta := range metas {
		out <- meta
	}
	return nil
}

func (f *fakeMetadataStorage) PollWaiting(out chan<- BundleMetadata, limit int) error {
	return f.PollPending(NewStatus(StatusWaiting), out, limit)
}

func (f *fakeMetadataStorage) PollPending(status BundleStatus, out chan<- BundleMetadata, limit int) error {
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

func (f *fakeMetadataStorage) PollAduFragments(source bpv7.EndpointID, timestamp bpv7.CreationTimestamp, out chan<- BundleMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, meta := range f.records {
		if meta.Status.Kind != StatusAduFragment {
			continue
		}
		if meta.Status.FragmentSource == source && meta.Status.FragmentTimestamp == timestamp {
			out <- meta
		}
	}
	return nil
}

func (f *fakeMetadataStorage) ResetPeerQueue(peerID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, meta := range f.records {
		if meta.Status.Kind == StatusForwardPending && meta.Status.PeerID == peerID {
			meta.Status = NewStatus(StatusWaiting)
			f.records[key] = meta
		}
	}
	return nil
}

func (f *fakeMetadataStorage) GetWaitingForService(service bpv7.EndpointID) ([]BundleMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []BundleMetadata
	for _, meta := range f.records {
		if meta.Status.Kind == StatusWaitingForService && meta.Status.WaitingService == service {
			out = append(out, meta)
		}
	}
	return out, nil
}
