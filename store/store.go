// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
)

// ErrDuplicate is returned by Store when the bundle's id already exists (or
// is tombstoned); the caller's data was never attached to the store.
var ErrDuplicate = errors.New("store: duplicate bundle id")

// Config bundles the tunables the Store coordinator needs at construction
// time.
type Config struct {
	// MaxCachedEntries bounds how many blobs the in-memory LRU holds.
	MaxCachedEntries int
	// MaxCachedSize bounds the size of any single blob eligible for caching.
	MaxCachedSize int
	// PollChannelDepth caps the reaper's in-memory expiry set.
	PollChannelDepth int
}

// Store is the coordinator described by the component design: it owns a
// BundleStorage, a MetadataStorage, an LRU blob cache, and a Reaper, and
// implements the atomic store/delete contract on top of them.
type Store struct {
	blobs    BundleStorage
	metadata MetadataStorage
	cache    *BlobCache
	reaper   *Reaper
}

// New creates a Store wired over the given backends.
func New(blobs BundleStorage, metadata MetadataStorage, cfg Config, onExpire ExpireFunc) (*Store, error) {
	cache, err := NewBlobCache(cfg.MaxCachedEntries, cfg.MaxCachedSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		blobs:    blobs,
		metadata: metadata,
		cache:    cache,
	}
	s.reaper = NewReaper(metadata, cfg.PollChannelDepth, onExpire)
	return s, nil
}

// RunReaper drives the reaper loop until ctx is cancelled. Callers typically
// run this in its own task via runtime.Pool.Spawn.
func (s *Store) RunReaper(ctx context.Context) {
	s.reaper.Run(ctx)
}

// NotifyNewExpiry wakes the reaper so it reconsiders its sleep deadline.
// StoreBundle and AdoptBlob call this themselves for a fresh New/Waiting
// record; a caller that moves a bundle into a lifetime-bound status through
// Replace instead (Dispatching at ingest, Waiting when no route exists yet)
// must call this itself, since Replace does not know whether the record it
// just wrote carries the soonest expiry the reaper has seen.
func (s *Store) NotifyNewExpiry() {
	s.reaper.NotifyNewExpiry()
}

// StoreBundle executes the atomic store contract: save the blob, then insert
// the metadata; on a duplicate id, the just-saved blob is deleted so no
// orphan remains.
func (s *Store) StoreBundle(meta BundleMetadata, data []byte) error {
	name, err := s.blobs.Save(data)
	if err != nil {
		return err
	}
	meta.StorageName = name

	ok, err := s.metadata.Insert(meta)
	if err != nil {
		_ = s.blobs.Delete(name)
		return err
	}
	if !ok {
		if delErr := s.blobs.Delete(name); delErr != nil {
			log.WithError(delErr).WithField("bundle", meta.ID.String()).
				Warn("store: failed to delete orphaned blob after duplicate insert")
		}
		return ErrDuplicate
	}

	s.cache.Insert(name, data)
	if meta.Status.Kind == StatusNew || meta.Status.Kind == StatusWaiting {
		s.reaper.NotifyNewExpiry()
	}

	return nil
}

// Load returns a bundle's blob, consulting the cache before falling back to
// BundleStorage.
func (s *Store) Load(meta BundleMetadata) ([]byte, error) {
	if data, ok := s.cache.Peek(meta.StorageName); ok {
		return data, nil
	}

	data, err := s.blobs.Load(meta.StorageName)
	if err != nil {
		return nil, err
	}
	s.cache.Insert(meta.StorageName, data)
	return data, nil
}

// Replace overwrites a bundle's metadata in place (used for status
// transitions that do not change the blob), per the shared-resource policy
// of publishing a whole replacement value rather than mutating in place.
func (s *Store) Replace(meta BundleMetadata) error {
	return s.metadata.Replace(meta)
}

// Get returns the current metadata for id.
func (s *Store) Get(id bpv7.BundleID) (BundleMetadata, error) {
	return s.metadata.Get(id)
}

// DeleteBundle executes the delete contract: tombstone the metadata last, so
// a crash between steps leaves a blob orphan (detectable, harmless) rather
// than a metadata record pointing at a missing blob.
func (s *Store) DeleteBundle(id bpv7.BundleID) error {
	meta, err := s.metadata.Get(id)
	if err != nil {
		return err
	}

	if err := s.blobs.Delete(meta.StorageName); err != nil {
		log.WithError(err).WithField("bundle", id.String()).
			Warn("store: failed to delete blob, will be reclaimed on recovery")
	}
	s.cache.Remove(meta.StorageName)

	return s.metadata.Tombstone(id)
}

// LoadBlobByName returns a blob's bytes by its opaque storage name directly,
// bypassing the metadata lookup Load normally keys off of. The Recovery
// Coordinator needs this: a recovered blob has no BundleMetadata yet, since
// discovering whether one exists requires parsing the blob first.
func (s *Store) LoadBlobByName(name string) ([]byte, error) {
	if data, ok := s.cache.Peek(name); ok {
		return data, nil
	}
	data, err := s.blobs.Load(name)
	if err != nil {
		return nil, err
	}
	s.cache.Insert(name, data)
	return data, nil
}

// DeleteBlobByName removes a blob by its opaque storage name, with no
// corresponding metadata record to tombstone. Used by the Recovery
// Coordinator to discard duplicate or unparseable recovered blobs.
func (s *Store) DeleteBlobByName(name string) error {
	s.cache.Remove(name)
	return s.blobs.Delete(name)
}

// AdoptBlob inserts metadata for a blob that already exists under
// meta.StorageName, without saving it again. Used by the Recovery
// Coordinator to register an orphaned blob (one with no matching metadata
// record) that parsed successfully.
func (s *Store) AdoptBlob(meta BundleMetadata) (bool, error) {
	ok, err := s.metadata.Insert(meta)
	if err != nil {
		return false, err
	}
	if ok && (meta.Status.Kind == StatusNew || meta.Status.Kind == StatusWaiting) {
		s.reaper.NotifyNewExpiry()
	}
	return ok, nil
}

// RecoverBlobs lists every blob BundleStorage still holds, the input a
// Recovery Coordinator needs for phase one of its reconciliation sweep (see
// package dispatch): cross-referencing this list against MetadataStorage
// records via ConfirmExists, then calling FinishRecovery to evict whatever
// metadata nothing confirmed.
func (s *Store) RecoverBlobs() ([]StoredBlob, error) {
	return s.blobs.Recover()
}

// BeginRecovery clears confirmation marks ahead of a fresh recovery sweep.
func (s *Store) BeginRecovery() error {
	return s.metadata.BeginRecovery()
}

// ConfirmExists marks id as present during a recovery sweep.
func (s *Store) ConfirmExists(id bpv7.BundleID) error {
	return s.metadata.ConfirmExists(id)
}

// FinishRecovery deletes every metadata record not confirmed since the last
// BeginRecovery call, logging each one removed.
func (s *Store) FinishRecovery() error {
	removed := make(chan bpv7.BundleID, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.metadata.RemoveUnconfirmed(removed)
		close(removed)
	}()

	for id := range removed {
		log.WithField("bundle", id.String()).
			Warn("store: removed unconfirmed metadata record during recovery")
	}

	return <-done
}
