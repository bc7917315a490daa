// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"errors"
	"time"

	"github.com/timshannon/badgerhold"

	"github.com/dtn7/bpa-core/bpv7"
)

// ErrTombstoned is returned by Insert when the given BundleID was previously
// tombstoned and must not be reinserted.
var ErrTombstoned = errors.New("store: bundle id is tombstoned")

// ErrNotFound is returned by Get when no metadata record exists for the
// given BundleID.
var ErrNotFound = badgerhold.ErrNotFound

// MetadataStorage is the indexed backend contract: a key-value store over
// BundleMetadata keyed by (scrubbed) BundleID, plus the ordered polling
// queries the Dispatcher, Hybrid Channel and Reaper drive off of.
type MetadataStorage interface {
	Get(id bpv7.BundleID) (BundleMetadata, error)

	// Insert adds a brand-new record. It reports false (no error) if id is
	// already tombstoned or already present.
	Insert(meta BundleMetadata) (bool, error)

	// Replace overwrites the metadata for an existing, non-tombstoned id.
	Replace(meta BundleMetadata) error

	// Tombstone permanently marks id as deleted; future Insert calls for the
	// same id report false.
	Tombstone(id bpv7.BundleID) error

	// ConfirmExists marks id as present during a recovery sweep.
	ConfirmExists(id bpv7.BundleID) error

	// RemoveUnconfirmed deletes every record not marked via ConfirmExists
	// since the last call to BeginRecovery, streaming the removed ids to out.
	RemoveUnconfirmed(out chan<- bpv7.BundleID) error

	// BeginRecovery clears the confirmation marks ahead of a fresh recovery
	// sweep.
	BeginRecovery() error

	PollExpiry(out chan<- BundleMetadata, limit int) error
	PollWaiting(out chan<- BundleMetadata, limit int) error
	PollPending(status BundleStatus, out chan<- BundleMetadata, limit int) error
	PollAduFragments(source bpv7.EndpointID, timestamp bpv7.CreationTimestamp, out chan<- BundleMetadata) error

	// ResetPeerQueue moves every StatusForwardPending record for peerID back
	// to StatusWaiting, used when a peer or its CLA goes away.
	ResetPeerQueue(peerID uint64) error

	// GetWaitingForService returns every record blocked on service to
	// register.
	GetWaitingForService(service bpv7.EndpointID) ([]BundleMetadata, error)
}

// badgerRecord is the on-disk shape badgerhold indexes; it wraps
// BundleMetadata with the extra fields badgerhold needs for indexing and
// recovery bookkeeping.
type badgerRecord struct {
	Key string `badgerhold:"key"`

	Meta BundleMetadata

	StatusKind StatusKind `badgerholdIndex:"StatusKind"`
	ExpiryAt   time.Time  `badgerholdIndex:"ExpiryAt"`
	ReceivedAt time.Time  `badgerholdIndex:"ReceivedAt"`

	Tombstone bool `badgerholdIndex:"Tombstone"`
	Confirmed bool
}

func keyOf(id bpv7.BundleID) string {
	return id.Scrub().String()
}

// BadgerMetadataStorage is the reference MetadataStorage backend, built on
// badgerhold (itself a typed layer over dgraph-io/badger).
type BadgerMetadataStorage struct {
	bh *badgerhold.Store
}

// NewBadgerMetadataStorage opens (or creates) a badgerhold store rooted at dir.
func NewBadgerMetadataStorage(dir string) (*BadgerMetadataStorage, error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerMetadataStorage{bh: bh}, nil
}

// Close releases the underlying badger handles.
func (s *BadgerMetadataStorage) Close() error {
	return s.bh.Close()
}

func (s *BadgerMetadataStorage) Get(id bpv7.BundleID) (BundleMetadata, error) {
	var rec badgerRecord
	if err := s.bh.Get(keyOf(id), &rec); err != nil {
		return BundleMetadata{}, err
	}
	return rec.Meta, nil
}

func (s *BadgerMetadataStorage) Insert(meta BundleMetadata) (bool, error) {
	key := keyOf(meta.ID)

	var existing badgerRecord
	switch err := s.bh.Get(key, &existing); {
	case err == nil:
		if existing.Tombstone {
			return false, nil
		}
		return false, nil
	case err != badgerhold.ErrNotFound:
		return false, err
	}

	rec := badgerRecord{
		Key:        key,
		Meta:       meta,
		StatusKind: meta.Status.Kind,
		ExpiryAt:   meta.ExpiryAt,
		ReceivedAt: meta.ReceivedAt,
	}
	if err := s.bh.Insert(key, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerMetadataStorage) Replace(meta BundleMetadata) error {
	key := keyOf(meta.ID)
	rec := badgerRecord{
		Key:        key,
		Meta:       meta,
		StatusKind: meta.Status.Kind,
		ExpiryAt:   meta.ExpiryAt,
		ReceivedAt: meta.ReceivedAt,
	}
	return s.bh.Update(key, rec)
}

func (s *BadgerMetadataStorage) Tombstone(id bpv7.BundleID) error {
	key := keyOf(id)

	var rec badgerRecord
	if err := s.bh.Get(key, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			rec = badgerRecord{Key: key, Meta: BundleMetadata{ID: id.Scrub()}}
			rec.Tombstone = true
			return s.bh.Insert(key, rec)
		}
		return err
	}

	rec.Tombstone = true
	rec.Meta.StorageName = ""
	return s.bh.Update(key, rec)
}

func (s *BadgerMetadataStorage) ConfirmExists(id bpv7.BundleID) error {
	key := keyOf(id)

	var rec badgerRecord
	if err := s.bh.Get(key, &rec); err != nil {
		return err
	}
	rec.Confirmed = true
	return s.bh.Update(key, rec)
}

func (s *BadgerMetadataStorage) BeginRecovery() error {
	var recs []badgerRecord
	if err := s.bh.Find(&recs, badgerhold.Where("Tombstone").Eq(false)); err != nil {
		return err
	}
	for _, rec := range recs {
		rec.Confirmed = false
		if err := s.bh.Update(rec.Key, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerMetadataStorage) RemoveUnconfirmed(out chan<- bpv7.BundleID) error {
	var recs []badgerRecord
	query := badgerhold.Where("Tombstone").Eq(false).And("Confirmed").Eq(false)
	if err := s.bh.Find(&recs, query); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := s.bh.Delete(rec.Key, badgerRecord{}); err != nil {
			return err
		}
		if out != nil {
			out <- rec.Meta.ID
		}
	}
	return nil
}

func (s *BadgerMetadataStorage) PollExpiry(out chan<- BundleMetadata, limit int) error {
	var recs []badgerRecord
	query := badgerhold.Where("Tombstone").Eq(false).SortBy("ExpiryAt")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.bh.Find(&recs, query); err != nil {
		return err
	}
	for _, rec := range recs {
		out <- rec.Meta
	}
	return nil
}

func (s *BadgerMetadataStorage) PollWaiting(out chan<- BundleMetadata, limit int) error {
	var recs []badgerRecord
	query := badgerhold.Where("Tombstone").Eq(false).
		And("StatusKind").Eq(StatusWaiting).
		SortBy("ReceivedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.bh.Find(&recs, query); err != nil {
		return err
	}
	for _, rec := range recs {
		out <- rec.Meta
	}
	return nil
}

func (s *BadgerMetadataStorage) PollPending(status BundleStatus, out chan<- BundleMetadata, limit int) error {
	var recs []badgerRecord
	query := badgerhold.Where("Tombstone").Eq(false).
		And("StatusKind").Eq(status.Kind).
		SortBy("ReceivedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.bh.Find(&recs, query); err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Meta.Status.Equal(status) {
			out <- rec.Meta
		}
	}
	return nil
}

func (s *BadgerMetadataStorage) PollAduFragments(source bpv7.EndpointID, timestamp bpv7.CreationTimestamp, out chan<- BundleMetadata) error {
	var recs []badgerRecord
	query := badgerhold.Where("Tombstone").Eq(false).
		And("StatusKind").Eq(StatusAduFragment)
	if err := s.bh.Find(&recs, query); err != nil {
		return err
	}

	matched := make([]BundleMetadata, 0, len(recs))
	for _, rec := range recs {
		st := rec.Meta.Status
		if st.FragmentSource == source && st.FragmentTimestamp == timestamp {
			matched = append(matched, rec.Meta)
		}
	}

	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if matched[j].ID.FragmentOffset < matched[i].ID.FragmentOffset {
				matched[i], matched[j] = matched[j], matched[i]
			}
		}
	}

	for _, m := range matched {
		out <- m
	}
	return nil
}

func (s *BadgerMetadataStorage) ResetPeerQueue(peerID uint64) error {
	var recs []badgerRecord
	query := badgerhold.Where("Tombstone").Eq(false).
		And("StatusKind").Eq(StatusForwardPending)
	if err := s.bh.Find(&recs, query); err != nil {
		return err
	}

	for _, rec := range recs {
		if rec.Meta.Status.PeerID != peerID {
			continue
		}
		rec.Meta.Status = NewStatus(StatusWaiting)
		rec.StatusKind = StatusWaiting
		if err := s.bh.Update(rec.Key, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerMetadataStorage) GetWaitingForService(service bpv7.EndpointID) ([]BundleMetadata, error) {
	var recs []badgerRecord
	query := badgerhold.Where("Tombstone").Eq(false).
		And("StatusKind").Eq(StatusWaitingForService)
	if err := s.bh.Find(&recs, query); err != nil {
		return nil, err
	}

	metas := make([]BundleMetadata, 0, len(recs))
	for _, rec := range recs {
		if rec.Meta.Status.WaitingService == service {
			metas = append(metas, rec.Meta)
		}
	}
	return metas, nil
}
