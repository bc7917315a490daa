// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"crypto/sha256"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BundleStorage is the blob backend contract: it knows nothing about bundle
// structure, only opaque named byte slices.
type BundleStorage interface {
	// Save persists data and returns an opaque name by which it can later be
	// loaded or deleted.
	Save(data []byte) (name string, err error)

	// Load returns the bytes previously saved under name, or an error if no
	// such name is known.
	Load(name string) (data []byte, err error)

	// Delete removes the blob stored under name. Deleting an unknown name is
	// not an error.
	Delete(name string) error

	// Recover streams every (name, stored_at) pair currently on disk, for use
	// by the Recovery Coordinator's reconciliation pass.
	Recover() ([]StoredBlob, error)
}

// StoredBlob is one entry yielded by BundleStorage.Recover.
type StoredBlob struct {
	Name     string
	StoredAt time.Time
}

// FileBundleStorage is the reference BundleStorage backend: one file per
// blob, named by the sha256 of the blob's content plus a nanosecond
// timestamp, so that paths stay short regardless of BundleID length.
//
// Save provides atomic replace: data is written to a temporary file in the
// same directory, fsynced, then renamed over the destination (rename is
// atomic within a single filesystem), and the directory is fsynced so the
// rename itself survives a crash.
type FileBundleStorage struct {
	dir string
}

// NewFileBundleStorage creates a FileBundleStorage rooted at dir, creating
// dir if it does not already exist.
func NewFileBundleStorage(dir string) (*FileBundleStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileBundleStorage{dir: dir}, nil
}

func (fs *FileBundleStorage) path(name string) string {
	return filepath.Join(fs.dir, name)
}

// Save writes data under a freshly minted name derived from its content hash
// plus a timestamp, so repeated saves of identical payloads never collide.
func (fs *FileBundleStorage) Save(data []byte) (string, error) {
	name := fmt.Sprintf("%x-%d", sha256.Sum256(data), time.Now().UnixNano())
	dst := fs.path(name)

	tmp, err := ioutil.TempFile(fs.dir, "tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	if dirF, err := os.Open(fs.dir); err == nil {
		_ = dirF.Sync()
		_ = dirF.Close()
	}

	return name, nil
}

// Load reads back the bytes stored under name.
func (fs *FileBundleStorage) Load(name string) ([]byte, error) {
	return ioutil.ReadFile(fs.path(name))
}

// Delete removes the blob stored under name.
func (fs *FileBundleStorage) Delete(name string) error {
	if err := os.Remove(fs.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Recover lists every blob currently on disk along with its modification
// time, which stands in for stored_at.
func (fs *FileBundleStorage) Recover() ([]StoredBlob, error) {
	entries, err := ioutil.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}

	blobs := make([]StoredBlob, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "tmp-") {
			continue
		}
		blobs = append(blobs, StoredBlob{Name: e.Name(), StoredAt: e.ModTime()})
	}
	return blobs, nil
}
