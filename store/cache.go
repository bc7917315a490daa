// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	lru "github.com/hashicorp/golang-lru"
)

// BlobCache is an in-memory LRU cache over storage_name -> bytes, sparing a
// BundleStorage load for bundles that were recently saved or read. Peek does
// not reorder the LRU list, so a scan-like sweep (e.g. the reaper walking
// expiring bundles) does not evict genuinely hot entries.
type BlobCache struct {
	lru       *lru.Cache
	maxCached int
}

// NewBlobCache creates a BlobCache holding up to entries items, each no
// larger than maxCachedSize bytes.
func NewBlobCache(entries int, maxCachedSize int) (*BlobCache, error) {
	c, err := lru.New(entries)
	if err != nil {
		return nil, err
	}
	return &BlobCache{lru: c, maxCached: maxCachedSize}, nil
}

// Peek returns the cached bytes for name without promoting it in the LRU
// order.
func (c *BlobCache) Peek(name string) ([]byte, bool) {
	v, ok := c.lru.Peek(name)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Insert adds data under name, unless it exceeds the configured max cached
// size, in which case Insert is a silent no-op.
func (c *BlobCache) Insert(name string, data []byte) {
	if len(data) > c.maxCached {
		return
	}
	c.lru.Add(name, data)
}

// Remove evicts name from the cache, if present. Callers delete the
// underlying blob from BundleStorage separately; Remove only clears the
// cache's copy.
func (c *BlobCache) Remove(name string) {
	c.lru.Remove(name)
}

// Len returns the number of entries currently cached.
func (c *BlobCache) Len() int {
	return c.lru.Len()
}
