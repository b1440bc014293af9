// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"runtime"
	"sync"

	"github.com/bureau-foundation/blobfs/lib/digest"
)

// blobCache interns live blob objects by digest across two tables:
// open holds blobs with at least one outstanding handle, closed
// holds fully released blobs retained for warm lookup. One mutex
// guards both; it is held only for table manipulation, never across
// I/O.
type blobCache struct {
	mu     sync.Mutex
	open   map[digest.Digest]*Blob
	closed map[digest.Digest]*Blob
	policy CachePolicy
}

func newBlobCache(policy CachePolicy) *blobCache {
	return &blobCache{
		open:   make(map[digest.Digest]*Blob),
		closed: make(map[digest.Digest]*Blob),
		policy: policy,
	}
}

// lookup returns a strong reference to the blob with the given
// digest, resurrecting it from the closed table if needed.
//
// The upgrade from the open table can race the blob's final release:
// the entry is present but its refcount has already hit zero and the
// releasing thread has not yet moved it to the closed table. The
// window is tiny, so spin — drop the lock, yield, retry.
func (c *blobCache) lookup(d digest.Digest) (*Blob, error) {
	for {
		c.mu.Lock()
		if b, ok := c.open[d]; ok {
			if b.tryAcquire() {
				c.mu.Unlock()
				return b, nil
			}
			c.mu.Unlock()
			runtime.Gosched()
			continue
		}
		if b, ok := c.closed[d]; ok {
			delete(c.closed, d)
			c.open[d] = b
			b.refs.Store(1)
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()
		return nil, ErrNotFound
	}
}

// insertOpen registers a brand-new blob with one handle. Fails if
// the digest is already interned in either table.
func (c *blobCache) insertOpen(b *Blob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[b.digest]; ok {
		return ErrAlreadyExists
	}
	if _, ok := c.closed[b.digest]; ok {
		return ErrAlreadyExists
	}
	b.refs.Store(1)
	c.open[b.digest] = b
	return nil
}

// insertClosed registers a committed blob with no handles, as during
// mount-time population. Fails if the digest is already present —
// two allocated inodes with one digest is corruption.
func (c *blobCache) insertClosed(b *Blob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.closed[b.digest]; ok {
		return ErrAlreadyExists
	}
	if _, ok := c.open[b.digest]; ok {
		return ErrAlreadyExists
	}
	c.closed[b.digest] = b
	return nil
}

// releaseSoft moves a fully released blob from open to closed. If a
// concurrent lookup resurrected it first, nothing happens.
func (c *blobCache) releaseSoft(b *Blob) {
	c.mu.Lock()
	if b.refs.Load() != 0 {
		// Resurrected between the caller's decrement and here.
		c.mu.Unlock()
		return
	}
	delete(c.open, b.digest)
	c.closed[b.digest] = b
	policy := c.policy
	c.mu.Unlock()

	if policy == CacheEvictImmediately {
		b.tearDownCaches()
	}
}

// releaseHard removes a blob from the open table for destruction.
func (c *blobCache) releaseHard(b *Blob) {
	c.mu.Lock()
	delete(c.open, b.digest)
	c.mu.Unlock()
}

// openBlobs snapshots the open table. Shutdown uses it to break
// clone self-pins without holding the cache lock while doing so.
func (c *blobCache) openBlobs() []*Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	blobs := make([]*Blob, 0, len(c.open))
	for _, b := range c.open {
		blobs = append(blobs, b)
	}
	return blobs
}

func (c *blobCache) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}
