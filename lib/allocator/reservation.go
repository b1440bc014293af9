// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"github.com/bureau-foundation/blobfs/lib/format"
)

// ReservedExtent is a transient claim on a run of data blocks. It is
// visible only to the reserving writer: the blocks cannot be handed
// out again, but nothing is persisted until MarkBlocksAllocated.
// Releasing (or abandoning the writer that holds it) drops the claim
// silently.
type ReservedExtent struct {
	allocator *Allocator
	extent    format.Extent
	consumed  bool
	released  bool
}

// Extent returns the reserved run.
func (re *ReservedExtent) Extent() format.Extent { return re.extent }

// SplitAt truncates the reservation to its first length blocks,
// releasing the tail. Used when a blob compresses into fewer blocks
// than were reserved.
func (re *ReservedExtent) SplitAt(length uint16) {
	a := re.allocator
	a.mu.Lock()
	defer a.mu.Unlock()
	if re.consumed || re.released || length >= re.extent.Length {
		return
	}
	for b := uint64(re.extent.Start) + uint64(length); b < uint64(re.extent.Start)+uint64(re.extent.Length); b++ {
		a.setReserved(b, false)
	}
	re.extent.Length = length
}

// Release drops the claim. Safe to call more than once, and a no-op
// after the reservation was committed.
func (re *ReservedExtent) Release() {
	a := re.allocator
	a.mu.Lock()
	defer a.mu.Unlock()
	if re.consumed || re.released {
		return
	}
	for b := uint64(re.extent.Start); b < uint64(re.extent.Start)+uint64(re.extent.Length); b++ {
		a.setReserved(b, false)
	}
	re.released = true
}

// ReservedNode is a transient claim on a free node-table index.
type ReservedNode struct {
	allocator *Allocator
	index     uint32
}

// Index returns the claimed node index.
func (rn *ReservedNode) Index() uint32 { return rn.index }

// Release drops the claim. A node consumed by WriteInode or
// WriteContainer no longer holds a claim, so releasing it then is a
// no-op.
func (rn *ReservedNode) Release() {
	a := rn.allocator
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reservedNodes, rn.index)
}
