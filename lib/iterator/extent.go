// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package iterator walks the extent chain of a blob — across the
// primary inode and its overflow containers, or across a writer's
// still-uncommitted extent list — and flattens it into contiguous
// device-block runs.
package iterator

import (
	"fmt"

	"github.com/bureau-foundation/blobfs/lib/allocator"
	"github.com/bureau-foundation/blobfs/lib/format"
)

// NodeSource supplies node records by index. Implemented by the
// allocator's node-table image.
type NodeSource interface {
	Inode(index uint32) (format.Inode, error)
	Container(index uint32) (format.Container, error)
}

// ExtentIterator yields the extents of one blob in disk order.
type ExtentIterator interface {
	// Done reports whether every extent has been yielded.
	Done() bool

	// Next yields the next extent.
	Next() (format.Extent, error)

	// ExtentIndex returns the absolute index of the next extent.
	ExtentIndex() int

	// NodeIndex returns the node that held the most recently yielded
	// extent (the primary inode before the first Next).
	NodeIndex() uint32
}

// AllocatedExtentIterator walks a committed inode chain: the primary
// inode's inline extents, then each container reached through the
// next pointers.
type AllocatedExtentIterator struct {
	source      NodeSource
	inode       format.Inode
	container   *format.Container
	nodeIndex   uint32
	local       int // next extent within the current node
	absolute    int
	total       int
	nodePrimary bool
}

// NewAllocatedExtentIterator positions an iterator at the first
// extent of the blob whose primary inode is nodeIndex.
func NewAllocatedExtentIterator(source NodeSource, nodeIndex uint32) (*AllocatedExtentIterator, error) {
	ino, err := source.Inode(nodeIndex)
	if err != nil {
		return nil, err
	}
	if !ino.Allocated() {
		return nil, fmt.Errorf("iterator: node %d is not allocated", nodeIndex)
	}
	if ino.Flags&format.NodeFlagExtentContainer != 0 {
		return nil, fmt.Errorf("iterator: node %d is a container, not a primary inode", nodeIndex)
	}
	return &AllocatedExtentIterator{
		source:      source,
		inode:       ino,
		nodeIndex:   nodeIndex,
		total:       int(ino.ExtentCount),
		nodePrimary: true,
	}, nil
}

// Done reports whether every extent has been yielded.
func (it *AllocatedExtentIterator) Done() bool { return it.absolute >= it.total }

// ExtentIndex returns the absolute index of the next extent.
func (it *AllocatedExtentIterator) ExtentIndex() int { return it.absolute }

// NodeIndex returns the node that held the most recently yielded
// extent (the primary inode before the first Next).
func (it *AllocatedExtentIterator) NodeIndex() uint32 { return it.nodeIndex }

// Next yields the next extent in disk order.
func (it *AllocatedExtentIterator) Next() (format.Extent, error) {
	if it.Done() {
		return format.Extent{}, fmt.Errorf("iterator: extent chain exhausted")
	}
	if it.nodePrimary {
		if it.local < format.InodeInlineExtents {
			ext := it.inode.InlineExtent
			it.local++
			it.absolute++
			return ext, nil
		}
		if err := it.advance(it.inode.Next); err != nil {
			return format.Extent{}, err
		}
	}
	for it.local >= int(it.container.ExtentCount) {
		if err := it.advance(it.container.Next); err != nil {
			return format.Extent{}, err
		}
	}
	ext := it.container.Extents[it.local]
	it.local++
	it.absolute++
	return ext, nil
}

func (it *AllocatedExtentIterator) advance(next uint32) error {
	if next == 0 {
		return fmt.Errorf("iterator: chain ends at node %d with %d of %d extents",
			it.nodeIndex, it.absolute, it.total)
	}
	c, err := it.source.Container(next)
	if err != nil {
		return err
	}
	if c.Flags&format.NodeFlagAllocated == 0 {
		return fmt.Errorf("iterator: container %d is not allocated", next)
	}
	it.container = &c
	it.nodeIndex = next
	it.local = 0
	it.nodePrimary = false
	return nil
}

// VectorExtentIterator yields from an explicit reservation list.
// Used on the write path, before the chain is materialized on disk.
type VectorExtentIterator struct {
	extents  []*allocator.ReservedExtent
	absolute int
}

// NewVectorExtentIterator wraps a writer's reserved extents.
func NewVectorExtentIterator(extents []*allocator.ReservedExtent) *VectorExtentIterator {
	return &VectorExtentIterator{extents: extents}
}

// Done reports whether every extent has been yielded.
func (it *VectorExtentIterator) Done() bool { return it.absolute >= len(it.extents) }

// ExtentIndex returns the absolute index of the next extent.
func (it *VectorExtentIterator) ExtentIndex() int { return it.absolute }

// NodeIndex returns zero; reserved extents have no node yet.
func (it *VectorExtentIterator) NodeIndex() uint32 { return 0 }

// Next yields the next reserved extent.
func (it *VectorExtentIterator) Next() (format.Extent, error) {
	if it.Done() {
		return format.Extent{}, fmt.Errorf("iterator: extent list exhausted")
	}
	ext := it.extents[it.absolute].Extent()
	it.absolute++
	return ext, nil
}
