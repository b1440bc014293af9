// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iterator

import (
	"fmt"

	"github.com/bureau-foundation/blobfs/lib/allocator"
	"github.com/bureau-foundation/blobfs/lib/format"
)

// IterationCommand is returned by the extent callback of a walk.
type IterationCommand int

const (
	// Continue proceeds to the next extent.
	Continue IterationCommand = iota

	// Stop ends the walk after the current extent. The caller uses
	// this when the blob needs fewer blocks than were reserved.
	Stop
)

// NodeStore is the node-table surface the populator writes through.
// Implemented by the allocator.
type NodeStore interface {
	Inode(index uint32) (format.Inode, error)
	WriteInode(index uint32, ino *format.Inode)
	WriteContainer(index uint32, c *format.Container)
}

// NodePopulator turns a writer's reserved extents and nodes into a
// committed inode chain: extents are assigned to the primary inode
// first, overflow goes into containers linked through the next
// pointers.
type NodePopulator struct {
	store   NodeStore
	extents []*allocator.ReservedExtent
	nodes   []*allocator.ReservedNode
}

// NewNodePopulator takes ownership of the reservations. Reservations
// not consumed by Walk are released.
func NewNodePopulator(store NodeStore, extents []*allocator.ReservedExtent, nodes []*allocator.ReservedNode) *NodePopulator {
	return &NodePopulator{store: store, extents: extents, nodes: nodes}
}

// Walk assigns extents into nodes and persists them through the
// callbacks. onExtent fires before an extent is recorded, so it may
// split the reservation (the recorded extent reflects the split) and
// may return Stop to end the walk early. onNode fires once per node
// record actually written. The primary inode's slot must already
// hold the blob's fields; Walk preserves them and fills in the
// extent bookkeeping.
func (p *NodePopulator) Walk(
	onNode func(node *allocator.ReservedNode),
	onExtent func(extent *allocator.ReservedExtent) IterationCommand,
) error {
	if len(p.nodes) == 0 {
		return fmt.Errorf("iterator: populator needs at least one reserved node")
	}

	// Run the extent callbacks first: each may split its
	// reservation, and a Stop truncates the chain. Record the
	// post-callback extent values.
	var placed []format.Extent
	stopped := false
	for _, re := range p.extents {
		if stopped {
			re.Release()
			continue
		}
		command := onExtent(re)
		placed = append(placed, re.Extent())
		if command == Stop {
			stopped = true
		}
	}

	need := format.NodeCountForExtents(len(placed))
	if need > len(p.nodes) {
		return fmt.Errorf("iterator: %d extents need %d nodes, have %d reserved",
			len(placed), need, len(p.nodes))
	}

	primary := p.nodes[0]
	ino, err := p.store.Inode(primary.Index())
	if err != nil {
		return err
	}
	ino.Flags |= format.NodeFlagAllocated
	ino.ExtentCount = uint16(len(placed))
	ino.Next = 0
	if len(placed) > 0 {
		ino.InlineExtent = placed[0]
	} else {
		ino.InlineExtent = format.Extent{}
	}
	if len(placed) > format.InodeInlineExtents {
		ino.Next = p.nodes[1].Index()
	}
	p.store.WriteInode(primary.Index(), &ino)
	onNode(primary)

	rest := placed[min(len(placed), format.InodeInlineExtents):]
	nodeSlot := 1
	for len(rest) > 0 {
		count := min(len(rest), format.ContainerExtents)
		c := format.Container{
			Flags:       format.NodeFlagAllocated | format.NodeFlagExtentContainer,
			ExtentCount: uint16(count),
		}
		copy(c.Extents[:], rest[:count])
		rest = rest[count:]
		if len(rest) > 0 {
			c.Next = p.nodes[nodeSlot+1].Index()
		}
		node := p.nodes[nodeSlot]
		p.store.WriteContainer(node.Index(), &c)
		onNode(node)
		nodeSlot++
	}

	// Reserved nodes beyond the chain drop their claims.
	for _, rn := range p.nodes[nodeSlot:] {
		rn.Release()
	}
	return nil
}
