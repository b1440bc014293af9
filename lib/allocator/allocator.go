// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package allocator manages the two persistent allocation maps of a
// blobfs image: the data-block bitmap and the node table. Callers
// reserve capacity first — reservations are visible only in memory,
// so a writer that aborts leaves no trace — and commit or release
// the reservation later.
package allocator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/format"
)

// ErrNoSpace is returned when a reservation cannot be satisfied even
// after the grower has been given a chance to add capacity.
var ErrNoSpace = errors.New("allocator: no space")

// ErrNeedBitmapSlice is returned when data capacity exists in the
// volume but the allocation bitmap itself has no room for the bits
// that would track it.
var ErrNeedBitmapSlice = errors.New("allocator: bitmap capacity exhausted")

// Grower is given one chance to add capacity when a reservation
// falls short. Implemented by the mount when the image is
// slice-extensible; nil otherwise.
type Grower interface {
	// GrowBlocks adds capacity for at least n more data blocks.
	GrowBlocks(n uint64) error

	// GrowInodes adds one slice worth of node-table capacity.
	GrowInodes() error
}

// Allocator owns the in-memory images of the block bitmap and the
// node table, plus the transient reserved state. The images are
// attached to the block device so commits can enqueue writes of the
// dirty blocks directly.
type Allocator struct {
	mu sync.Mutex

	sb     *format.Superblock
	device blockdev.Device
	grower Grower

	bitmap   []byte // on-disk allocation bitmap image
	reserved []uint64
	nodeMap  []byte // node table image

	reservedNodes map[uint32]struct{}

	bitmapID  blockdev.BufferID
	nodeMapID blockdev.BufferID
}

// New builds an allocator for the geometry in sb and attaches its
// map images to the device. Call ResetFromStorage before first use.
func New(device blockdev.Device, sb *format.Superblock, grower Grower) (*Allocator, error) {
	a := &Allocator{
		sb:            sb,
		device:        device,
		grower:        grower,
		reservedNodes: make(map[uint32]struct{}),
	}
	a.bitmap = make([]byte, sb.BlockMapBlocks()*format.BlockSize)
	a.reserved = make([]uint64, (sb.DataBlockCount+63)/64)
	a.nodeMap = make([]byte, sb.NodeMapBlocks()*format.BlockSize)

	var err error
	if a.bitmapID, err = device.Attach(a.bitmap); err != nil {
		return nil, fmt.Errorf("attaching block bitmap: %w", err)
	}
	if a.nodeMapID, err = device.Attach(a.nodeMap); err != nil {
		return nil, fmt.Errorf("attaching node table: %w", err)
	}
	return a, nil
}

// BitmapBuffer returns the device attachment of the bitmap image.
func (a *Allocator) BitmapBuffer() blockdev.BufferID { return a.bitmapID }

// NodeMapBuffer returns the device attachment of the node table
// image.
func (a *Allocator) NodeMapBuffer() blockdev.BufferID { return a.nodeMapID }

// ResetFromStorage reloads both images from the device, discarding
// any in-memory state. Reservations must not be outstanding.
func (a *Allocator) ResetFromStorage() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	requests := []blockdev.Request{
		{
			Op:       blockdev.OpRead,
			Buffer:   a.bitmapID,
			DevBlock: a.sb.BlockMapStartBlock(),
			Length:   uint32(a.sb.BlockMapBlocks()),
		},
		{
			Op:       blockdev.OpRead,
			Buffer:   a.nodeMapID,
			DevBlock: a.sb.NodeMapStartBlock(),
			Length:   uint32(a.sb.NodeMapBlocks()),
		},
	}
	if err := a.device.Transact(requests); err != nil {
		return fmt.Errorf("loading allocation maps: %w", err)
	}
	clear(a.reserved)
	clear(a.reservedNodes)
	return nil
}

// ResetMapSizes resizes both images after the superblock geometry
// changed outside the allocator (journal replay may have persisted a
// growth that memory has not seen).
func (a *Allocator) ResetMapSizes() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.growBitmapLocked(); err != nil {
		return err
	}
	return a.growNodeMapLocked()
}

func (a *Allocator) isAllocated(block uint64) bool {
	return a.bitmap[block/8]&(1<<(block%8)) != 0
}

func (a *Allocator) setAllocated(block uint64, on bool) {
	if on {
		a.bitmap[block/8] |= 1 << (block % 8)
	} else {
		a.bitmap[block/8] &^= 1 << (block % 8)
	}
}

func (a *Allocator) isReserved(block uint64) bool {
	return a.reserved[block/64]&(1<<(block%64)) != 0
}

func (a *Allocator) setReserved(block uint64, on bool) {
	if on {
		a.reserved[block/64] |= 1 << (block % 64)
	} else {
		a.reserved[block/64] &^= 1 << (block % 64)
	}
}

// ReserveBlocks carves n blocks out of free space with a first-fit
// scan from block zero. Fragmented free space yields multiple
// extents. When free space falls short, the grower gets one chance
// to extend the data region before the call fails.
func (a *Allocator) ReserveBlocks(n uint64) ([]*ReservedExtent, error) {
	a.mu.Lock()
	extents, got := a.reserveBlocksLocked(n)
	a.mu.Unlock()
	if got == n {
		return extents, nil
	}

	for _, re := range extents {
		re.Release()
	}
	if a.grower == nil {
		return nil, fmt.Errorf("%w: %d blocks requested, %d free", ErrNoSpace, n, got)
	}
	if err := a.grower.GrowBlocks(n - got); err != nil {
		if errors.Is(err, ErrNeedBitmapSlice) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNoSpace, err)
	}

	a.mu.Lock()
	extents, got = a.reserveBlocksLocked(n)
	a.mu.Unlock()
	if got == n {
		return extents, nil
	}
	for _, re := range extents {
		re.Release()
	}
	return nil, fmt.Errorf("%w: %d blocks requested, %d free after growth", ErrNoSpace, n, got)
}

func (a *Allocator) reserveBlocksLocked(n uint64) ([]*ReservedExtent, uint64) {
	var extents []*ReservedExtent
	var got uint64
	block := uint64(0)
	for got < n && block < a.sb.DataBlockCount {
		if a.isAllocated(block) || a.isReserved(block) {
			block++
			continue
		}
		start := block
		for block < a.sb.DataBlockCount && got+block-start < n &&
			block-start < format.MaxExtentLength &&
			!a.isAllocated(block) && !a.isReserved(block) {
			block++
		}
		length := block - start
		for b := start; b < block; b++ {
			a.setReserved(b, true)
		}
		extents = append(extents, &ReservedExtent{
			allocator: a,
			extent:    format.Extent{Start: uint32(start), Length: uint16(length)},
		})
		got += length
	}
	return extents, got
}

// ReserveNodes returns n currently free node indices. The grower may
// extend the node table once if the free count falls short.
func (a *Allocator) ReserveNodes(n int) ([]*ReservedNode, error) {
	a.mu.Lock()
	nodes := a.reserveNodesLocked(n)
	a.mu.Unlock()
	if len(nodes) == n {
		return nodes, nil
	}

	for _, rn := range nodes {
		rn.Release()
	}
	if a.grower == nil {
		return nil, fmt.Errorf("%w: %d nodes requested", ErrNoSpace, n)
	}
	if err := a.grower.GrowInodes(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSpace, err)
	}

	a.mu.Lock()
	nodes = a.reserveNodesLocked(n)
	a.mu.Unlock()
	if len(nodes) == n {
		return nodes, nil
	}
	for _, rn := range nodes {
		rn.Release()
	}
	return nil, fmt.Errorf("%w: %d nodes requested after growth", ErrNoSpace, n)
}

func (a *Allocator) reserveNodesLocked(n int) []*ReservedNode {
	var nodes []*ReservedNode
	for i := uint64(0); i < a.sb.InodeCount && len(nodes) < n; i++ {
		index := uint32(i)
		if _, taken := a.reservedNodes[index]; taken {
			continue
		}
		if format.NodeFlags(a.nodeSlot(index))&format.NodeFlagAllocated != 0 {
			continue
		}
		a.reservedNodes[index] = struct{}{}
		nodes = append(nodes, &ReservedNode{allocator: a, index: index})
	}
	return nodes
}

// MarkBlocksAllocated commits a reservation: the extent's bits flip
// to allocated in the on-disk bitmap image and the reservation is
// consumed.
func (a *Allocator) MarkBlocksAllocated(re *ReservedExtent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if re.consumed {
		return
	}
	ext := re.extent
	for b := uint64(ext.Start); b < uint64(ext.Start)+uint64(ext.Length); b++ {
		a.setAllocated(b, true)
		a.setReserved(b, false)
	}
	re.consumed = true
}

// FreeBlocks clears an extent's bits in the on-disk bitmap image.
func (a *Allocator) FreeBlocks(ext format.Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for b := uint64(ext.Start); b < uint64(ext.Start)+uint64(ext.Length); b++ {
		a.setAllocated(b, false)
	}
}

// CheckBlocksAllocated reports whether every block in [start, end)
// is allocated on disk.
func (a *Allocator) CheckBlocksAllocated(start, end uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for b := start; b < end; b++ {
		if b >= a.sb.DataBlockCount || !a.isAllocated(b) {
			return false
		}
	}
	return true
}

func (a *Allocator) nodeSlot(index uint32) []byte {
	off := uint64(index) * format.NodeSize
	return a.nodeMap[off : off+format.NodeSize]
}

// Inode decodes node index as a primary inode.
func (a *Allocator) Inode(index uint32) (format.Inode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.sb.InodeCount {
		return format.Inode{}, fmt.Errorf("allocator: node index %d out of range", index)
	}
	return format.DecodeInode(a.nodeSlot(index)), nil
}

// Container decodes node index as an extent container.
func (a *Allocator) Container(index uint32) (format.Container, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.sb.InodeCount {
		return format.Container{}, fmt.Errorf("allocator: node index %d out of range", index)
	}
	c := format.DecodeContainer(a.nodeSlot(index))
	if c.Flags&format.NodeFlagExtentContainer == 0 {
		return format.Container{}, fmt.Errorf("allocator: node %d is not an extent container", index)
	}
	return c, nil
}

// NodeFlags returns the flag word of a node record.
func (a *Allocator) NodeFlags(index uint32) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return format.NodeFlags(a.nodeSlot(index))
}

// WriteInode encodes a primary inode into its node-table slot. The
// caller persists the containing block.
func (a *Allocator) WriteInode(index uint32, ino *format.Inode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	format.EncodeInode(ino, a.nodeSlot(index))
	delete(a.reservedNodes, index)
}

// WriteContainer encodes an extent container into its node-table
// slot.
func (a *Allocator) WriteContainer(index uint32, c *format.Container) {
	a.mu.Lock()
	defer a.mu.Unlock()
	format.EncodeContainer(c, a.nodeSlot(index))
	delete(a.reservedNodes, index)
}

// FreeNode zeroes a node record, returning it to the free pool.
func (a *Allocator) FreeNode(index uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.nodeSlot(index))
}

// GrowMaps resizes the in-memory images to the superblock's current
// geometry, zeroing any new range. Called by the grower after it has
// extended the volume and updated the counts.
func (a *Allocator) GrowMaps() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.growBitmapLocked(); err != nil {
		return err
	}
	return a.growNodeMapLocked()
}

func (a *Allocator) growBitmapLocked() error {
	wantBytes := a.sb.BlockMapBlocks() * format.BlockSize
	if wantBytes > uint64(len(a.bitmap)) {
		grown := make([]byte, wantBytes)
		copy(grown, a.bitmap)
		if err := a.device.Detach(a.bitmapID); err != nil {
			return err
		}
		a.bitmap = grown
		var err error
		if a.bitmapID, err = a.device.Attach(a.bitmap); err != nil {
			return fmt.Errorf("reattaching block bitmap: %w", err)
		}
	}
	wantWords := (a.sb.DataBlockCount + 63) / 64
	if wantWords > uint64(len(a.reserved)) {
		grown := make([]uint64, wantWords)
		copy(grown, a.reserved)
		a.reserved = grown
	}
	return nil
}

func (a *Allocator) growNodeMapLocked() error {
	wantBytes := a.sb.NodeMapBlocks() * format.BlockSize
	if wantBytes <= uint64(len(a.nodeMap)) {
		return nil
	}
	grown := make([]byte, wantBytes)
	copy(grown, a.nodeMap)
	if err := a.device.Detach(a.nodeMapID); err != nil {
		return err
	}
	a.nodeMap = grown
	var err error
	if a.nodeMapID, err = a.device.Attach(a.nodeMap); err != nil {
		return fmt.Errorf("reattaching node table: %w", err)
	}
	return nil
}

// CountAllocatedBlocks returns the popcount of the on-disk bitmap.
// Used by consistency checks.
func (a *Allocator) CountAllocatedBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var count uint64
	for b := uint64(0); b < a.sb.DataBlockCount; b++ {
		if a.isAllocated(b) {
			count++
		}
	}
	return count
}
