// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package format

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/blobfs/lib/digest"
)

// JournalMinBlocks is the smallest journal region accepted: the info
// block plus a ring of seven blocks. An entry larger than the ring is
// rejected when it is staged.
const JournalMinBlocks = 8

// Node flag bits, stored in the first two bytes of every node
// record.
const (
	// NodeFlagAllocated marks a record that is in use.
	NodeFlagAllocated uint16 = 1 << 0

	// NodeFlagExtentContainer marks a continuation record rather
	// than a primary inode.
	NodeFlagExtentContainer uint16 = 1 << 1

	// NodeFlagLZ4Compressed marks a blob whose data region holds an
	// LZ4 stream instead of raw bytes.
	NodeFlagLZ4Compressed uint16 = 1 << 2

	// NodeFlagZstdCompressed marks a blob whose data region holds a
	// zstd stream instead of raw bytes.
	NodeFlagZstdCompressed uint16 = 1 << 3
)

// Extent is a contiguous run of data blocks. Start is relative to
// the data region.
type Extent struct {
	Start  uint32
	Length uint16
}

// Inode is a primary node record. The disk-ordered concatenation of
// its extents (inline first, then each container in chain order)
// lays out [merkle || data] for the blob.
type Inode struct {
	Flags        uint16
	Next         uint32
	MerkleRoot   digest.Digest
	BlobSize     uint64
	BlockCount   uint32
	ExtentCount  uint16
	InlineExtent Extent
}

// Container is a continuation record holding additional extents for
// one blob.
type Container struct {
	Flags       uint16
	Next        uint32
	ExtentCount uint16
	Extents     [ContainerExtents]Extent
}

// Allocated reports whether the inode record is in use.
func (ino *Inode) Allocated() bool { return ino.Flags&NodeFlagAllocated != 0 }

// Compressed reports whether the blob's data region is compressed,
// with either algorithm.
func (ino *Inode) Compressed() bool {
	return ino.Flags&(NodeFlagLZ4Compressed|NodeFlagZstdCompressed) != 0
}

func putExtent(b []byte, e Extent) {
	binary.LittleEndian.PutUint32(b[0:], e.Start)
	binary.LittleEndian.PutUint16(b[4:], e.Length)
	binary.LittleEndian.PutUint16(b[6:], 0)
}

func getExtent(b []byte) Extent {
	return Extent{
		Start:  binary.LittleEndian.Uint32(b[0:]),
		Length: binary.LittleEndian.Uint16(b[4:]),
	}
}

// EncodeInode writes an inode record into a 64-byte slot.
func EncodeInode(ino *Inode, b []byte) {
	_ = b[NodeSize-1]
	clear(b[:NodeSize])
	binary.LittleEndian.PutUint16(b[0:], ino.Flags)
	binary.LittleEndian.PutUint32(b[4:], ino.Next)
	copy(b[8:40], ino.MerkleRoot[:])
	binary.LittleEndian.PutUint64(b[40:], ino.BlobSize)
	binary.LittleEndian.PutUint32(b[48:], ino.BlockCount)
	binary.LittleEndian.PutUint16(b[52:], ino.ExtentCount)
	putExtent(b[56:], ino.InlineExtent)
}

// DecodeInode parses a 64-byte node slot as a primary inode.
func DecodeInode(b []byte) Inode {
	var ino Inode
	ino.Flags = binary.LittleEndian.Uint16(b[0:])
	ino.Next = binary.LittleEndian.Uint32(b[4:])
	copy(ino.MerkleRoot[:], b[8:40])
	ino.BlobSize = binary.LittleEndian.Uint64(b[40:])
	ino.BlockCount = binary.LittleEndian.Uint32(b[48:])
	ino.ExtentCount = binary.LittleEndian.Uint16(b[52:])
	ino.InlineExtent = getExtent(b[56:])
	return ino
}

// EncodeContainer writes a container record into a 64-byte slot.
func EncodeContainer(c *Container, b []byte) {
	_ = b[NodeSize-1]
	clear(b[:NodeSize])
	binary.LittleEndian.PutUint16(b[0:], c.Flags|NodeFlagExtentContainer)
	binary.LittleEndian.PutUint32(b[4:], c.Next)
	binary.LittleEndian.PutUint16(b[8:], c.ExtentCount)
	for i := range c.Extents {
		putExtent(b[16+i*8:], c.Extents[i])
	}
}

// DecodeContainer parses a 64-byte node slot as an extent container.
func DecodeContainer(b []byte) Container {
	var c Container
	c.Flags = binary.LittleEndian.Uint16(b[0:])
	c.Next = binary.LittleEndian.Uint32(b[4:])
	c.ExtentCount = binary.LittleEndian.Uint16(b[8:])
	for i := range c.Extents {
		c.Extents[i] = getExtent(b[16+i*8:])
	}
	return c
}

// NodeFlags reads just the flag word of a 64-byte node slot, enough
// to classify the record without a full decode.
func NodeFlags(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b[0:])
}

// NodeCountForExtents returns the minimum number of node records
// needed to hold k extents: one primary inode plus however many
// containers the overflow requires.
func NodeCountForExtents(extentCount int) int {
	if extentCount <= InodeInlineExtents {
		return 1
	}
	overflow := extentCount - InodeInlineExtents
	return 1 + (overflow+ContainerExtents-1)/ContainerExtents
}

// MerkleBlocks returns the number of blocks the Merkle region of a
// blob of the given size occupies.
func MerkleBlocks(treeLength uint64) uint32 {
	return uint32((treeLength + BlockSize - 1) / BlockSize)
}

// DataBlocks returns the number of blocks the raw data of a blob of
// the given size occupies.
func DataBlocks(blobSize uint64) (uint32, error) {
	blocks := (blobSize + BlockSize - 1) / BlockSize
	if blocks > 0xFFFFFFFF {
		return 0, fmt.Errorf("blob of %d bytes exceeds the representable block count", blobSize)
	}
	return uint32(blocks), nil
}
