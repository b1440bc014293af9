// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package format

import (
	"testing"

	"github.com/bureau-foundation/blobfs/lib/digest"
)

func testSuperblock() Superblock {
	return Superblock{
		Magic:             Magic,
		Version:           Version,
		BlockSize:         BlockSize,
		InodeCount:        4 * NodesPerBlock,
		DataBlockCount:    2048,
		JournalBlockCount: 16,
	}
}

func TestSuperblockRoundtrip(t *testing.T) {
	sb := testSuperblock()
	sb.Flags = FlagCleanUnmount
	sb.AllocBlockCount = 77
	sb.AllocInodeCount = 5

	block := make([]byte, BlockSize)
	if err := EncodeSuperblock(&sb, block); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeSuperblock(block)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != sb {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", decoded, sb)
	}
}

func TestDecodeSuperblockRejectsBadMagic(t *testing.T) {
	sb := testSuperblock()
	block := make([]byte, BlockSize)
	if err := EncodeSuperblock(&sb, block); err != nil {
		t.Fatal(err)
	}
	block[0] ^= 0xFF
	if _, err := DecodeSuperblock(block); err == nil {
		t.Error("bad magic should fail decode")
	}
}

func TestRegionGeometry(t *testing.T) {
	sb := testSuperblock()

	// [superblock | journal | bitmap | nodes | data]
	if got := sb.JournalStartBlock(); got != 1 {
		t.Errorf("journal start = %d, want 1", got)
	}
	wantBitmapStart := 1 + sb.JournalBlockCount
	if got := sb.BlockMapStartBlock(); got != wantBitmapStart {
		t.Errorf("bitmap start = %d, want %d", got, wantBitmapStart)
	}
	if got := sb.BlockMapBlocks(); got != 1 {
		t.Errorf("bitmap blocks = %d, want 1 (2048 bits fit one block)", got)
	}
	wantNodeStart := wantBitmapStart + 1
	if got := sb.NodeMapStartBlock(); got != wantNodeStart {
		t.Errorf("node start = %d, want %d", got, wantNodeStart)
	}
	if got := sb.NodeMapBlocks(); got != 4 {
		t.Errorf("node blocks = %d, want 4", got)
	}
	wantData := wantNodeStart + 4
	if got := sb.DataStartBlock(); got != wantData {
		t.Errorf("data start = %d, want %d", got, wantData)
	}
	if got := sb.TotalBlocks(); got != wantData+sb.DataBlockCount {
		t.Errorf("total = %d, want %d", got, wantData+sb.DataBlockCount)
	}
}

func TestSliceModeGeometry(t *testing.T) {
	sb := testSuperblock()
	sb.Flags = FlagSliceMode
	sb.SliceSize = 32 * BlockSize
	sb.ABMSlices, sb.InoSlices, sb.JournalSlices, sb.DatSlices = 1, 1, 1, 1
	sb.InodeCount = sb.SliceSize / NodeSize
	sb.JournalBlockCount = 32
	sb.DataBlockCount = 32

	if got := sb.BlockMapStartBlock(); got != SliceBlockMapStart {
		t.Errorf("bitmap start = %#x, want %#x", got, SliceBlockMapStart)
	}
	if got := sb.NodeMapStartBlock(); got != SliceNodeMapStart {
		t.Errorf("node start = %#x, want %#x", got, SliceNodeMapStart)
	}
	if got := sb.JournalStartBlock(); got != SliceJournalStart {
		t.Errorf("journal start = %#x, want %#x", got, SliceJournalStart)
	}
	if got := sb.DataStartBlock(); got != SliceDataStart {
		t.Errorf("data start = %#x, want %#x", got, SliceDataStart)
	}
	if err := CheckSuperblock(&sb, 0); err != nil {
		t.Errorf("slice-mode check failed: %v", err)
	}
}

func TestCheckSuperblockFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Superblock)
	}{
		{"bad block size", func(sb *Superblock) { sb.BlockSize = 4096 }},
		{"journal too small", func(sb *Superblock) { sb.JournalBlockCount = 2 }},
		{"ragged inode count", func(sb *Superblock) { sb.InodeCount = 100 }},
		{"alloc exceeds blocks", func(sb *Superblock) { sb.AllocBlockCount = sb.DataBlockCount + 1 }},
		{"alloc exceeds inodes", func(sb *Superblock) { sb.AllocInodeCount = sb.InodeCount + 1 }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			sb := testSuperblock()
			tt.mutate(&sb)
			if err := CheckSuperblock(&sb, 1<<20); err == nil {
				t.Error("check should fail")
			}
		})
	}

	t.Run("device too small", func(t *testing.T) {
		sb := testSuperblock()
		if err := CheckSuperblock(&sb, sb.TotalBlocks()-1); err == nil {
			t.Error("check should fail when the device is short")
		}
	})
}

func TestInodeRoundtrip(t *testing.T) {
	var root digest.Digest
	for i := range root {
		root[i] = byte(255 - i)
	}
	ino := Inode{
		Flags:        NodeFlagAllocated | NodeFlagLZ4Compressed,
		Next:         42,
		MerkleRoot:   root,
		BlobSize:     123456,
		BlockCount:   17,
		ExtentCount:  3,
		InlineExtent: Extent{Start: 99, Length: 7},
	}
	slot := make([]byte, NodeSize)
	EncodeInode(&ino, slot)
	decoded := DecodeInode(slot)
	if decoded != ino {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", decoded, ino)
	}
	if NodeFlags(slot) != ino.Flags {
		t.Errorf("NodeFlags = %#x, want %#x", NodeFlags(slot), ino.Flags)
	}
	if !decoded.Allocated() || !decoded.Compressed() {
		t.Error("flag helpers disagree with encoded flags")
	}
}

func TestContainerRoundtrip(t *testing.T) {
	c := Container{
		Flags:       NodeFlagAllocated,
		Next:        7,
		ExtentCount: 6,
	}
	for i := range c.Extents {
		c.Extents[i] = Extent{Start: uint32(i * 1000), Length: uint16(i + 1)}
	}
	slot := make([]byte, NodeSize)
	EncodeContainer(&c, slot)
	decoded := DecodeContainer(slot)
	// EncodeContainer always stamps the container flag.
	c.Flags |= NodeFlagExtentContainer
	if decoded != c {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", decoded, c)
	}
}

func TestNodeCountForExtents(t *testing.T) {
	cases := []struct {
		extents int
		want    int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{7, 2},
		{8, 3},
		{13, 3},
		{14, 4},
	}
	for _, tt := range cases {
		if got := NodeCountForExtents(tt.extents); got != tt.want {
			t.Errorf("NodeCountForExtents(%d) = %d, want %d", tt.extents, got, tt.want)
		}
	}
}

func TestDataBlocks(t *testing.T) {
	cases := []struct {
		size uint64
		want uint32
	}{
		{0, 0},
		{1, 1},
		{BlockSize, 1},
		{BlockSize + 1, 2},
	}
	for _, tt := range cases {
		got, err := DataBlocks(tt.size)
		if err != nil {
			t.Fatalf("DataBlocks(%d) failed: %v", tt.size, err)
		}
		if got != tt.want {
			t.Errorf("DataBlocks(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}
