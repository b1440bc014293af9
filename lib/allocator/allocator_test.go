// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/format"
)

func testAllocator(t *testing.T, dataBlocks uint64) (*Allocator, *format.Superblock) {
	t.Helper()
	sb := &format.Superblock{
		Magic:             format.Magic,
		Version:           format.Version,
		BlockSize:         format.BlockSize,
		InodeCount:        2 * format.NodesPerBlock,
		DataBlockCount:    dataBlocks,
		JournalBlockCount: format.JournalMinBlocks,
	}
	device, err := blockdev.OpenFileDevice(filepath.Join(t.TempDir(), "alloc.img"), sb.TotalBlocks())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { device.Close() })

	a, err := New(device, sb, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ResetFromStorage(); err != nil {
		t.Fatal(err)
	}
	return a, sb
}

func totalBlocks(extents []*ReservedExtent) uint64 {
	var n uint64
	for _, re := range extents {
		n += uint64(re.Extent().Length)
	}
	return n
}

func TestReserveBlocksFirstFit(t *testing.T) {
	a, _ := testAllocator(t, 128)
	extents, err := a.ReserveBlocks(10)
	if err != nil {
		t.Fatalf("ReserveBlocks failed: %v", err)
	}
	if len(extents) != 1 {
		t.Fatalf("unfragmented space should yield one extent, got %d", len(extents))
	}
	if ext := extents[0].Extent(); ext.Start != 0 || ext.Length != 10 {
		t.Errorf("first fit should start at block 0, got %+v", ext)
	}
}

func TestReservedBlocksAreNotRehandedOut(t *testing.T) {
	a, _ := testAllocator(t, 64)
	first, err := a.ReserveBlocks(16)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.ReserveBlocks(16)
	if err != nil {
		t.Fatal(err)
	}
	if second[0].Extent().Start != 16 {
		t.Errorf("second reservation overlaps the first: %+v", second[0].Extent())
	}
	_ = first
}

func TestReleaseReturnsBlocks(t *testing.T) {
	a, _ := testAllocator(t, 32)
	extents, err := a.ReserveBlocks(32)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.ReserveBlocks(1); err == nil {
		t.Fatal("device is fully reserved; reservation should fail")
	}
	for _, re := range extents {
		re.Release()
	}
	if _, err := a.ReserveBlocks(32); err != nil {
		t.Errorf("all blocks released, reservation should succeed: %v", err)
	}
}

func TestNoSpaceError(t *testing.T) {
	a, _ := testAllocator(t, 16)
	if _, err := a.ReserveBlocks(17); !errors.Is(err, ErrNoSpace) {
		t.Errorf("want ErrNoSpace, got %v", err)
	}
}

func TestCommitAndFree(t *testing.T) {
	a, _ := testAllocator(t, 64)
	extents, err := a.ReserveBlocks(8)
	if err != nil {
		t.Fatal(err)
	}
	re := extents[0]
	a.MarkBlocksAllocated(re)

	if !a.CheckBlocksAllocated(0, 8) {
		t.Error("committed blocks should read as allocated")
	}
	if a.CheckBlocksAllocated(0, 9) {
		t.Error("block 8 was never committed")
	}
	if got := a.CountAllocatedBlocks(); got != 8 {
		t.Errorf("popcount = %d, want 8", got)
	}

	// A committed reservation ignores release.
	re.Release()
	if !a.CheckBlocksAllocated(0, 8) {
		t.Error("release after commit must not clear allocated bits")
	}

	a.FreeBlocks(re.Extent())
	if a.CheckBlocksAllocated(0, 1) {
		t.Error("freed blocks should read as free")
	}
	if got := a.CountAllocatedBlocks(); got != 0 {
		t.Errorf("popcount after free = %d, want 0", got)
	}
}

func TestFragmentedReservation(t *testing.T) {
	a, _ := testAllocator(t, 64)

	// Pin blocks 8..16 so free space is split in two.
	hold, err := a.ReserveBlocks(16)
	if err != nil {
		t.Fatal(err)
	}
	a.MarkBlocksAllocated(hold[0])
	a.FreeBlocks(format.Extent{Start: 0, Length: 8})

	extents, err := a.ReserveBlocks(20)
	if err != nil {
		t.Fatal(err)
	}
	if len(extents) != 2 {
		t.Fatalf("fragmented space should yield two extents, got %d", len(extents))
	}
	if ext := extents[0].Extent(); ext.Start != 0 || ext.Length != 8 {
		t.Errorf("first fragment = %+v, want start 0 len 8", ext)
	}
	if ext := extents[1].Extent(); ext.Start != 16 || ext.Length != 12 {
		t.Errorf("second fragment = %+v, want start 16 len 12", ext)
	}
	if totalBlocks(extents) != 20 {
		t.Errorf("fragments cover %d blocks, want 20", totalBlocks(extents))
	}
}

func TestSplitAt(t *testing.T) {
	a, _ := testAllocator(t, 64)
	extents, err := a.ReserveBlocks(10)
	if err != nil {
		t.Fatal(err)
	}
	re := extents[0]
	re.SplitAt(4)
	if re.Extent().Length != 4 {
		t.Errorf("split extent length = %d, want 4", re.Extent().Length)
	}
	// The tail must be reservable again.
	more, err := a.ReserveBlocks(6)
	if err != nil {
		t.Fatal(err)
	}
	if more[0].Extent().Start != 4 {
		t.Errorf("tail reservation starts at %d, want 4", more[0].Extent().Start)
	}
}

func TestReserveNodes(t *testing.T) {
	a, sb := testAllocator(t, 32)
	nodes, err := a.ReserveNodes(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(nodes))
	}
	seen := map[uint32]bool{}
	for _, rn := range nodes {
		if seen[rn.Index()] {
			t.Fatalf("node %d handed out twice", rn.Index())
		}
		seen[rn.Index()] = true
	}

	// Reserved nodes are skipped by further reservations.
	more, err := a.ReserveNodes(1)
	if err != nil {
		t.Fatal(err)
	}
	if seen[more[0].Index()] {
		t.Error("reserved node handed out twice")
	}

	// Exhaustion.
	if _, err := a.ReserveNodes(int(sb.InodeCount)); !errors.Is(err, ErrNoSpace) {
		t.Errorf("want ErrNoSpace, got %v", err)
	}
}

func TestWriteInodeConsumesReservation(t *testing.T) {
	a, _ := testAllocator(t, 32)
	nodes, err := a.ReserveNodes(1)
	if err != nil {
		t.Fatal(err)
	}
	index := nodes[0].Index()
	ino := format.Inode{Flags: format.NodeFlagAllocated, BlobSize: 42, BlockCount: 1, ExtentCount: 1}
	a.WriteInode(index, &ino)

	got, err := a.Inode(index)
	if err != nil {
		t.Fatal(err)
	}
	if got.BlobSize != 42 || !got.Allocated() {
		t.Errorf("inode readback mismatch: %+v", got)
	}

	// An allocated record is not reservable.
	more, err := a.ReserveNodes(1)
	if err != nil {
		t.Fatal(err)
	}
	if more[0].Index() == index {
		t.Error("allocated node handed out again")
	}

	a.FreeNode(index)
	if a.NodeFlags(index)&format.NodeFlagAllocated != 0 {
		t.Error("freed node still reads allocated")
	}
}

func TestResetFromStoragePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alloc.img")
	sb := &format.Superblock{
		Magic:             format.Magic,
		Version:           format.Version,
		BlockSize:         format.BlockSize,
		InodeCount:        format.NodesPerBlock,
		DataBlockCount:    64,
		JournalBlockCount: format.JournalMinBlocks,
	}
	device, err := blockdev.OpenFileDevice(path, sb.TotalBlocks())
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()

	a, err := New(device, sb, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ResetFromStorage(); err != nil {
		t.Fatal(err)
	}
	extents, err := a.ReserveBlocks(5)
	if err != nil {
		t.Fatal(err)
	}
	a.MarkBlocksAllocated(extents[0])

	// Persist the bitmap block the way the engine does.
	err = device.Transact([]blockdev.Request{{
		Op:       blockdev.OpWrite,
		Buffer:   a.BitmapBuffer(),
		DevBlock: sb.BlockMapStartBlock(),
		Length:   1,
	}})
	if err != nil {
		t.Fatal(err)
	}

	b, err := New(device, sb, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ResetFromStorage(); err != nil {
		t.Fatal(err)
	}
	if !b.CheckBlocksAllocated(0, 5) {
		t.Error("allocated bits lost across reload")
	}
	if b.CheckBlocksAllocated(5, 6) {
		t.Error("unallocated bit set after reload")
	}
}
