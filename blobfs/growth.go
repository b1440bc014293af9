// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"

	"github.com/bureau-foundation/blobfs/lib/allocator"
	"github.com/bureau-foundation/blobfs/lib/format"
)

// GrowInodes requests one node-table slice from the volume manager,
// zeroes the new range, and persists the geometry change through the
// journal. Called by the allocator when a node reservation falls
// short.
func (fs *Blobfs) GrowInodes() error {
	fs.growMu.Lock()
	defer fs.growMu.Unlock()

	if !fs.sb.SliceMode() || fs.volume == nil {
		return fmt.Errorf("volume growth unavailable")
	}
	blocksPerSlice := fs.sb.BlocksPerSlice()
	offset := format.SliceNodeMapStart/blocksPerSlice + uint64(fs.sb.InoSlices)
	if err := fs.volume.Extend(offset, 1); err != nil {
		return fmt.Errorf("extending node-table slices: %w", err)
	}

	fs.sbMu.Lock()
	oldBlocks := fs.sb.NodeMapBlocks()
	fs.sb.VSliceCount++
	fs.sb.InoSlices++
	fs.sb.InodeCount = uint64(fs.sb.InoSlices) * (fs.sb.SliceSize / format.NodeSize)
	newBlocks := fs.sb.NodeMapBlocks()
	fs.sbMu.Unlock()

	if err := fs.allocator.GrowMaps(); err != nil {
		return err
	}

	w := fs.newWork(nil)
	fs.writeSuperblock(w)
	if newBlocks > oldBlocks {
		w.Enqueue(fs.allocator.NodeMapBuffer(), oldBlocks,
			fs.sb.NodeMapStartBlock()+oldBlocks, newBlocks-oldBlocks)
	}
	if err := fs.enqueueMeta(w); err != nil {
		return err
	}
	fs.logger.Info("grew node table", "inodes", fs.sb.InodeCount)
	return nil
}

// GrowBlocks requests enough data slices from the volume manager to
// cover n more blocks, grows the bitmap's bit capacity, and persists
// through the journal. Bitmap-bit growth beyond the allocated bitmap
// slices is a distinct failure so callers can tell it apart from
// plain exhaustion.
func (fs *Blobfs) GrowBlocks(n uint64) error {
	fs.growMu.Lock()
	defer fs.growMu.Unlock()

	if !fs.sb.SliceMode() || fs.volume == nil {
		return fmt.Errorf("volume growth unavailable")
	}
	blocksPerSlice := fs.sb.BlocksPerSlice()
	slices := (n + blocksPerSlice - 1) / blocksPerSlice
	newBlocks := (uint64(fs.sb.DatSlices) + slices) * blocksPerSlice

	bitmapBlocks := (newBlocks + format.BlockBits - 1) / format.BlockBits
	if bitmapBlocks > uint64(fs.sb.ABMSlices)*blocksPerSlice {
		return fmt.Errorf("%w: %d bitmap blocks needed, %d slices allocated",
			allocator.ErrNeedBitmapSlice, bitmapBlocks, fs.sb.ABMSlices)
	}

	offset := format.SliceDataStart/blocksPerSlice + uint64(fs.sb.DatSlices)
	if err := fs.volume.Extend(offset, slices); err != nil {
		return fmt.Errorf("extending data slices: %w", err)
	}

	fs.sbMu.Lock()
	oldBitmapBlocks := fs.sb.BlockMapBlocks()
	fs.sb.VSliceCount += uint32(slices)
	fs.sb.DatSlices += uint32(slices)
	fs.sb.DataBlockCount = newBlocks
	newBitmapBlocks := fs.sb.BlockMapBlocks()
	fs.sbMu.Unlock()

	if err := fs.allocator.GrowMaps(); err != nil {
		return err
	}

	w := fs.newWork(nil)
	if newBitmapBlocks > oldBitmapBlocks {
		w.Enqueue(fs.allocator.BitmapBuffer(), oldBitmapBlocks,
			fs.sb.BlockMapStartBlock()+oldBitmapBlocks, newBitmapBlocks-oldBitmapBlocks)
	}
	fs.writeSuperblock(w)
	if err := fs.enqueueMeta(w); err != nil {
		return err
	}
	fs.logger.Info("grew data region", "blocks", fs.sb.DataBlockCount)
	return nil
}

// checkVolumeConsistency compares the superblock's per-region slice
// counts with what the volume manager reports. Shortfall is fatal —
// metadata may live on the missing slices. Excess is shrunk.
func (fs *Blobfs) checkVolumeConsistency() error {
	info, err := fs.volume.Query()
	if err != nil {
		return fmt.Errorf("%w: volume query: %v", ErrUnavailable, err)
	}
	if info.SliceSize != fs.sb.SliceSize {
		return fmt.Errorf("%w: volume slice size %d, superblock says %d",
			ErrBadState, info.SliceSize, fs.sb.SliceSize)
	}
	blocksPerSlice := fs.sb.BlocksPerSlice()
	starts := []uint64{
		format.SliceBlockMapStart / blocksPerSlice,
		format.SliceNodeMapStart / blocksPerSlice,
		format.SliceJournalStart / blocksPerSlice,
		format.SliceDataStart / blocksPerSlice,
	}
	expected := []uint64{
		uint64(fs.sb.ABMSlices),
		uint64(fs.sb.InoSlices),
		uint64(fs.sb.JournalSlices),
		uint64(fs.sb.DatSlices),
	}
	ranges, err := fs.volume.VSliceQuery(starts)
	if err != nil {
		return fmt.Errorf("%w: slice query: %v", ErrUnavailable, err)
	}
	if len(ranges) != len(starts) {
		return fmt.Errorf("%w: slice query returned %d ranges, want %d",
			ErrBadState, len(ranges), len(starts))
	}
	for i := range starts {
		if !ranges[i].Allocated || ranges[i].Count < expected[i] {
			// The engine only ever grows; a region smaller than the
			// superblock claims means its metadata may be gone.
			return fmt.Errorf("%w: region %d has %d slices, superblock says %d",
				ErrIntegrity, i, ranges[i].Count, expected[i])
		}
		if ranges[i].Count > expected[i] {
			if err := fs.volume.Shrink(starts[i]+expected[i], ranges[i].Count-expected[i]); err != nil {
				return fmt.Errorf("%w: shrinking region %d: %v", ErrIntegrity, i, err)
			}
		}
	}
	return nil
}
