// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"

	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/format"
	"github.com/bureau-foundation/blobfs/lib/journal"
	"github.com/bureau-foundation/blobfs/lib/volume"
)

// Format writes a fresh image: superblock, zeroed allocation maps,
// an empty journal. In slice mode the volume manager is asked for
// one initial slice per region.
func Format(device blockdev.Device, vol volume.Manager, opts FormatOptions) error {
	opts = opts.withDefaults()

	sb := format.Superblock{
		Magic:     format.Magic,
		Version:   format.Version,
		Flags:     format.FlagCleanUnmount,
		BlockSize: format.BlockSize,
	}

	if opts.SliceSize > 0 {
		if opts.SliceSize%format.BlockSize != 0 {
			return fmt.Errorf("%w: slice size %d is not block-aligned", ErrInvalidArgs, opts.SliceSize)
		}
		blocksPerSlice := opts.SliceSize / format.BlockSize
		if blocksPerSlice < format.JournalMinBlocks {
			return fmt.Errorf("%w: slice of %d blocks cannot hold a journal", ErrInvalidArgs, blocksPerSlice)
		}
		sb.Flags |= format.FlagSliceMode
		sb.SliceSize = opts.SliceSize
		sb.ABMSlices = 1
		sb.InoSlices = 1
		sb.JournalSlices = 1
		sb.DatSlices = 1
		sb.VSliceCount = 5
		sb.InodeCount = opts.SliceSize / format.NodeSize
		sb.JournalBlockCount = blocksPerSlice
		sb.DataBlockCount = blocksPerSlice

		if vol != nil {
			for _, start := range []uint64{
				0,
				format.SliceBlockMapStart / blocksPerSlice,
				format.SliceNodeMapStart / blocksPerSlice,
				format.SliceJournalStart / blocksPerSlice,
				format.SliceDataStart / blocksPerSlice,
			} {
				if err := vol.Extend(start, 1); err != nil {
					return fmt.Errorf("allocating initial slices: %w", err)
				}
			}
		}
	} else {
		sb.InodeCount = opts.InodeCount
		sb.JournalBlockCount = opts.JournalBlockCount
		sb.DataBlockCount = opts.DataBlockCount
		if sb.DataBlockCount == 0 {
			// Fill the device: fixed overhead first, then let data
			// and its bitmap split the remainder.
			overhead := 1 + sb.JournalBlockCount + sb.NodeMapBlocks()
			if device.BlockCount() <= overhead+1 {
				return fmt.Errorf("%w: device of %d blocks is too small", ErrInvalidArgs, device.BlockCount())
			}
			remaining := device.BlockCount() - overhead
			sb.DataBlockCount = remaining
			for sb.BlockMapBlocks()+sb.DataBlockCount > remaining {
				sb.DataBlockCount = remaining - sb.BlockMapBlocks()
			}
		}
	}

	if err := format.CheckSuperblock(&sb, device.BlockCount()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	image := make([]byte, format.BlockSize)
	if err := format.EncodeSuperblock(&sb, image); err != nil {
		return err
	}
	id, err := device.Attach(image)
	if err != nil {
		return err
	}
	err = device.Transact([]blockdev.Request{{
		Op: blockdev.OpWrite, Buffer: id, DevBlock: 0, Length: 1,
	}})
	device.Detach(id)
	if err != nil {
		return err
	}

	if err := zeroRegion(device, sb.BlockMapStartBlock(), sb.BlockMapBlocks()); err != nil {
		return err
	}
	if err := zeroRegion(device, sb.NodeMapStartBlock(), sb.NodeMapBlocks()); err != nil {
		return err
	}
	if err := journal.Format(device, sb.JournalStartBlock()); err != nil {
		return err
	}
	return device.Transact([]blockdev.Request{{Op: blockdev.OpFlush}})
}

func zeroRegion(device blockdev.Device, start, length uint64) error {
	const chunkBlocks = 256
	zero := make([]byte, chunkBlocks*format.BlockSize)
	id, err := device.Attach(zero)
	if err != nil {
		return err
	}
	defer device.Detach(id)
	for length > 0 {
		run := min(length, uint64(chunkBlocks))
		err := device.Transact([]blockdev.Request{{
			Op: blockdev.OpWrite, Buffer: id, DevBlock: start, Length: uint32(run),
		}})
		if err != nil {
			return err
		}
		start += run
		length -= run
	}
	return nil
}

// FormatFile creates (or reuses) a device file and formats it. In
// fixed mode size is the device capacity in blocks; in slice mode it
// is the number of data slices the volume may ever hand out, and the
// slice table is created as a sidecar next to the image.
func FormatFile(path string, size uint64, opts FormatOptions) error {
	var vol volume.Manager
	blocks := size
	if opts.SliceSize > 0 {
		blocksPerSlice := opts.SliceSize / format.BlockSize
		// Physical capacity: the superblock slice and one slice each
		// for the bitmap, node table and journal, then the data
		// budget, which includes the initial data slice. Virtual
		// addresses are sparse and unbounded.
		totalSlices := 4 + size
		m, err := volume.CreateFileManager(path+".fvm", opts.SliceSize, totalSlices)
		if err != nil {
			return err
		}
		vol = m
		// The sparse device file must address the whole virtual
		// range.
		blocks = format.SliceDataStart + size*blocksPerSlice
	}
	device, err := blockdev.OpenFileDevice(path, blocks)
	if err != nil {
		return err
	}
	defer device.Close()
	return Format(device, vol, opts)
}

// MountFile opens a device file (and its slice-table sidecar, when
// the image is slice mode) and mounts it.
func MountFile(path string, opts MountOptions) (*Blobfs, error) {
	device, err := blockdev.OpenFileDevice(path, 0)
	if err != nil {
		return nil, err
	}
	sb, err := readSuperblock(device)
	if err != nil {
		device.Close()
		return nil, err
	}
	var vol volume.Manager
	if sb.SliceMode() {
		if vol, err = volume.OpenFileManager(path + ".fvm"); err != nil {
			device.Close()
			return nil, err
		}
	}
	fs, err := Mount(device, vol, opts)
	if err != nil {
		device.Close()
		return nil, err
	}
	return fs, nil
}
