// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package format

import (
	"encoding/binary"
	"fmt"
)

// EncodeSuperblock writes the superblock into a block-sized buffer.
// Bytes past the fixed header are zeroed.
func EncodeSuperblock(sb *Superblock, block []byte) error {
	if len(block) != BlockSize {
		return fmt.Errorf("superblock buffer is %d bytes, want %d", len(block), BlockSize)
	}
	for i := range block {
		block[i] = 0
	}
	binary.LittleEndian.PutUint64(block[0:], sb.Magic)
	binary.LittleEndian.PutUint32(block[8:], sb.Version)
	binary.LittleEndian.PutUint32(block[12:], sb.Flags)
	binary.LittleEndian.PutUint32(block[16:], sb.BlockSize)
	binary.LittleEndian.PutUint64(block[20:], sb.SliceSize)
	binary.LittleEndian.PutUint64(block[28:], sb.InodeCount)
	binary.LittleEndian.PutUint64(block[36:], sb.DataBlockCount)
	binary.LittleEndian.PutUint64(block[44:], sb.AllocInodeCount)
	binary.LittleEndian.PutUint64(block[52:], sb.AllocBlockCount)
	binary.LittleEndian.PutUint64(block[60:], sb.JournalBlockCount)
	binary.LittleEndian.PutUint32(block[68:], sb.ABMSlices)
	binary.LittleEndian.PutUint32(block[72:], sb.InoSlices)
	binary.LittleEndian.PutUint32(block[76:], sb.JournalSlices)
	binary.LittleEndian.PutUint32(block[80:], sb.DatSlices)
	binary.LittleEndian.PutUint32(block[84:], sb.VSliceCount)
	return nil
}

// DecodeSuperblock parses block zero of an image. It validates only
// structure, not geometry; use CheckSuperblock for the latter.
func DecodeSuperblock(block []byte) (Superblock, error) {
	var sb Superblock
	if len(block) < SuperblockSize {
		return sb, fmt.Errorf("superblock buffer is %d bytes, want at least %d", len(block), SuperblockSize)
	}
	sb.Magic = binary.LittleEndian.Uint64(block[0:])
	if sb.Magic != Magic {
		return sb, fmt.Errorf("bad superblock magic %#x", sb.Magic)
	}
	sb.Version = binary.LittleEndian.Uint32(block[8:])
	if sb.Version != Version {
		return sb, fmt.Errorf("unsupported format version %d", sb.Version)
	}
	sb.Flags = binary.LittleEndian.Uint32(block[12:])
	sb.BlockSize = binary.LittleEndian.Uint32(block[16:])
	sb.SliceSize = binary.LittleEndian.Uint64(block[20:])
	sb.InodeCount = binary.LittleEndian.Uint64(block[28:])
	sb.DataBlockCount = binary.LittleEndian.Uint64(block[36:])
	sb.AllocInodeCount = binary.LittleEndian.Uint64(block[44:])
	sb.AllocBlockCount = binary.LittleEndian.Uint64(block[52:])
	sb.JournalBlockCount = binary.LittleEndian.Uint64(block[60:])
	sb.ABMSlices = binary.LittleEndian.Uint32(block[68:])
	sb.InoSlices = binary.LittleEndian.Uint32(block[72:])
	sb.JournalSlices = binary.LittleEndian.Uint32(block[76:])
	sb.DatSlices = binary.LittleEndian.Uint32(block[80:])
	sb.VSliceCount = binary.LittleEndian.Uint32(block[84:])
	return sb, nil
}

// CheckSuperblock validates image geometry against the size of the
// underlying device.
func CheckSuperblock(sb *Superblock, deviceBlocks uint64) error {
	if sb.BlockSize != BlockSize {
		return fmt.Errorf("block size %d not supported, want %d", sb.BlockSize, BlockSize)
	}
	if sb.JournalBlockCount < JournalMinBlocks {
		return fmt.Errorf("journal region of %d blocks is too small (minimum %d)",
			sb.JournalBlockCount, JournalMinBlocks)
	}
	if sb.InodeCount == 0 || sb.InodeCount%NodesPerBlock != 0 {
		return fmt.Errorf("inode count %d is not a positive multiple of %d", sb.InodeCount, NodesPerBlock)
	}
	if sb.AllocBlockCount > sb.DataBlockCount {
		return fmt.Errorf("allocated block count %d exceeds data block count %d",
			sb.AllocBlockCount, sb.DataBlockCount)
	}
	if sb.AllocInodeCount > sb.InodeCount {
		return fmt.Errorf("allocated inode count %d exceeds inode count %d",
			sb.AllocInodeCount, sb.InodeCount)
	}
	if sb.SliceMode() {
		if sb.SliceSize == 0 || sb.SliceSize%BlockSize != 0 {
			return fmt.Errorf("slice size %d is not a positive multiple of the block size", sb.SliceSize)
		}
		blocksPerSlice := sb.BlocksPerSlice()
		if sb.BlockMapBlocks() > uint64(sb.ABMSlices)*blocksPerSlice {
			return fmt.Errorf("bitmap needs %d blocks but only %d slices are allocated",
				sb.BlockMapBlocks(), sb.ABMSlices)
		}
		if sb.NodeMapBlocks() > uint64(sb.InoSlices)*blocksPerSlice {
			return fmt.Errorf("node table needs %d blocks but only %d slices are allocated",
				sb.NodeMapBlocks(), sb.InoSlices)
		}
		if sb.JournalBlockCount > uint64(sb.JournalSlices)*blocksPerSlice {
			return fmt.Errorf("journal needs %d blocks but only %d slices are allocated",
				sb.JournalBlockCount, sb.JournalSlices)
		}
		if sb.DataBlockCount > uint64(sb.DatSlices)*blocksPerSlice {
			return fmt.Errorf("data region needs %d blocks but only %d slices are allocated",
				sb.DataBlockCount, sb.DatSlices)
		}
		return nil
	}
	if total := sb.TotalBlocks(); total > deviceBlocks {
		return fmt.Errorf("image spans %d blocks but the device has only %d", total, deviceBlocks)
	}
	return nil
}
