// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"

	"github.com/bureau-foundation/blobfs/lib/format"
	"github.com/bureau-foundation/blobfs/lib/iterator"
)

// VerifyBlob materializes the blob at a node index into a transient
// vnode — never inserted into the cache — and checks every byte
// against its tree and digest.
func (fs *Blobfs) VerifyBlob(nodeIndex uint32) error {
	flags := fs.allocator.NodeFlags(nodeIndex)
	if flags&format.NodeFlagAllocated == 0 || flags&format.NodeFlagExtentContainer != 0 {
		return fmt.Errorf("%w: node %d is not a blob", ErrInvalidArgs, nodeIndex)
	}
	ino, err := fs.allocator.Inode(nodeIndex)
	if err != nil {
		return err
	}
	b := newBlob(fs, ino.MerkleRoot)
	b.state = StateReadable
	b.inode = ino
	b.nodeIndex = nodeIndex
	err = b.Verify()
	fs.destroyVnode(b)
	return err
}

// Check sweeps the on-disk structures for the engine's invariants:
// allocation accounting, extent coverage, container reachability,
// and — when verifyData is set — a full read-back verification of
// every blob.
func (fs *Blobfs) Check(verifyData bool) error {
	fs.sbMu.Lock()
	sb := fs.sb
	fs.sbMu.Unlock()

	if got := fs.allocator.CountAllocatedBlocks(); got != sb.AllocBlockCount {
		return fmt.Errorf("%w: bitmap has %d set bits, superblock says %d",
			ErrIntegrity, got, sb.AllocBlockCount)
	}

	var allocatedNodes uint64
	seen := make(map[uint64]uint32) // data block -> owning primary inode
	containerOwner := make(map[uint32]uint32)

	for i := uint64(0); i < sb.InodeCount; i++ {
		index := uint32(i)
		flags := fs.allocator.NodeFlags(index)
		if flags&format.NodeFlagAllocated == 0 {
			continue
		}
		allocatedNodes++
		if flags&format.NodeFlagExtentContainer != 0 {
			continue
		}

		ino, err := fs.allocator.Inode(index)
		if err != nil {
			return err
		}
		it, err := iterator.NewAllocatedExtentIterator(fs.allocator, index)
		if err != nil {
			return fmt.Errorf("%w: blob %s: %v", ErrIntegrity, ino.MerkleRoot, err)
		}
		var covered uint64
		for !it.Done() {
			ext, err := it.Next()
			if err != nil {
				return fmt.Errorf("%w: blob %s: %v", ErrIntegrity, ino.MerkleRoot, err)
			}
			if node := it.NodeIndex(); node != index {
				if owner, ok := containerOwner[node]; ok && owner != index {
					return fmt.Errorf("%w: container %d reachable from inodes %d and %d",
						ErrIntegrity, node, owner, index)
				}
				containerOwner[node] = index
			}
			for b := uint64(ext.Start); b < uint64(ext.Start)+uint64(ext.Length); b++ {
				if owner, ok := seen[b]; ok {
					return fmt.Errorf("%w: block %d shared by inodes %d and %d",
						ErrIntegrity, b, owner, index)
				}
				seen[b] = index
			}
			if !fs.allocator.CheckBlocksAllocated(uint64(ext.Start), uint64(ext.Start)+uint64(ext.Length)) {
				return fmt.Errorf("%w: blob %s extent [%d, %d) not allocated in bitmap",
					ErrIntegrity, ino.MerkleRoot, ext.Start, uint64(ext.Start)+uint64(ext.Length))
			}
			covered += uint64(ext.Length)
		}
		if covered != uint64(ino.BlockCount) {
			return fmt.Errorf("%w: blob %s extents cover %d blocks, inode says %d",
				ErrIntegrity, ino.MerkleRoot, covered, ino.BlockCount)
		}
		if verifyData {
			if err := fs.VerifyBlob(index); err != nil {
				return err
			}
		}
	}

	if allocatedNodes != sb.AllocInodeCount {
		return fmt.Errorf("%w: node table has %d allocated records, superblock says %d",
			ErrIntegrity, allocatedNodes, sb.AllocInodeCount)
	}
	if uint64(len(seen)) != sb.AllocBlockCount {
		return fmt.Errorf("%w: blobs cover %d blocks, superblock says %d allocated",
			ErrIntegrity, len(seen), sb.AllocBlockCount)
	}
	return nil
}
