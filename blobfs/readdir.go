// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"github.com/bureau-foundation/blobfs/lib/format"
)

// Readdir enumerates committed blobs as hex digest names, starting
// from an opaque cursor (zero for the first call). It returns up to
// max names and the cursor for the next call; an empty result means
// the table is exhausted.
func (fs *Blobfs) Readdir(cursor uint64, max int) ([]string, uint64, error) {
	var names []string
	i := cursor
	for ; i < fs.sb.InodeCount && len(names) < max; i++ {
		index := uint32(i)
		flags := fs.allocator.NodeFlags(index)
		if flags&format.NodeFlagAllocated == 0 || flags&format.NodeFlagExtentContainer != 0 {
			continue
		}
		ino, err := fs.allocator.Inode(index)
		if err != nil {
			return nil, i, err
		}
		names = append(names, ino.MerkleRoot.String())
	}
	return names, i, nil
}
