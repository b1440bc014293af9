// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package merkle builds and verifies the hash tree stored in front
// of every blob's data. The tree is computed over fixed 8 KiB nodes
// with BLAKE3; the root digest is the blob's name.
//
// Blobs of one node or less have no stored tree — the root is the
// digest of the data itself, and TreeLength returns zero. Larger
// blobs store every level that holds more than one digest, leaves
// first, each level zero-padded to a node boundary. The level above
// hashes those padded bytes node by node, so the root is always the
// digest of a single node.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/blobfs/lib/digest"
)

// NodeSize is the tree fan-in unit in bytes. Identical to the
// filesystem block size so that the Merkle region is block-aligned.
const NodeSize = 8192

// ErrVerifyFailed is returned when recomputed digests do not match
// the stored tree or the expected root.
var ErrVerifyFailed = errors.New("merkle: verification failed")

// EmptyRoot returns the well-known digest of the null blob.
func EmptyRoot() digest.Digest {
	return digest.Digest(blake3.Sum256(nil))
}

// TreeLength returns the stored tree size in bytes for a blob of
// the given data size. Deterministic and closed-form: the writer
// reserves exactly this many bytes ahead of the data.
func TreeLength(dataSize uint64) uint64 {
	nodes := (dataSize + NodeSize - 1) / NodeSize
	var total uint64
	for nodes > 1 {
		levelBytes := roundUpToNode(nodes * digest.Size)
		total += levelBytes
		nodes = levelBytes / NodeSize
	}
	return total
}

// Create computes the tree for data into tree, which must be exactly
// TreeLength(len(data)) bytes, and returns the root digest.
func Create(data []byte, tree []byte) (digest.Digest, error) {
	want := TreeLength(uint64(len(data)))
	if uint64(len(tree)) != want {
		return digest.Digest{}, fmt.Errorf("merkle: tree buffer is %d bytes, want %d", len(tree), want)
	}
	if want == 0 {
		return digest.Digest(blake3.Sum256(data)), nil
	}

	// Hash the data into the first level, then hash each stored
	// level into the next until one node remains.
	level := data
	offset := uint64(0)
	for {
		nodes := (uint64(len(level)) + NodeSize - 1) / NodeSize
		if nodes == 1 {
			return digest.Digest(blake3.Sum256(level)), nil
		}
		levelBytes := roundUpToNode(nodes * digest.Size)
		out := tree[offset : offset+levelBytes]
		clear(out)
		for i := uint64(0); i < nodes; i++ {
			start := i * NodeSize
			end := min(start+NodeSize, uint64(len(level)))
			sum := blake3.Sum256(level[start:end])
			copy(out[i*digest.Size:], sum[:])
		}
		level = out
		offset += levelBytes
	}
}

// Verify checks the blob against its stored tree and expected root.
// The offset and length identify the range the caller is about to
// use and are validated, but verification always covers the entire
// blob.
func Verify(data []byte, tree []byte, offset, length uint64, expected digest.Digest) error {
	if offset+length < offset || offset+length > uint64(len(data)) {
		return fmt.Errorf("merkle: range [%d, %d) exceeds blob of %d bytes",
			offset, offset+length, len(data))
	}
	scratch := make([]byte, TreeLength(uint64(len(data))))
	root, err := Create(data, scratch)
	if err != nil {
		return err
	}
	if root != expected {
		return fmt.Errorf("%w: root %s, want %s", ErrVerifyFailed, root, expected)
	}
	if !bytes.Equal(scratch, tree) {
		return fmt.Errorf("%w: stored tree does not match data", ErrVerifyFailed)
	}
	return nil
}

func roundUpToNode(n uint64) uint64 {
	return (n + NodeSize - 1) / NodeSize * NodeSize
}
