// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iterator

import (
	"fmt"
	"math"

	"github.com/bureau-foundation/blobfs/lib/format"
)

// BlockIterator flattens an extent chain into contiguous runs of
// device blocks and tracks the cumulative block index, which doubles
// as the buffer-relative block offset of the run.
type BlockIterator struct {
	extents ExtentIterator

	current   format.Extent
	remaining uint32 // blocks left in current
	index     uint64 // cumulative blocks consumed
}

// NewBlockIterator wraps an extent iterator.
func NewBlockIterator(extents ExtentIterator) *BlockIterator {
	return &BlockIterator{extents: extents}
}

// BlockIndex returns the number of blocks already consumed.
func (bi *BlockIterator) BlockIndex() uint64 { return bi.index }

// Done reports whether the chain has no blocks left.
func (bi *BlockIterator) Done() bool {
	return bi.remaining == 0 && bi.extents.Done()
}

// Next consumes up to max blocks from the current run and returns
// the data-region-relative start block and length consumed. A run never
// crosses an extent boundary.
func (bi *BlockIterator) Next(max uint32) (devBlock uint64, length uint32, err error) {
	if bi.remaining == 0 {
		if bi.extents.Done() {
			return 0, 0, fmt.Errorf("iterator: block chain exhausted")
		}
		if bi.current, err = bi.extents.Next(); err != nil {
			return 0, 0, err
		}
		bi.remaining = uint32(bi.current.Length)
		if bi.remaining == 0 {
			return 0, 0, fmt.Errorf("iterator: zero-length extent at block index %d", bi.index)
		}
	}
	length = min(max, bi.remaining)
	consumed := uint32(bi.current.Length) - bi.remaining
	devBlock = uint64(bi.current.Start) + uint64(consumed)
	bi.remaining -= length
	bi.index += uint64(length)
	return devBlock, length, nil
}

// StreamBlocks walks the next n blocks of the chain and invokes emit
// for each contiguous run: emit(bufBlock, devBlock, length). The
// buffer offset is the cumulative block index, so runs land in the
// transfer buffer exactly where the chain position says they belong.
func StreamBlocks(bi *BlockIterator, n uint64, emit func(bufBlock, devBlock uint64, length uint32) error) error {
	for n > 0 {
		bufBlock := bi.BlockIndex()
		max := uint32(math.MaxUint32)
		if n < uint64(max) {
			max = uint32(n)
		}
		devBlock, length, err := bi.Next(max)
		if err != nil {
			return err
		}
		if err := emit(bufBlock, devBlock, length); err != nil {
			return err
		}
		n -= uint64(length)
	}
	return nil
}
