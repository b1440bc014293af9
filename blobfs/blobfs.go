// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobfs is a content-addressed, write-once filesystem for
// immutable blobs. Every blob is named by the Merkle root of its
// contents, verified on read, and optionally compressed on disk. The
// engine owns the superblock, the allocation maps, a writeback
// queue, and a metadata journal; it lives inside a fixed-size
// container on a block device and can grow by acquiring slices from
// a volume manager.
package blobfs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/blobfs/lib/allocator"
	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/compress"
	"github.com/bureau-foundation/blobfs/lib/digest"
	"github.com/bureau-foundation/blobfs/lib/format"
	"github.com/bureau-foundation/blobfs/lib/iterator"
	"github.com/bureau-foundation/blobfs/lib/journal"
	"github.com/bureau-foundation/blobfs/lib/volume"
	"github.com/bureau-foundation/blobfs/lib/writeback"
)

// Blobfs is one mounted filesystem. Its lifetime is the mount; there
// is no global state.
type Blobfs struct {
	device  blockdev.Device
	volume  volume.Manager
	opts    MountOptions
	logger  *slog.Logger
	metrics Metrics

	// sbMu guards the superblock counts and its encoded image.
	sbMu    sync.Mutex
	sb      format.Superblock
	sbImage []byte
	sbID    blockdev.BufferID

	allocator *allocator.Allocator
	writeback *writeback.Queue
	journal   *journal.Journal
	cache     *blobCache

	// growMu serializes volume growth.
	growMu sync.Mutex
}

// Mount brings a filesystem up on a device: superblock check,
// journal replay, metadata reload, cache population. The volume
// manager may be nil for fixed-size images.
func Mount(device blockdev.Device, vol volume.Manager, opts MountOptions) (*Blobfs, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "blobfs")

	sb, err := readSuperblock(device)
	if err != nil {
		return nil, err
	}

	fs := &Blobfs{
		device: device,
		volume: vol,
		opts:   opts,
		logger: logger,
		sb:     sb,
		cache:  newBlobCache(opts.CachePolicy),
	}
	fs.metrics.enabled = opts.Metrics

	fs.sbImage = make([]byte, format.BlockSize)
	if fs.sbID, err = device.Attach(fs.sbImage); err != nil {
		return nil, fmt.Errorf("attaching superblock image: %w", err)
	}

	// Replay any lingering journal entries before anything reads or
	// writes metadata; then reload, since replay may have changed
	// every metadata region including the superblock.
	if err := journal.Replay(device, fs.sb.JournalStartBlock(), fs.sb.JournalBlockCount, logger); err != nil {
		return nil, fmt.Errorf("journal replay: %w", err)
	}
	if fs.sb, err = readSuperblock(device); err != nil {
		return nil, fmt.Errorf("reloading superblock after replay: %w", err)
	}

	var grower allocator.Grower
	if fs.sb.SliceMode() && vol != nil && !opts.ReadOnly {
		grower = fs
	}
	if fs.allocator, err = allocator.New(device, &fs.sb, grower); err != nil {
		return nil, err
	}
	if err := fs.allocator.ResetFromStorage(); err != nil {
		return nil, err
	}

	if !opts.ReadOnly {
		capacity := opts.WritebackBufferSize / format.BlockSize
		if fs.writeback, err = writeback.NewQueue(device, capacity, logger); err != nil {
			return nil, err
		}
		if !opts.NoJournal {
			if fs.journal, err = journal.New(device, fs.writeback,
				fs.sb.JournalStartBlock(), fs.sb.JournalBlockCount, logger); err != nil {
				fs.writeback.Shutdown()
				return nil, err
			}
		}
	}

	if fs.sb.SliceMode() && vol != nil {
		if err := fs.checkVolumeConsistency(); err != nil {
			fs.stopPipelines()
			return nil, err
		}
	}

	if err := fs.initializeVnodes(); err != nil {
		fs.stopPipelines()
		return nil, err
	}

	if !opts.ReadOnly {
		fs.sbMu.Lock()
		fs.sb.Flags &^= format.FlagCleanUnmount
		fs.sbMu.Unlock()
		if err := fs.writeSuperblockDirect(); err != nil {
			fs.stopPipelines()
			return nil, err
		}
	}

	logger.Info("mounted",
		"blocks", fs.sb.DataBlockCount,
		"inodes", fs.sb.InodeCount,
		"slice_mode", fs.sb.SliceMode(),
		"readonly", opts.ReadOnly)
	return fs, nil
}

func readSuperblock(device blockdev.Device) (format.Superblock, error) {
	block := make([]byte, format.BlockSize)
	id, err := device.Attach(block)
	if err != nil {
		return format.Superblock{}, err
	}
	defer device.Detach(id)
	err = device.Transact([]blockdev.Request{{
		Op: blockdev.OpRead, Buffer: id, DevBlock: 0, Length: 1,
	}})
	if err != nil {
		return format.Superblock{}, fmt.Errorf("reading superblock: %w", err)
	}
	sb, err := format.DecodeSuperblock(block)
	if err != nil {
		return sb, err
	}
	if err := format.CheckSuperblock(&sb, device.BlockCount()); err != nil {
		return sb, err
	}
	return sb, nil
}

// initializeVnodes loads every allocated primary inode into the
// closed cache so lookups hit warm objects. Data stays on disk until
// first read.
func (fs *Blobfs) initializeVnodes() error {
	for i := uint64(0); i < fs.sb.InodeCount; i++ {
		index := uint32(i)
		flags := fs.allocator.NodeFlags(index)
		if flags&format.NodeFlagAllocated == 0 || flags&format.NodeFlagExtentContainer != 0 {
			continue
		}
		ino, err := fs.allocator.Inode(index)
		if err != nil {
			return err
		}
		b := newBlob(fs, ino.MerkleRoot)
		b.state = StateReadable
		b.inode = ino
		b.nodeIndex = index
		if err := fs.cache.insertClosed(b); err != nil {
			return fmt.Errorf("%w: duplicate blob %s at node %d", ErrIntegrity, b.digest, index)
		}
	}
	return nil
}

// Create opens a new blob for writing under the given digest. The
// caller must SpaceAllocate, stream exactly the declared bytes, and
// the content must hash to the digest.
func (fs *Blobfs) Create(d digest.Digest) (*Blob, error) {
	if fs.writeback == nil {
		return nil, fmt.Errorf("%w: filesystem is read-only", ErrBadState)
	}
	if existing, err := fs.cache.lookup(d); err == nil {
		existing.Close()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, d)
	}
	b := newBlob(fs, d)
	if err := fs.cache.insertOpen(b); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, d)
	}
	return b, nil
}

// Open returns a handle to a committed blob.
func (fs *Blobfs) Open(d digest.Digest) (*Blob, error) {
	b, err := fs.cache.lookup(d)
	if err != nil {
		return nil, err
	}
	fs.metrics.noteOpened(b.Size())
	return b, nil
}

// Unlink queues the named blob for deletion. The blocks and nodes
// come back once the last open handle closes.
func (fs *Blobfs) Unlink(d digest.Digest) error {
	b, err := fs.cache.lookup(d)
	if err != nil {
		return err
	}
	b.QueueUnlink()
	b.Close()
	return nil
}

// Sync enqueues an empty journaled work item; the callback fires
// with the final status once every prior metadata commit is durable.
func (fs *Blobfs) Sync(callback func(error)) {
	wb := fs.newWork(nil)
	wb.SetSyncCallback(callback)
	if err := fs.enqueueMeta(wb); err != nil {
		// The callback already fired via the reset path.
		return
	}
}

// Metrics returns the engine counters.
func (fs *Blobfs) Metrics() *Metrics { return &fs.metrics }

// vnodeRelease handles a blob whose handle count hit zero.
func (fs *Blobfs) vnodeRelease(b *Blob) {
	b.mu.Lock()
	state := b.state
	deletable := b.deletable
	b.mu.Unlock()

	switch state {
	case StateReadable:
		if deletable {
			fs.purgeBlob(b)
		} else {
			fs.cache.releaseSoft(b)
		}
	default:
		// Never committed (or already purged): vanish without a
		// trace. Reservations drop with the write info.
		fs.cache.releaseHard(b)
		fs.destroyVnode(b)
	}
}

// purgeBlob frees a deleted blob's inode chain through the journal
// and removes it from the cache.
func (fs *Blobfs) purgeBlob(b *Blob) {
	wb := fs.newWork(nil)
	if err := fs.freeInode(wb, b.nodeIndex); err != nil {
		fs.logger.Error("purge failed", "blob", b.digest, "error", err)
		wb.Reset(err)
	} else if err := fs.enqueueMeta(wb); err != nil {
		fs.logger.Error("purge enqueue failed", "blob", b.digest, "error", err)
	}
	fs.cache.releaseHard(b)
	b.mu.Lock()
	b.state = StatePurged
	b.mu.Unlock()
	fs.destroyVnode(b)
}

func (fs *Blobfs) destroyVnode(b *Blob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wi := b.write; wi != nil {
		b.releaseWriteLocked(wi)
		b.write = nil
	}
	if b.bufID != 0 {
		b.detachWhenIdleLocked(b.bufID)
		b.bufID = 0
	}
	b.buf = nil
}

// newWork creates a writeback item tied to a blob's pending-work
// accounting (pass nil for engine-owned items).
func (fs *Blobfs) newWork(b *Blob) *writeback.Work {
	w := writeback.NewWork()
	w.OnComplete(func(err error) {
		if err == nil {
			fs.metrics.noteWriteback(w.Blocks() * format.BlockSize)
		}
	})
	if b != nil {
		b.pendingWork.Add(1)
		w.OnComplete(b.workDone)
	}
	return w
}

// enqueueData submits a data work item to the writeback queue.
func (fs *Blobfs) enqueueData(w *writeback.Work) error {
	if fs.writeback == nil {
		w.Reset(ErrBadState)
		return fmt.Errorf("%w: filesystem is read-only", ErrBadState)
	}
	if err := fs.writeback.Enqueue(w); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// enqueueMeta routes a metadata work item through the journal, or
// straight to writeback when journaling is off.
func (fs *Blobfs) enqueueMeta(w *writeback.Work) error {
	switch {
	case fs.journal != nil:
		if err := fs.journal.Enqueue(w); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil
	case fs.writeback != nil:
		if err := fs.writeback.Enqueue(w); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil
	default:
		w.Reset(ErrBadState)
		return fmt.Errorf("%w: filesystem is read-only", ErrBadState)
	}
}

// persistBlocks commits a reserved extent: allocator bits, the
// superblock count, and the bitmap blocks spanning the extent.
func (fs *Blobfs) persistBlocks(w *writeback.Work, re *allocator.ReservedExtent) {
	fs.allocator.MarkBlocksAllocated(re)
	ext := re.Extent()
	fs.sbMu.Lock()
	fs.sb.AllocBlockCount += uint64(ext.Length)
	fs.sbMu.Unlock()
	fs.writeBitmapRange(w, uint64(ext.Start), uint64(ext.Length))
}

// freeExtent returns an extent's blocks if they were committed.
func (fs *Blobfs) freeExtent(w *writeback.Work, ext format.Extent) {
	start := uint64(ext.Start)
	end := start + uint64(ext.Length)
	if !fs.allocator.CheckBlocksAllocated(start, end) {
		return
	}
	fs.allocator.FreeBlocks(ext)
	fs.sbMu.Lock()
	fs.sb.AllocBlockCount -= uint64(ext.Length)
	fs.sbMu.Unlock()
	fs.writeBitmapRange(w, start, uint64(ext.Length))
}

// persistNode records a node commit: the count and the node-table
// block holding the record.
func (fs *Blobfs) persistNode(w *writeback.Work, index uint32) {
	fs.sbMu.Lock()
	fs.sb.AllocInodeCount++
	fs.sbMu.Unlock()
	fs.writeNodeBlock(w, index)
}

// freeNode zeroes a node record and decrements the count.
func (fs *Blobfs) freeNode(w *writeback.Work, index uint32) {
	fs.allocator.FreeNode(index)
	fs.sbMu.Lock()
	fs.sb.AllocInodeCount--
	fs.sbMu.Unlock()
	fs.writeNodeBlock(w, index)
}

// freeInode walks a blob's chain, freeing every node and every
// extent, and persists the superblock.
func (fs *Blobfs) freeInode(w *writeback.Work, nodeIndex uint32) error {
	if fs.allocator.NodeFlags(nodeIndex)&format.NodeFlagAllocated == 0 {
		return nil
	}
	it, err := iterator.NewAllocatedExtentIterator(fs.allocator, nodeIndex)
	if err != nil {
		return err
	}
	nodes := []uint32{nodeIndex}
	var extents []format.Extent
	for !it.Done() {
		ext, err := it.Next()
		if err != nil {
			return err
		}
		// NodeIndex reflects the node that held the extent just
		// yielded; collect containers as the walk reaches them.
		if n := it.NodeIndex(); n != nodes[len(nodes)-1] {
			nodes = append(nodes, n)
		}
		extents = append(extents, ext)
	}
	for _, n := range nodes {
		fs.freeNode(w, n)
	}
	for _, ext := range extents {
		fs.freeExtent(w, ext)
	}
	fs.writeSuperblock(w)
	return nil
}

// writeBitmapRange enqueues the whole bitmap blocks covering
// [start, start+length) data-block bits.
func (fs *Blobfs) writeBitmapRange(w *writeback.Work, start, length uint64) {
	first := start / format.BlockBits
	last := (start + length + format.BlockBits - 1) / format.BlockBits
	w.Enqueue(fs.allocator.BitmapBuffer(), first, fs.sb.BlockMapStartBlock()+first, last-first)
}

// writeNodeBlock enqueues the node-table block holding one record.
func (fs *Blobfs) writeNodeBlock(w *writeback.Work, index uint32) {
	block := uint64(index) / format.NodesPerBlock
	w.Enqueue(fs.allocator.NodeMapBuffer(), block, fs.sb.NodeMapStartBlock()+block, 1)
}

// writeSuperblock re-encodes the superblock and enqueues block zero.
func (fs *Blobfs) writeSuperblock(w *writeback.Work) {
	fs.sbMu.Lock()
	format.EncodeSuperblock(&fs.sb, fs.sbImage)
	fs.sbMu.Unlock()
	w.Enqueue(fs.sbID, 0, 0, 1)
}

// writeSuperblockDirect persists the superblock synchronously,
// bypassing the pipelines. Used at mount and shutdown.
func (fs *Blobfs) writeSuperblockDirect() error {
	fs.sbMu.Lock()
	format.EncodeSuperblock(&fs.sb, fs.sbImage)
	fs.sbMu.Unlock()
	return fs.device.Transact([]blockdev.Request{
		{Op: blockdev.OpWrite, Buffer: fs.sbID, DevBlock: 0, Length: 1},
		{Op: blockdev.OpFlush},
	})
}

// streamPaginated walks nblocks of an extent chain and enqueues the
// writes, splitting work items so none exceeds the writeback chunk
// limit. bias shifts buffer offsets for runs sourced from a buffer
// that starts mid-chain (the compressed scratch).
func (fs *Blobfs) streamPaginated(w **writeback.Work, b *Blob, buf blockdev.BufferID,
	bi *iterator.BlockIterator, nblocks uint64, bias uint64) error {
	maxChunk := fs.writeback.MaxChunkBlocks()
	dataStart := fs.sb.DataStartBlock()
	return iterator.StreamBlocks(bi, nblocks, func(bufBlock, devBlock uint64, length uint32) error {
		bufBlock -= bias
		devBlock += dataStart
		remaining := uint64(length)
		for remaining > 0 {
			room := maxChunk - (*w).Blocks()
			if room == 0 {
				if err := fs.enqueueData(*w); err != nil {
					*w = fs.newWork(b)
					return err
				}
				*w = fs.newWork(b)
				room = maxChunk
			}
			delta := min(remaining, room)
			(*w).Enqueue(buf, bufBlock, devBlock, delta)
			bufBlock += delta
			devBlock += delta
			remaining -= delta
		}
		return nil
	})
}

// readUncompressed fills a blob's buffer with [merkle || data]
// straight off the chain.
func (fs *Blobfs) readUncompressed(b *Blob, bufID blockdev.BufferID, nblocks uint64) error {
	requests, err := fs.readRequests(b.nodeIndex, bufID, nblocks, 0, 0)
	if err != nil {
		return err
	}
	if err := fs.device.Transact(requests); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	fs.metrics.noteDiskRead(nblocks * format.BlockSize)
	return nil
}

// readCompressed reads the Merkle region into the blob buffer and
// the compressed payload into a scratch buffer, then inflates the
// scratch into the data region. The decompressed length must equal
// the declared size exactly.
func (fs *Blobfs) readCompressed(b *Blob, buf []byte, bufID blockdev.BufferID, merkleBlocks uint32) error {
	compressedBlocks := b.inode.BlockCount - merkleBlocks
	scratch := make([]byte, uint64(compressedBlocks)*format.BlockSize)
	scratchID, err := fs.device.Attach(scratch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	defer fs.device.Detach(scratchID)

	requests, err := fs.readRequests(b.nodeIndex, bufID, uint64(merkleBlocks), 0, 0)
	if err != nil {
		return err
	}
	tail, err := fs.readRequests(b.nodeIndex, scratchID, uint64(compressedBlocks),
		uint64(merkleBlocks), uint64(merkleBlocks))
	if err != nil {
		return err
	}
	requests = append(requests, tail...)
	if err := fs.device.Transact(requests); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	algorithm := compress.AlgorithmLZ4
	if b.inode.Flags&format.NodeFlagZstdCompressed != 0 {
		algorithm = compress.AlgorithmZstd
	}
	merkleBytes := uint64(merkleBlocks) * format.BlockSize
	dst := buf[merkleBytes : merkleBytes+b.inode.BlobSize]
	n, err := compress.Decompress(algorithm, dst, scratch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if uint64(n) != b.inode.BlobSize {
		return fmt.Errorf("%w: decompressed %d bytes, declared %d", ErrIntegrity, n, b.inode.BlobSize)
	}
	fs.metrics.noteDecompress(uint64(compressedBlocks)*format.BlockSize, b.inode.BlobSize)
	return nil
}

// readRequests builds the read batch for nblocks of a chain
// starting skip blocks in. bias shifts buffer offsets the same way
// streamPaginated's does.
func (fs *Blobfs) readRequests(nodeIndex uint32, buf blockdev.BufferID,
	nblocks, skip, bias uint64) ([]blockdev.Request, error) {
	it, err := iterator.NewAllocatedExtentIterator(fs.allocator, nodeIndex)
	if err != nil {
		return nil, err
	}
	bi := iterator.NewBlockIterator(it)
	for skip > 0 {
		_, length, err := bi.Next(uint32(min(skip, uint64(format.MaxExtentLength))))
		if err != nil {
			return nil, err
		}
		skip -= uint64(length)
	}
	dataStart := fs.sb.DataStartBlock()
	var requests []blockdev.Request
	err = iterator.StreamBlocks(bi, nblocks, func(bufBlock, devBlock uint64, length uint32) error {
		requests = append(requests, blockdev.Request{
			Op:       blockdev.OpRead,
			Buffer:   buf,
			DevBlock: devBlock + dataStart,
			BufBlock: bufBlock - bias,
			Length:   length,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (fs *Blobfs) stopPipelines() {
	if fs.journal != nil {
		fs.journal.Shutdown()
		fs.journal = nil
	}
	if fs.writeback != nil {
		fs.writeback.Shutdown()
		fs.writeback = nil
	}
}

// Shutdown tears the mount down in order: break clone self-pins,
// drain the journal, drain and barrier writeback, stamp the
// clean-unmount flag, close the device. External handles should be
// closed first; what remains open is logged and torn down regardless.
func (fs *Blobfs) Shutdown() error {
	// Clone watchers pin their vnodes in the open table. With no
	// external connections left those pins are the only thing
	// keeping the blobs open; drop them outside the cache lock.
	for _, b := range fs.cache.openBlobs() {
		if b.cloneWatcherTeardown() {
			b.Close()
		}
	}
	if n := fs.cache.openCount(); n > 0 {
		fs.logger.Warn("shutting down with open blobs", "count", n)
	}

	if fs.journal != nil {
		fs.journal.Shutdown()
		fs.journal = nil
	}
	if fs.writeback != nil {
		if err := fs.writeback.Flush(); err != nil {
			fs.logger.Error("final writeback flush failed", "error", err)
		}
		fs.writeback.Shutdown()
		fs.writeback = nil

		fs.sbMu.Lock()
		fs.sb.Flags |= format.FlagCleanUnmount
		fs.sbMu.Unlock()
		if err := fs.writeSuperblockDirect(); err != nil {
			return err
		}
	}

	if err := fs.device.Close(); err != nil {
		return err
	}
	fs.logger.Info("unmounted")
	return nil
}
