// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/blobfs/lib/allocator"
	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/compress"
	"github.com/bureau-foundation/blobfs/lib/digest"
	"github.com/bureau-foundation/blobfs/lib/format"
	"github.com/bureau-foundation/blobfs/lib/iterator"
	"github.com/bureau-foundation/blobfs/lib/merkle"
)

// BlobState is the lifecycle state of a blob vnode.
type BlobState int32

const (
	// StateEmpty: opened for write, no space allocated yet.
	StateEmpty BlobState = iota

	// StateDataWrite: space reserved, bytes streaming in.
	StateDataWrite

	// StateReadable: committed; reads are served.
	StateReadable

	// StateError: a write-path failure; every further operation
	// fails with ErrBadState.
	StateError

	// StatePurged: unlinked and freed; the object survives only
	// until its last reference drops.
	StatePurged
)

// String returns the state name for logs.
func (s BlobState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDataWrite:
		return "data-write"
	case StateReadable:
		return "readable"
	case StateError:
		return "error"
	case StatePurged:
		return "purged"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// writeInfo is the writer-only state of a blob: its reservations,
// stream position, and the optional compression scratch space.
type writeInfo struct {
	bytesWritten  uint64
	extents       []*allocator.ReservedExtent
	nodes         []*allocator.ReservedNode
	compressor    compress.Compressor
	compressedBuf []byte
	compressedID  blockdev.BufferID
}

// Blob is the in-memory vnode of one blob. At most one writer drives
// it through the write path; readers share it through the cache.
type Blob struct {
	fs     *Blobfs
	digest digest.Digest

	// refs is the external handle count, managed by the cache.
	refs atomic.Int32

	// syncing is set between metadata enqueue and journal commit.
	syncing atomic.Bool

	// pendingWork counts writeback items that still reference this
	// blob's buffers.
	pendingWork atomic.Int32

	// mu guards everything below.
	mu        sync.Mutex
	state     BlobState
	inode     format.Inode
	nodeIndex uint32
	deletable bool

	buf   []byte // [merkle || data], lazily materialized for reads
	bufID blockdev.BufferID

	write *writeInfo

	readable         chan struct{}
	readableSignaled bool

	cloneCount int

	// detachMu guards the deferred-detach list. It is ordered after
	// mu and is the only vnode lock a writeback completion takes —
	// completions run on the queue consumer, which the writer may be
	// waiting on, so they must never need mu.
	detachMu     sync.Mutex
	detachOnIdle []blockdev.BufferID

	// writeFailed records a data-write failure observed by a
	// completion; the sync callback carries the same status.
	writeFailed atomic.Bool
}

func newBlob(fs *Blobfs, d digest.Digest) *Blob {
	return &Blob{fs: fs, digest: d}
}

// Digest returns the blob's name.
func (b *Blob) Digest() digest.Digest { return b.digest }

// State returns the current lifecycle state.
func (b *Blob) State() BlobState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Size returns the blob's byte size, or zero while it is not yet
// readable.
func (b *Blob) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateReadable {
		return b.inode.BlobSize
	}
	return 0
}

// Syncing reports whether committed metadata is still in flight to
// the journal.
func (b *Blob) Syncing() bool { return b.syncing.Load() }

// NodeIndex returns the primary inode index, once allocated.
func (b *Blob) NodeIndex() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodeIndex
}

// Readable returns a channel that is closed once the blob reaches
// the readable state. A blob that is already readable yields a
// closed channel.
func (b *Blob) Readable() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readable == nil {
		b.readable = make(chan struct{})
		if b.state == StateReadable {
			close(b.readable)
			b.readableSignaled = true
		}
	}
	return b.readable
}

func (b *Blob) signalReadableLocked() {
	if b.readable != nil && !b.readableSignaled {
		close(b.readable)
		b.readableSignaled = true
	}
}

func (b *Blob) tryAcquire() bool {
	for {
		r := b.refs.Load()
		if r == 0 {
			return false
		}
		if b.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Close releases one handle. The final release hands the blob back
// to the cache.
func (b *Blob) Close() {
	if b.refs.Add(-1) == 0 {
		b.fs.vnodeRelease(b)
	}
}

func (b *Blob) merkleBlocks() uint32 {
	return format.MerkleBlocks(merkle.TreeLength(b.inode.BlobSize))
}

func (b *Blob) merkleBytes() uint64 {
	return uint64(b.merkleBlocks()) * format.BlockSize
}

// SpaceAllocate reserves everything a blob of the given size needs —
// data and Merkle blocks, node records, buffers, the compressor —
// and moves the vnode to the data-write state. For the null blob the
// write phase is skipped entirely and metadata commits immediately.
func (b *Blob) SpaceAllocate(size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateEmpty {
		return fmt.Errorf("%w: allocate in state %s", ErrBadState, b.state)
	}
	if b.fs.writeback == nil {
		return fmt.Errorf("%w: filesystem is read-only", ErrBadState)
	}

	dataBlocks, err := format.DataBlocks(size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	merkleBlocks := format.MerkleBlocks(merkle.TreeLength(size))
	b.inode.BlobSize = size
	b.inode.BlockCount = merkleBlocks + dataBlocks

	wi := &writeInfo{}

	if size == 0 {
		nodes, err := b.fs.allocator.ReserveNodes(1)
		if err != nil {
			return mapAllocatorErr(err)
		}
		if b.digest != merkle.EmptyRoot() {
			nodes[0].Release()
			b.state = StateError
			return fmt.Errorf("%w: name is not the empty-blob digest", ErrIntegrity)
		}
		b.nodeIndex = nodes[0].Index()
		wi.nodes = nodes
		b.write = wi
		b.state = StateDataWrite
		b.fs.metrics.noteCreated(0)
		return b.writeMetadataLocked()
	}

	extents, err := b.fs.allocator.ReserveBlocks(uint64(b.inode.BlockCount))
	if err != nil {
		return mapAllocatorErr(err)
	}
	if len(extents) > format.MaxExtentsPerBlob {
		for _, re := range extents {
			re.Release()
		}
		return fmt.Errorf("%w: reservation needs %d extents (max %d)",
			ErrBadState, len(extents), format.MaxExtentsPerBlob)
	}
	nodes, err := b.fs.allocator.ReserveNodes(format.NodeCountForExtents(len(extents)))
	if err != nil {
		for _, re := range extents {
			re.Release()
		}
		return mapAllocatorErr(err)
	}

	if size >= compress.MinBytesSaved {
		bufLen := (compress.BufferMax(size) + format.BlockSize - 1) / format.BlockSize * format.BlockSize
		wi.compressedBuf = make([]byte, bufLen)
		if wi.compressedID, err = b.fs.device.Attach(wi.compressedBuf); err != nil {
			wi.compressedBuf, wi.compressedID = nil, 0
		} else if err := wi.compressor.Initialize(b.fs.opts.Compression, wi.compressedBuf); err != nil {
			b.fs.logger.Warn("compressor unavailable, storing raw",
				"blob", b.digest, "error", err)
			b.fs.device.Detach(wi.compressedID)
			wi.compressedBuf, wi.compressedID = nil, 0
		}
	}

	b.buf = make([]byte, uint64(b.inode.BlockCount)*format.BlockSize)
	if b.bufID, err = b.fs.device.Attach(b.buf); err != nil {
		b.releaseWriteLocked(wi)
		for _, re := range extents {
			re.Release()
		}
		for _, rn := range nodes {
			rn.Release()
		}
		b.buf = nil
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	b.nodeIndex = nodes[0].Index()
	wi.extents = extents
	wi.nodes = nodes
	b.write = wi
	b.state = StateDataWrite
	b.fs.metrics.noteCreated(size)
	return nil
}

// Write appends the next chunk of blob data. The final chunk — the
// one that brings the stream to the declared size — triggers Merkle
// construction, the data writes, and the metadata commit before it
// returns.
func (b *Blob) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateDataWrite {
		return 0, fmt.Errorf("%w: write in state %s", ErrBadState, b.state)
	}
	if len(p) == 0 {
		return 0, nil
	}
	wi := b.write
	if wi.bytesWritten+uint64(len(p)) > b.inode.BlobSize {
		return 0, fmt.Errorf("%w: write of %d bytes at %d exceeds declared size %d",
			ErrOutOfRange, len(p), wi.bytesWritten, b.inode.BlobSize)
	}

	copy(b.buf[b.merkleBytes()+wi.bytesWritten:], p)
	wi.bytesWritten += uint64(len(p))

	if wi.compressor.Compressing() {
		if err := wi.compressor.Update(p); err != nil {
			// Compression failure is not a write failure; the blob
			// is simply stored raw.
			b.abortCompressionLocked()
		} else {
			b.considerCompressionAbortLocked()
		}
	}

	if wi.bytesWritten < b.inode.BlobSize {
		return len(p), nil
	}
	if err := b.commitDataLocked(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *Blob) considerCompressionAbortLocked() {
	wi := b.write
	if !wi.compressor.Compressing() {
		return
	}
	if b.inode.BlobSize-compress.MinBytesSaved < wi.compressor.Size() {
		b.abortCompressionLocked()
	}
}

func (b *Blob) abortCompressionLocked() {
	wi := b.write
	wi.compressor.Reset()
	if wi.compressedID != 0 {
		b.detachWhenIdleLocked(wi.compressedID)
		wi.compressedID = 0
	}
	wi.compressedBuf = nil
}

// commitDataLocked runs once the last byte has arrived: finalize
// compression, build and check the Merkle tree, issue the paginated
// data writes, and hand off to the metadata commit.
func (b *Blob) commitDataLocked() error {
	wi := b.write
	wb := b.fs.newWork(b)
	committed := false
	defer func() {
		if !committed {
			if wb != nil {
				wb.Reset(ErrBadState)
			}
			b.setErrorLocked()
		}
	}()

	if wi.compressor.Compressing() {
		if err := wi.compressor.End(); err != nil {
			b.abortCompressionLocked()
		} else {
			b.considerCompressionAbortLocked()
		}
	}

	merkleBlocks := b.merkleBlocks()
	merkleBytes := b.merkleBytes()
	treeLen := merkle.TreeLength(b.inode.BlobSize)
	data := b.buf[merkleBytes : merkleBytes+b.inode.BlobSize]

	root, err := merkle.Create(data, b.buf[:treeLen])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if root != b.digest {
		return fmt.Errorf("%w: content hashes to %s, opened as %s", ErrIntegrity, root, b.digest)
	}

	blocks := iterator.NewBlockIterator(iterator.NewVectorExtentIterator(wi.extents))

	if merkleBlocks > 0 {
		if err := b.fs.streamPaginated(&wb, b, b.bufID, blocks, uint64(merkleBlocks), 0); err != nil {
			return err
		}
	}

	if wi.compressor.Compressing() {
		compressedBlocks := uint32((wi.compressor.Size() + format.BlockSize - 1) / format.BlockSize)
		if err := b.fs.streamPaginated(&wb, b, wi.compressedID, blocks,
			uint64(compressedBlocks), uint64(merkleBlocks)); err != nil {
			return err
		}
		b.inode.BlockCount = merkleBlocks + compressedBlocks
		switch wi.compressor.Algorithm() {
		case compress.AlgorithmZstd:
			b.inode.Flags |= format.NodeFlagZstdCompressed
		default:
			b.inode.Flags |= format.NodeFlagLZ4Compressed
		}
	} else {
		dataBlocks, _ := format.DataBlocks(b.inode.BlobSize)
		if err := b.fs.streamPaginated(&wb, b, b.bufID, blocks, uint64(dataBlocks), 0); err != nil {
			return err
		}
	}

	if err := b.fs.enqueueData(wb); err != nil {
		wb = nil // the queue already reset it
		return err
	}
	b.fs.metrics.noteClientWrite(b.inode.BlobSize, treeLen)

	committed = true
	if err := b.writeMetadataLocked(); err != nil {
		return err
	}
	return nil
}

// writeMetadataLocked commits the blob's metadata: the node chain,
// the bitmap bits, and the superblock, as one journaled work item.
// The blob becomes readable immediately; durability follows when the
// journal commits.
func (b *Blob) writeMetadataLocked() error {
	wi := b.write
	wb := b.fs.newWork(b)

	b.inode.MerkleRoot = b.digest
	b.state = StateReadable
	b.signalReadableLocked()
	b.syncing.Store(true)
	wb.SetSyncCallback(func(error) { b.syncing.Store(false) })

	if b.inode.BlockCount > 0 {
		// Seed the node slot with the inode's fields; the populator
		// preserves them while linking in the extents.
		b.fs.allocator.WriteInode(b.nodeIndex, &b.inode)

		remaining := uint64(b.inode.BlockCount)
		populator := iterator.NewNodePopulator(b.fs.allocator, wi.extents, wi.nodes)
		err := populator.Walk(
			func(node *allocator.ReservedNode) {
				b.fs.persistNode(wb, node.Index())
			},
			func(re *allocator.ReservedExtent) iterator.IterationCommand {
				ext := re.Extent()
				if remaining >= uint64(ext.Length) {
					remaining -= uint64(ext.Length)
				} else {
					re.SplitAt(uint16(remaining))
					remaining = 0
				}
				b.fs.persistBlocks(wb, re)
				if remaining == 0 {
					return iterator.Stop
				}
				return iterator.Continue
			},
		)
		if err != nil {
			wb.Reset(ErrBadState)
			b.setErrorLocked()
			return fmt.Errorf("%w: %v", ErrBadState, err)
		}
	} else {
		b.inode.Flags |= format.NodeFlagAllocated
		b.fs.allocator.WriteInode(b.nodeIndex, &b.inode)
		b.fs.persistNode(wb, b.nodeIndex)
	}
	b.fs.writeSuperblock(wb)

	if err := b.fs.enqueueMeta(wb); err != nil {
		b.setErrorLocked()
		return err
	}

	// Reservations were consumed by the walk; the write phase is
	// over. The compression scratch stays attached until the data
	// work items drain.
	if wi.compressedID != 0 {
		b.detachWhenIdleLocked(wi.compressedID)
	}
	b.write = nil
	return nil
}

// setErrorLocked moves the vnode to the error state and drops every
// reservation and writer-only resource.
func (b *Blob) setErrorLocked() {
	if b.state == StateError {
		return
	}
	b.state = StateError
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

func (b *Blob) releaseWriteLocked(wi *writeInfo) {
	for _, re := range wi.extents {
		re.Release()
	}
	for _, rn := range wi.nodes {
		rn.Release()
	}
	wi.compressor.Reset()
	if wi.compressedID != 0 {
		b.detachWhenIdleLocked(wi.compressedID)
		wi.compressedID = 0
	}
	wi.compressedBuf = nil
}

// detachWhenIdleLocked detaches a buffer now if no writeback item
// can still reference it, or defers the detach to the last item's
// completion.
func (b *Blob) detachWhenIdleLocked(id blockdev.BufferID) {
	b.detachMu.Lock()
	defer b.detachMu.Unlock()
	if b.pendingWork.Load() == 0 {
		b.fs.device.Detach(id)
		return
	}
	b.detachOnIdle = append(b.detachOnIdle, id)
}

// workDone runs on completion of every writeback item created for
// this blob. It runs on the queue consumer and must not take mu.
func (b *Blob) workDone(err error) {
	if err != nil {
		b.writeFailed.Store(true)
	}
	if b.pendingWork.Add(-1) == 0 {
		b.detachMu.Lock()
		for _, id := range b.detachOnIdle {
			b.fs.device.Detach(id)
		}
		b.detachOnIdle = nil
		b.detachMu.Unlock()
	}
}

// Read copies blob bytes at the given offset. Reads past the end
// return zero bytes. The first read materializes and verifies the
// blob; later reads are memory copies.
func (b *Blob) Read(p []byte, off uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateReadable {
		return 0, fmt.Errorf("%w: read in state %s", ErrBadState, b.state)
	}
	if b.inode.BlobSize == 0 || off >= b.inode.BlobSize {
		return 0, nil
	}
	if err := b.initBuffersLocked(); err != nil {
		return 0, err
	}
	n := uint64(len(p))
	if n > b.inode.BlobSize-off {
		n = b.inode.BlobSize - off
	}
	copy(p[:n], b.buf[b.merkleBytes()+off:])
	return int(n), nil
}

// initBuffersLocked materializes [merkle || data] from disk,
// decompressing if the inode says so, and verifies the whole blob.
// Idempotent; concurrent readers serialize on the vnode lock.
func (b *Blob) initBuffersLocked() error {
	if b.buf != nil {
		return nil
	}

	merkleBlocks := b.merkleBlocks()
	dataBlocks, err := format.DataBlocks(b.inode.BlobSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	if merkleBlocks+dataBlocks == 0 {
		return nil
	}

	buf := make([]byte, uint64(merkleBlocks+dataBlocks)*format.BlockSize)
	bufID, err := b.fs.device.Attach(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	cleanup := func() {
		b.fs.device.Detach(bufID)
	}

	if b.inode.Compressed() {
		if err := b.fs.readCompressed(b, buf, bufID, merkleBlocks); err != nil {
			cleanup()
			return err
		}
	} else {
		if err := b.fs.readUncompressed(b, bufID, uint64(merkleBlocks)+uint64(dataBlocks)); err != nil {
			cleanup()
			return err
		}
	}

	treeLen := merkle.TreeLength(b.inode.BlobSize)
	merkleBytes := uint64(merkleBlocks) * format.BlockSize
	data := buf[merkleBytes : merkleBytes+b.inode.BlobSize]
	if err := merkle.Verify(data, buf[:treeLen], 0, b.inode.BlobSize, b.digest); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	b.fs.metrics.noteVerified(b.inode.BlobSize)

	b.buf = buf
	b.bufID = bufID
	return nil
}

// Verify materializes the blob if needed and re-checks it against
// its tree and digest.
func (b *Blob) Verify() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReadable {
		return fmt.Errorf("%w: verify in state %s", ErrBadState, b.state)
	}
	if b.inode.BlobSize == 0 {
		if b.digest != merkle.EmptyRoot() {
			return fmt.Errorf("%w: null blob digest mismatch", ErrIntegrity)
		}
		return nil
	}
	return b.initBuffersLocked()
}

// Clone returns a read-only view of the blob's data region. While
// any clone is outstanding the vnode pins itself so that eviction
// cannot unmap the bytes under the client.
func (b *Blob) Clone() (*Clone, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReadable || b.inode.BlobSize == 0 {
		return nil, fmt.Errorf("%w: clone in state %s", ErrBadState, b.state)
	}
	if err := b.initBuffersLocked(); err != nil {
		return nil, err
	}
	if b.cloneCount == 0 {
		// Self-pin: held until the last clone closes.
		b.refs.Add(1)
	}
	b.cloneCount++
	merkleBytes := b.merkleBytes()
	return &Clone{
		blob: b,
		data: b.buf[merkleBytes : merkleBytes+b.inode.BlobSize],
	}, nil
}

// Clone is a read-only view of a blob's data region. Close it when
// done; the last close releases the vnode's self-pin.
type Clone struct {
	blob   *Blob
	data   []byte
	closed bool
}

// Bytes returns the view. The bytes must not be modified.
func (c *Clone) Bytes() []byte { return c.data }

// Close releases the view.
func (c *Clone) Close() {
	if c.closed {
		return
	}
	c.closed = true
	b := c.blob
	b.mu.Lock()
	// The count may already be zero if shutdown tore the watcher
	// down; the pin is gone in that case and must not drop twice.
	last := false
	if b.cloneCount > 0 {
		b.cloneCount--
		last = b.cloneCount == 0
	}
	b.mu.Unlock()
	if last {
		// One-shot: drop the self-pin.
		b.Close()
	}
}

// cloneWatcherTeardown forcibly ends clone tracking and reports
// whether a self-pin was held. Shutdown calls this once every
// external connection is gone; the caller drops the returned pin
// outside the cache lock.
func (b *Blob) cloneWatcherTeardown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cloneCount == 0 {
		return false
	}
	b.cloneCount = 0
	return true
}

// QueueUnlink marks the blob for deletion. With no handles open the
// purge happens on the spot (the caller's own handle counts); with
// handles open it happens on the last close.
func (b *Blob) QueueUnlink() {
	b.mu.Lock()
	b.deletable = true
	b.mu.Unlock()
}

// tearDownCaches drops the read buffers while keeping the vnode
// live for warm lookup.
func (b *Blob) tearDownCaches() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bufID != 0 {
		b.detachWhenIdleLocked(b.bufID)
		b.bufID = 0
	}
	b.buf = nil
	b.readable = nil
	b.readableSignaled = false
}

func mapAllocatorErr(err error) error {
	switch {
	case errors.Is(err, allocator.ErrNeedBitmapSlice):
		return fmt.Errorf("%w: %v", ErrNeedBitmapSlice, err)
	case errors.Is(err, allocator.ErrNoSpace):
		return fmt.Errorf("%w: %v", ErrNoSpace, err)
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}
