// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal provides atomic group commit for metadata writes.
// Work items are staged into a ring of blocks ahead of their home
// locations; an entry is checksummed, so after a crash replay either
// re-applies it completely or stops at the first damaged entry. Data
// writes never pass through the journal — the commit loop orders
// them with a writeback barrier before any entry lands in the ring.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/format"
	"github.com/bureau-foundation/blobfs/lib/writeback"
)

// Ring format constants.
const (
	infoMagic  uint64 = 0x6a726e6c_696e666f
	entryMagic uint64 = 0x6a726e6c_656e7479

	// entryHeaderSize is the fixed prefix of an entry header block:
	// magic, sequence, payload count, checksum.
	entryHeaderSize = 24

	// MaxEntryBlocks caps the payload of one entry at what the
	// header block can address.
	MaxEntryBlocks = (format.BlockSize - entryHeaderSize) / 8
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// entry is a staged commit: payload blocks copied out of the
// caller's buffers at enqueue time, plus their home locations.
type entry struct {
	sequence uint64
	targets  []uint64
	payload  []byte
	work     *writeback.Work
	ringPos  uint64 // assigned at commit
	written  bool
	applied  bool
}

func (e *entry) blocks() uint64 { return 1 + uint64(len(e.targets)) }

// Journal is the group-commit ring. One goroutine owns the ring;
// Enqueue hands it staged entries and returns immediately.
type Journal struct {
	device     blockdev.Device
	queue      *writeback.Queue
	startBlock uint64
	ringBlocks uint64
	logger     *slog.Logger

	mu      sync.Mutex
	wake    *sync.Cond
	pending []*entry
	live    []*entry
	head    uint64 // ring position of the oldest live entry
	tail    uint64 // ring position of the next entry
	headSeq uint64 // sequence of the oldest live entry
	nextSeq uint64
	sticky  error
	closing bool

	commitDone sync.WaitGroup
}

// New starts the journal commit loop over a freshly replayed ring.
// Replay must have run first: the ring is assumed empty and the info
// block current.
func New(device blockdev.Device, queue *writeback.Queue, startBlock, lengthBlocks uint64, logger *slog.Logger) (*Journal, error) {
	if lengthBlocks < format.JournalMinBlocks {
		return nil, fmt.Errorf("journal: region of %d blocks is too small", lengthBlocks)
	}
	if logger == nil {
		logger = slog.Default()
	}
	info, err := readInfo(device, startBlock)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		device:     device,
		queue:      queue,
		startBlock: startBlock,
		ringBlocks: lengthBlocks - 1,
		logger:     logger.With("component", "journal"),
		head:       info.start,
		tail:       info.start,
		headSeq:    info.sequence,
		nextSeq:    info.sequence,
	}
	j.wake = sync.NewCond(&j.mu)
	j.commitDone.Add(1)
	go j.commitLoop()
	return j, nil
}

// Enqueue stages a metadata work item for the next group commit. The
// payload bytes are copied out of the item's buffers before Enqueue
// returns, so the caller may mutate or reattach them afterwards. The
// item's callbacks fire once the entry has been applied to its home
// locations.
func (j *Journal) Enqueue(w *writeback.Work) error {
	e, err := j.stage(w)
	if err != nil {
		w.Reset(err)
		return err
	}

	j.mu.Lock()
	if j.sticky != nil || j.closing {
		err := j.sticky
		if err == nil {
			err = fmt.Errorf("journal: shut down")
		}
		j.mu.Unlock()
		w.Reset(err)
		return err
	}
	j.pending = append(j.pending, e)
	j.wake.Broadcast()
	j.mu.Unlock()
	return nil
}

// stage snapshots a work item's write requests into a contiguous
// payload plus per-block home targets.
func (j *Journal) stage(w *writeback.Work) (*entry, error) {
	e := &entry{work: w}
	for _, r := range w.Requests() {
		if r.Op == blockdev.OpFlush {
			continue
		}
		if r.Op != blockdev.OpWrite {
			return nil, fmt.Errorf("journal: request opcode %d is not journalable", r.Op)
		}
		buf, err := j.device.BufferBytes(r.Buffer)
		if err != nil {
			return nil, err
		}
		start := r.BufBlock * format.BlockSize
		end := (r.BufBlock + uint64(r.Length)) * format.BlockSize
		if end > uint64(len(buf)) {
			return nil, fmt.Errorf("journal: request exceeds its buffer")
		}
		e.payload = append(e.payload, buf[start:end]...)
		for i := uint64(0); i < uint64(r.Length); i++ {
			e.targets = append(e.targets, r.DevBlock+i)
		}
	}
	if uint64(len(e.targets)) > MaxEntryBlocks {
		return nil, fmt.Errorf("journal: entry of %d blocks exceeds the %d-block entry limit",
			len(e.targets), MaxEntryBlocks)
	}
	if e.blocks() > j.ringBlocks {
		return nil, fmt.Errorf("journal: entry of %d blocks exceeds the %d-block ring",
			e.blocks(), j.ringBlocks)
	}
	return e, nil
}

// Shutdown commits everything pending, waits for home writes to
// land, persists the final info block, and stops the loop.
func (j *Journal) Shutdown() {
	j.mu.Lock()
	j.closing = true
	j.wake.Broadcast()
	j.mu.Unlock()
	j.commitDone.Wait()
}

func (j *Journal) commitLoop() {
	defer j.commitDone.Done()
	for {
		j.mu.Lock()
		if j.reclaimLocked() {
			head, seq := j.head, j.headSeq
			j.mu.Unlock()
			// Lazy info update: replaying an already-applied entry
			// is harmless, so this write needs no flush of its own.
			if err := writeInfoBlock(j.device, j.startBlock, head, seq); err != nil {
				j.logger.Warn("journal info update failed", "error", err)
			}
			j.mu.Lock()
		}
		for len(j.pending) == 0 && !j.closing && !j.reclaimableLocked() {
			j.wake.Wait()
		}
		if j.closing && len(j.pending) == 0 {
			if len(j.live) > 0 {
				// Home writes still in flight; wait for their
				// completions to wake us.
				j.wake.Wait()
				j.mu.Unlock()
				continue
			}
			j.mu.Unlock()
			if err := j.writeInfo(); err != nil {
				j.logger.Error("final journal info write failed", "error", err)
			}
			return
		}
		batch := j.pending
		j.pending = nil
		j.mu.Unlock()

		if len(batch) == 0 {
			continue
		}
		if err := j.commitBatch(batch); err != nil {
			j.logger.Error("journal commit failed", "error", err)
			j.mu.Lock()
			if j.sticky == nil {
				j.sticky = err
			}
			j.mu.Unlock()
			for _, e := range batch {
				e.work.Reset(err)
			}
		}
	}
}

// commitBatch performs one group commit: barrier, ring writes,
// flush, then home writes through the writeback queue.
func (j *Journal) commitBatch(batch []*entry) error {
	// Order: data writes issued before this metadata must be on
	// disk before any entry of the batch is.
	if err := j.queue.Flush(); err != nil {
		return fmt.Errorf("journal: pre-commit barrier: %w", err)
	}

	for _, e := range batch {
		// Pure sync markers carry no payload and never touch the
		// ring; their callbacks ride the home-write queue below so
		// ordering against real entries is preserved.
		if len(e.targets) == 0 {
			continue
		}
		if err := j.writeEntry(e); err != nil {
			return err
		}
	}

	// The batch is in the ring; make it durable, then let the home
	// writes race ahead of nothing — replay covers a crash from
	// here on.
	flush := writeback.NewWork()
	flush.EnqueueFlush()
	if err := j.queue.Enqueue(flush); err != nil {
		return err
	}

	for _, e := range batch {
		if err := j.enqueueHomeWrites(e); err != nil {
			return err
		}
	}
	return nil
}

// writeEntry assigns ring space (waiting for reclaim if the ring is
// full) and writes the header and payload blocks.
func (j *Journal) writeEntry(e *entry) error {
	j.mu.Lock()
	for j.usedLocked()+e.blocks() > j.ringBlocks && j.sticky == nil {
		j.reclaimLocked()
		if j.usedLocked()+e.blocks() <= j.ringBlocks {
			break
		}
		j.wake.Wait()
	}
	if j.sticky != nil {
		err := j.sticky
		j.mu.Unlock()
		return err
	}
	e.sequence = j.nextSeq
	e.ringPos = j.tail
	j.nextSeq++
	j.tail = (j.tail + e.blocks()) % j.ringBlocks
	e.written = true
	j.live = append(j.live, e)
	j.mu.Unlock()

	header := make([]byte, format.BlockSize)
	binary.LittleEndian.PutUint64(header[0:], entryMagic)
	binary.LittleEndian.PutUint64(header[8:], e.sequence)
	binary.LittleEndian.PutUint32(header[16:], uint32(len(e.targets)))
	for i, target := range e.targets {
		binary.LittleEndian.PutUint64(header[entryHeaderSize+8*i:], target)
	}
	crc := crc32.Checksum(header, crcTable)
	crc = crc32.Update(crc, crcTable, e.payload)
	binary.LittleEndian.PutUint32(header[20:], crc)

	image := make([]byte, 0, int(e.blocks())*format.BlockSize)
	image = append(image, header...)
	image = append(image, e.payload...)
	return j.writeRing(e.ringPos, image)
}

// writeRing writes a byte image into the ring starting at ring
// position pos, wrapping as needed.
func (j *Journal) writeRing(pos uint64, image []byte) error {
	id, err := j.device.Attach(image)
	if err != nil {
		return err
	}
	defer j.device.Detach(id)

	blocks := uint64(len(image)) / format.BlockSize
	var requests []blockdev.Request
	bufBlock := uint64(0)
	for blocks > 0 {
		run := min(blocks, j.ringBlocks-pos)
		requests = append(requests, blockdev.Request{
			Op:       blockdev.OpWrite,
			Buffer:   id,
			DevBlock: j.startBlock + 1 + pos,
			BufBlock: bufBlock,
			Length:   uint32(run),
		})
		bufBlock += run
		blocks -= run
		pos = (pos + run) % j.ringBlocks
	}
	if err := j.device.Transact(requests); err != nil {
		return fmt.Errorf("journal: ring write: %w", err)
	}
	return nil
}

// enqueueHomeWrites sends the entry's payload to its home locations
// via the writeback queue. Completion marks the entry applied and
// releases its ring space.
func (j *Journal) enqueueHomeWrites(e *entry) error {
	if len(e.targets) == 0 {
		marker := writeback.NewWork()
		marker.OnComplete(func(err error) {
			j.mu.Lock()
			if err != nil && j.sticky == nil {
				j.sticky = err
			}
			j.wake.Broadcast()
			j.mu.Unlock()
			e.work.Complete(err)
		})
		return j.queue.Enqueue(marker)
	}
	id, err := j.device.Attach(e.payload)
	if err != nil {
		return err
	}
	home := writeback.NewWork()
	for i, target := range e.targets {
		home.Enqueue(id, uint64(i), target, 1)
	}
	home.OnComplete(func(err error) {
		j.device.Detach(id)
		j.mu.Lock()
		e.applied = true
		if err != nil && j.sticky == nil {
			j.sticky = err
		}
		j.wake.Broadcast()
		j.mu.Unlock()
		e.work.Complete(err)
	})
	return j.queue.Enqueue(home)
}

func (j *Journal) usedLocked() uint64 {
	var used uint64
	for _, e := range j.live {
		used += e.blocks()
	}
	return used
}

func (j *Journal) reclaimableLocked() bool {
	return len(j.live) > 0 && j.live[0].applied
}

// reclaimLocked advances the head past the contiguous prefix of
// applied entries and reports whether it moved. The commit loop
// persists the new head afterwards, outside the lock.
func (j *Journal) reclaimLocked() bool {
	advanced := false
	for len(j.live) > 0 && j.live[0].applied {
		e := j.live[0]
		j.live = j.live[1:]
		j.head = (e.ringPos + e.blocks()) % j.ringBlocks
		j.headSeq = e.sequence + 1
		advanced = true
	}
	return advanced
}

// writeInfo persists the current head synchronously. Used at
// shutdown.
func (j *Journal) writeInfo() error {
	j.mu.Lock()
	head, seq := j.head, j.headSeq
	j.mu.Unlock()
	return writeInfoBlock(j.device, j.startBlock, head, seq)
}
