// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package blockdev

import (
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/blobfs/lib/format"
)

// FileDevice backs the block channel with a fixed-size file. Reads
// go through a read-only memory map for zero-syscall overhead;
// writes use pwrite to avoid read-before-write page faults. The file
// may be sparse — slice-mode images address regions far beyond the
// bytes ever allocated.
//
// FileDevice is safe for concurrent use; the buffer registry is
// mutex-protected and the map itself is immutable after open.
type FileDevice struct {
	fd     int
	data   []byte // mmap'd MAP_SHARED, PROT_READ
	blocks uint64

	mu      sync.Mutex
	buffers map[BufferID][]byte
	nextID  BufferID
	closed  bool
}

// OpenFileDevice creates or opens a device file spanning the given
// number of filesystem blocks. Pass zero to open an existing file at
// its current size.
func OpenFileDevice(path string, blocks uint64) (*FileDevice, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: opening %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blockdev: stating %s: %w", path, err)
	}
	if blocks == 0 {
		blocks = uint64(stat.Size) / format.BlockSize
		if blocks == 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("blockdev: %s holds no complete blocks", path)
		}
	}
	size := int64(blocks) * format.BlockSize
	if stat.Size < size {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("blockdev: truncating %s to %d bytes: %w", path, size, err)
		}
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blockdev: memory-mapping %s: %w", path, err)
	}

	return &FileDevice{
		fd:      fd,
		data:    data,
		blocks:  blocks,
		buffers: make(map[BufferID][]byte),
		nextID:  1,
	}, nil
}

// BlockCount returns the device capacity in filesystem blocks.
func (d *FileDevice) BlockCount() uint64 { return d.blocks }

// Attach registers a transfer buffer.
func (d *FileDevice) Attach(buf []byte) (BufferID, error) {
	if len(buf)%format.BlockSize != 0 {
		return 0, fmt.Errorf("blockdev: buffer of %d bytes is not block-aligned", len(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("blockdev: device is closed")
	}
	id := d.nextID
	d.nextID++
	d.buffers[id] = buf
	return id, nil
}

// Detach releases a buffer registration.
func (d *FileDevice) Detach(id BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[id]; !ok {
		return fmt.Errorf("blockdev: unknown buffer %d", id)
	}
	delete(d.buffers, id)
	return nil
}

// BufferBytes returns the registered slice for an ID.
func (d *FileDevice) BufferBytes(id BufferID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("blockdev: unknown buffer %d", id)
	}
	return buf, nil
}

// Transact issues a batch of requests in order and waits for all of
// them.
func (d *FileDevice) Transact(requests []Request) error {
	for i := range requests {
		r := &requests[i]
		var buf []byte
		if r.Op == OpRead || r.Op == OpWrite {
			var err error
			if buf, err = d.BufferBytes(r.Buffer); err != nil {
				return err
			}
		}
		if err := ValidateRequest(r, d.blocks, len(buf)); err != nil {
			return err
		}
		switch r.Op {
		case OpRead:
			if err := d.readBlocks(buf, r); err != nil {
				return err
			}
		case OpWrite:
			if err := d.writeBlocks(buf, r); err != nil {
				return err
			}
		case OpFlush:
			if err := unix.Fsync(d.fd); err != nil {
				return fmt.Errorf("blockdev: fsync: %w", err)
			}
		case OpClose:
			if err := d.Detach(r.Buffer); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *FileDevice) readBlocks(buf []byte, r *Request) (err error) {
	// Guard against page faults from I/O errors on the underlying
	// storage. Without this, a SIGBUS would crash the process.
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if rec := recover(); rec != nil {
			err = fmt.Errorf("blockdev: page fault reading block %d: %v", r.DevBlock, rec)
		}
	}()
	src := d.data[r.DevBlock*format.BlockSize : (r.DevBlock+uint64(r.Length))*format.BlockSize]
	copy(buf[r.BufBlock*format.BlockSize:], src)
	return nil
}

func (d *FileDevice) writeBlocks(buf []byte, r *Request) error {
	p := buf[r.BufBlock*format.BlockSize : (r.BufBlock+uint64(r.Length))*format.BlockSize]
	off := int64(r.DevBlock) * format.BlockSize
	for len(p) > 0 {
		written, err := unix.Pwrite(d.fd, p, off)
		if err != nil {
			return fmt.Errorf("blockdev: pwrite at block %d: %w", r.DevBlock, err)
		}
		p = p[written:]
		off += int64(written)
	}
	return nil
}

// Close unmaps and closes the device file. Attached buffers are
// dropped.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.buffers = make(map[BufferID][]byte)
	d.mu.Unlock()
	if err := unix.Munmap(d.data); err != nil {
		unix.Close(d.fd)
		return fmt.Errorf("blockdev: munmap: %w", err)
	}
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("blockdev: close: %w", err)
	}
	return nil
}
