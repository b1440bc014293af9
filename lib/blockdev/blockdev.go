// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockdev is the request channel between the filesystem and
// its backing block device. The engine attaches transfer buffers,
// then issues batched read/write/flush requests against them; a
// batch completes as a unit, identified by its group.
package blockdev

import (
	"fmt"

	"github.com/bureau-foundation/blobfs/lib/format"
)

// Opcode selects the operation of a single request.
type Opcode uint8

const (
	// OpRead copies blocks from the device into a buffer.
	OpRead Opcode = iota + 1

	// OpWrite copies blocks from a buffer onto the device.
	OpWrite

	// OpFlush is a write barrier: all writes issued before it are
	// durable before any issued after it.
	OpFlush

	// OpClose detaches the request's buffer.
	OpClose
)

// BufferID names an attached transfer buffer. A leaked ID leaks the
// device-side registration until the device closes.
type BufferID uint16

// Request is one operation in a transaction. Offsets and lengths are
// in filesystem blocks.
type Request struct {
	Op       Opcode
	Buffer   BufferID
	DevBlock uint64
	BufBlock uint64
	Length   uint32
	Group    uint16
}

// Device is the block-device channel. Transact is atomic per call
// with respect to completion: when it returns, every request in the
// batch has completed, in order.
type Device interface {
	// Attach registers a transfer buffer and returns its ID. The
	// device holds the slice; the caller must not reallocate it
	// while attached (grow via Detach + Attach).
	Attach(buf []byte) (BufferID, error)

	// Detach releases a buffer registration.
	Detach(id BufferID) error

	// BufferBytes returns the registered slice for an ID. Used by
	// components that stage buffer contents themselves.
	BufferBytes(id BufferID) ([]byte, error)

	// Transact issues a batch of requests and waits for the group
	// to complete.
	Transact(requests []Request) error

	// BlockCount returns the device capacity in filesystem blocks.
	BlockCount() uint64

	// Close tears the channel down. All buffers are detached.
	Close() error
}

// ValidateRequest performs the structural checks shared by device
// implementations.
func ValidateRequest(r *Request, deviceBlocks uint64, bufferLen int) error {
	switch r.Op {
	case OpFlush, OpClose:
		return nil
	case OpRead, OpWrite:
	default:
		return fmt.Errorf("blockdev: bad opcode %d", r.Op)
	}
	devEnd := r.DevBlock + uint64(r.Length)
	if devEnd < r.DevBlock || devEnd > deviceBlocks {
		return fmt.Errorf("blockdev: device range [%d, %d) exceeds %d blocks",
			r.DevBlock, devEnd, deviceBlocks)
	}
	bufEnd := (r.BufBlock + uint64(r.Length)) * format.BlockSize
	if bufEnd > uint64(bufferLen) {
		return fmt.Errorf("blockdev: buffer range [%d, %d) exceeds %d bytes",
			r.BufBlock*format.BlockSize, bufEnd, bufferLen)
	}
	return nil
}
