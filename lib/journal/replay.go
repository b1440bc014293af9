// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"

	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/format"
)

type info struct {
	start    uint64
	sequence uint64
}

func readInfo(device blockdev.Device, startBlock uint64) (info, error) {
	block := make([]byte, format.BlockSize)
	id, err := device.Attach(block)
	if err != nil {
		return info{}, err
	}
	defer device.Detach(id)
	err = device.Transact([]blockdev.Request{{
		Op: blockdev.OpRead, Buffer: id, DevBlock: startBlock, Length: 1,
	}})
	if err != nil {
		return info{}, fmt.Errorf("journal: reading info block: %w", err)
	}
	if binary.LittleEndian.Uint64(block[0:]) != infoMagic {
		return info{}, fmt.Errorf("journal: bad info magic")
	}
	stored := binary.LittleEndian.Uint32(block[24:])
	binary.LittleEndian.PutUint32(block[24:], 0)
	if crc32.Checksum(block, crcTable) != stored {
		return info{}, fmt.Errorf("journal: info checksum mismatch")
	}
	return info{
		start:    binary.LittleEndian.Uint64(block[8:]),
		sequence: binary.LittleEndian.Uint64(block[16:]),
	}, nil
}

func writeInfoBlock(device blockdev.Device, startBlock, start, sequence uint64) error {
	block := make([]byte, format.BlockSize)
	binary.LittleEndian.PutUint64(block[0:], infoMagic)
	binary.LittleEndian.PutUint64(block[8:], start)
	binary.LittleEndian.PutUint64(block[16:], sequence)
	binary.LittleEndian.PutUint32(block[24:], crc32.Checksum(block, crcTable))
	id, err := device.Attach(block)
	if err != nil {
		return err
	}
	defer device.Detach(id)
	return device.Transact([]blockdev.Request{{
		Op: blockdev.OpWrite, Buffer: id, DevBlock: startBlock, Length: 1,
	}})
}

// Format initializes an empty ring: a fresh info block pointing at
// position zero, sequence zero.
func Format(device blockdev.Device, startBlock uint64) error {
	return writeInfoBlock(device, startBlock, 0, 0)
}

// Replay walks the ring from the last known head and re-applies
// every intact entry to its home location, then resets the ring. It
// must run before any other metadata write of the mount; afterwards
// in-memory metadata must be reloaded from disk. A truncated or
// bad-checksum entry terminates the walk — entries after it were
// never acknowledged, so dropping them is correct.
func Replay(device blockdev.Device, startBlock, lengthBlocks uint64, logger *slog.Logger) error {
	if lengthBlocks < format.JournalMinBlocks {
		return fmt.Errorf("journal: region of %d blocks is too small", lengthBlocks)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ringBlocks := lengthBlocks - 1

	state, err := readInfo(device, startBlock)
	if err != nil {
		// A damaged info block means no entry was ever
		// acknowledged against it; start fresh.
		logger.Warn("journal info unreadable, resetting ring", "error", err)
		return writeInfoBlock(device, startBlock, 0, 0)
	}
	if state.start >= ringBlocks {
		return fmt.Errorf("journal: info head %d outside ring of %d blocks", state.start, ringBlocks)
	}

	ring := make([]byte, ringBlocks*format.BlockSize)
	id, err := device.Attach(ring)
	if err != nil {
		return err
	}
	err = device.Transact([]blockdev.Request{{
		Op: blockdev.OpRead, Buffer: id, DevBlock: startBlock + 1, Length: uint32(ringBlocks),
	}})
	device.Detach(id)
	if err != nil {
		return fmt.Errorf("journal: reading ring: %w", err)
	}

	ringBlock := func(pos uint64) []byte {
		pos %= ringBlocks
		return ring[pos*format.BlockSize : (pos+1)*format.BlockSize]
	}

	pos := state.start
	expected := state.sequence
	applied := 0
	var writes []blockdev.Request
	scratch := make([]byte, 0)
	for {
		header := ringBlock(pos)
		if binary.LittleEndian.Uint64(header[0:]) != entryMagic {
			break
		}
		if binary.LittleEndian.Uint64(header[8:]) != expected {
			break
		}
		count := uint64(binary.LittleEndian.Uint32(header[16:]))
		if count == 0 || count > MaxEntryBlocks || 1+count > ringBlocks {
			break
		}
		stored := binary.LittleEndian.Uint32(header[20:])
		headerCopy := append([]byte(nil), header...)
		binary.LittleEndian.PutUint32(headerCopy[20:], 0)
		crc := crc32.Checksum(headerCopy, crcTable)
		for i := uint64(0); i < count; i++ {
			crc = crc32.Update(crc, crcTable, ringBlock(pos+1+i))
		}
		if crc != stored {
			break
		}

		for i := uint64(0); i < count; i++ {
			target := binary.LittleEndian.Uint64(header[entryHeaderSize+8*i:])
			scratch = append(scratch, ringBlock(pos+1+i)...)
			writes = append(writes, blockdev.Request{
				Op:       blockdev.OpWrite,
				DevBlock: target,
				BufBlock: uint64(len(writes)),
				Length:   1,
			})
		}
		pos = (pos + 1 + count) % ringBlocks
		expected++
		applied++
	}

	if applied > 0 {
		id, err := device.Attach(scratch)
		if err != nil {
			return err
		}
		for i := range writes {
			writes[i].Buffer = id
		}
		writes = append(writes, blockdev.Request{Op: blockdev.OpFlush})
		err = device.Transact(writes)
		device.Detach(id)
		if err != nil {
			return fmt.Errorf("journal: applying replayed entries: %w", err)
		}
		logger.Info("journal replay applied entries", "entries", applied)
	}

	if err := writeInfoBlock(device, startBlock, pos, expected); err != nil {
		return err
	}
	return device.Transact([]blockdev.Request{{Op: blockdev.OpFlush}})
}
