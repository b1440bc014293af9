// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import "sync/atomic"

// Metrics holds the engine's counters. Collection is opt-in via the
// mount options; when disabled the update methods are no-ops so call
// sites stay unconditional.
type Metrics struct {
	enabled bool

	blobsCreated          atomic.Uint64
	blobsCreatedBytes     atomic.Uint64
	blobsOpened           atomic.Uint64
	blobsOpenedBytes      atomic.Uint64
	blobsVerified         atomic.Uint64
	blobsVerifiedBytes    atomic.Uint64
	dataBytesWritten      atomic.Uint64
	merkleBytesWritten    atomic.Uint64
	bytesReadFromDisk     atomic.Uint64
	bytesCompressedRead   atomic.Uint64
	bytesDecompressed     atomic.Uint64
	writebackBytesWritten atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	BlobsCreated          uint64
	BlobsCreatedBytes     uint64
	BlobsOpened           uint64
	BlobsOpenedBytes      uint64
	BlobsVerified         uint64
	BlobsVerifiedBytes    uint64
	DataBytesWritten      uint64
	MerkleBytesWritten    uint64
	BytesReadFromDisk     uint64
	BytesCompressedRead   uint64
	BytesDecompressed     uint64
	WritebackBytesWritten uint64
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BlobsCreated:          m.blobsCreated.Load(),
		BlobsCreatedBytes:     m.blobsCreatedBytes.Load(),
		BlobsOpened:           m.blobsOpened.Load(),
		BlobsOpenedBytes:      m.blobsOpenedBytes.Load(),
		BlobsVerified:         m.blobsVerified.Load(),
		BlobsVerifiedBytes:    m.blobsVerifiedBytes.Load(),
		DataBytesWritten:      m.dataBytesWritten.Load(),
		MerkleBytesWritten:    m.merkleBytesWritten.Load(),
		BytesReadFromDisk:     m.bytesReadFromDisk.Load(),
		BytesCompressedRead:   m.bytesCompressedRead.Load(),
		BytesDecompressed:     m.bytesDecompressed.Load(),
		WritebackBytesWritten: m.writebackBytesWritten.Load(),
	}
}

func (m *Metrics) noteCreated(size uint64) {
	if !m.enabled {
		return
	}
	m.blobsCreated.Add(1)
	m.blobsCreatedBytes.Add(size)
}

func (m *Metrics) noteOpened(size uint64) {
	if !m.enabled {
		return
	}
	m.blobsOpened.Add(1)
	m.blobsOpenedBytes.Add(size)
}

func (m *Metrics) noteVerified(size uint64) {
	if !m.enabled {
		return
	}
	m.blobsVerified.Add(1)
	m.blobsVerifiedBytes.Add(size)
}

func (m *Metrics) noteClientWrite(dataBytes, merkleBytes uint64) {
	if !m.enabled {
		return
	}
	m.dataBytesWritten.Add(dataBytes)
	m.merkleBytesWritten.Add(merkleBytes)
}

func (m *Metrics) noteDiskRead(bytes uint64) {
	if !m.enabled {
		return
	}
	m.bytesReadFromDisk.Add(bytes)
}

func (m *Metrics) noteDecompress(compressedBytes, rawBytes uint64) {
	if !m.enabled {
		return
	}
	m.bytesCompressedRead.Add(compressedBytes)
	m.bytesDecompressed.Add(rawBytes)
}

func (m *Metrics) noteWriteback(bytes uint64) {
	if !m.enabled {
		return
	}
	m.writebackBytesWritten.Add(bytes)
}
