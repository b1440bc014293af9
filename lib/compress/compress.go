// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress is the streaming compressor used on the blob
// write path. Data is fed chunk by chunk as it arrives from the
// client; after every chunk the writer checks whether compression is
// still paying for itself and aborts if not, storing the blob raw.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the compression algorithm used for a blob's
// data region. Each algorithm maps to its own node flag
// (format.NodeFlagLZ4Compressed, format.NodeFlagZstdCompressed); the
// Algorithm value itself is not stored on disk.
type Algorithm uint8

const (
	// AlgorithmLZ4 is LZ4 frame compression. Fast default with
	// modest ratios; decode speed keeps readback cheap.
	AlgorithmLZ4 Algorithm = 1

	// AlgorithmZstd is zstd at the default level. Better ratios for
	// text-like content at higher CPU cost.
	AlgorithmZstd Algorithm = 2
)

// String returns the human-readable name of an algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses an algorithm from its string form.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "lz4":
		return AlgorithmLZ4, nil
	case "zstd":
		return AlgorithmZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// MinBytesSaved is the abort threshold: a compressed blob must save
// at least one block's worth of bytes or it is stored raw.
const MinBytesSaved = 8192

// errBufferFull is returned by the bounded sink when compressed
// output would exceed the scratch buffer. The writer treats it the
// same as the threshold check: compression is abandoned.
var errBufferFull = errors.New("compress: output buffer full")

// BufferMax returns the scratch-buffer size that can hold the worst
// case compressed form of dataSize input bytes, including frame
// overhead.
func BufferMax(dataSize uint64) uint64 {
	return dataSize + dataSize/255 + 1024
}

// boundedWriter writes into a fixed caller-owned buffer and fails
// rather than grow.
type boundedWriter struct {
	buf []byte
	n   int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.buf) {
		return 0, errBufferFull
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

// Compressor streams blob data into a caller-owned scratch buffer.
// The zero value is idle; Initialize arms it for one blob.
type Compressor struct {
	algorithm Algorithm
	sink      *boundedWriter
	frame     io.WriteCloser
	active    bool
	finalized bool
}

// Initialize arms the compressor to write a compressed stream of the
// given algorithm into dst. dst should be sized with BufferMax.
func (c *Compressor) Initialize(algorithm Algorithm, dst []byte) error {
	if c.active {
		return errors.New("compress: already initialized")
	}
	sink := &boundedWriter{buf: dst}
	switch algorithm {
	case AlgorithmLZ4:
		c.frame = lz4.NewWriter(sink)
	case AlgorithmZstd:
		encoder, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("compress: initializing zstd encoder: %w", err)
		}
		c.frame = encoder
	default:
		return fmt.Errorf("compress: unsupported algorithm %d", algorithm)
	}
	c.algorithm = algorithm
	c.sink = sink
	c.active = true
	c.finalized = false
	return nil
}

// Compressing reports whether the compressor is armed and has not
// been reset.
func (c *Compressor) Compressing() bool { return c.active }

// Algorithm returns the armed algorithm.
func (c *Compressor) Algorithm() Algorithm { return c.algorithm }

// Update feeds the next chunk of raw blob data.
func (c *Compressor) Update(p []byte) error {
	if !c.active || c.finalized {
		return errors.New("compress: update on inactive compressor")
	}
	if _, err := c.frame.Write(p); err != nil {
		return err
	}
	return nil
}

// End finalizes the stream. Size is meaningful only afterwards.
func (c *Compressor) End() error {
	if !c.active || c.finalized {
		return errors.New("compress: end on inactive compressor")
	}
	if err := c.frame.Close(); err != nil {
		return err
	}
	c.finalized = true
	return nil
}

// Size returns the number of compressed bytes produced so far. Until
// End, this is a lower bound — the frame may be holding buffered
// input.
func (c *Compressor) Size() uint64 {
	if c.sink == nil {
		return 0
	}
	return uint64(c.sink.n)
}

// Reset abandons compression. The scratch buffer is the caller's to
// release; the compressor returns to idle.
func (c *Compressor) Reset() {
	c.frame = nil
	c.sink = nil
	c.active = false
	c.finalized = false
}

// Decompress inflates src into dst and returns the number of bytes
// produced. The caller compares the count against the blob's
// declared size; a mismatch is an integrity failure, not a transport
// error.
func Decompress(algorithm Algorithm, dst, src []byte) (int, error) {
	switch algorithm {
	case AlgorithmLZ4:
		reader := lz4.NewReader(bytes.NewReader(src))
		n, err := io.ReadFull(reader, dst)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("lz4 decompress: %w", err)
		}
		// dst is full; any further output means the stream is
		// larger than the declared blob.
		var probe [1]byte
		if m, _ := reader.Read(probe[:]); m > 0 {
			return n, fmt.Errorf("lz4 decompress: output exceeds %d bytes", len(dst))
		}
		return n, nil
	case AlgorithmZstd:
		// Streaming with lazy frame parsing: the on-disk form is
		// padded to a block boundary, and the padding must never be
		// interpreted as a second frame.
		decoder, err := zstd.NewReader(bytes.NewReader(src), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return 0, fmt.Errorf("zstd decompress: %w", err)
		}
		defer decoder.Close()
		n, err := io.ReadFull(decoder, dst)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("zstd decompress: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("compress: unsupported algorithm %d", algorithm)
	}
}
