// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestAlgorithmStrings(t *testing.T) {
	for _, name := range []string{"lz4", "zstd"} {
		alg, err := ParseAlgorithm(name)
		if err != nil {
			t.Fatalf("ParseAlgorithm(%q) failed: %v", name, err)
		}
		if alg.String() != name {
			t.Errorf("roundtrip: %q became %q", name, alg.String())
		}
	}
	if _, err := ParseAlgorithm("gzip"); err == nil {
		t.Error("ParseAlgorithm(\"gzip\") should fail")
	}
}

func compressAll(t *testing.T, algorithm Algorithm, data []byte) []byte {
	t.Helper()
	dst := make([]byte, BufferMax(uint64(len(data))))
	var c Compressor
	if err := c.Initialize(algorithm, dst); err != nil {
		t.Fatalf("Initialize(%s) failed: %v", algorithm, err)
	}
	// Feed in uneven chunks, as the write path does.
	for off := 0; off < len(data); {
		chunk := min(len(data)-off, 3000)
		if err := c.Update(data[off : off+chunk]); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		off += chunk
	}
	if err := c.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	return dst[:c.Size()]
}

func TestStreamingRoundtrip(t *testing.T) {
	data := bytes.Repeat([]byte("compressible content! "), 4096)
	for _, algorithm := range []Algorithm{AlgorithmLZ4, AlgorithmZstd} {
		t.Run(algorithm.String(), func(t *testing.T) {
			compressed := compressAll(t, algorithm, data)
			if len(compressed) >= len(data) {
				t.Fatalf("compression did not shrink: %d >= %d", len(compressed), len(data))
			}
			out := make([]byte, len(data))
			n, err := Decompress(algorithm, out, compressed)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if n != len(data) || !bytes.Equal(out, data) {
				t.Errorf("roundtrip mismatch: got %d bytes", n)
			}
		})
	}
}

func TestDecompressIgnoresBlockPadding(t *testing.T) {
	// On disk the compressed stream is padded to a block boundary;
	// decompression must stop at the stream's own end.
	data := bytes.Repeat([]byte{7}, 100000)
	for _, algorithm := range []Algorithm{AlgorithmLZ4, AlgorithmZstd} {
		t.Run(algorithm.String(), func(t *testing.T) {
			compressed := compressAll(t, algorithm, data)
			padded := make([]byte, (len(compressed)+8191)/8192*8192)
			copy(padded, compressed)
			out := make([]byte, len(data))
			n, err := Decompress(algorithm, out, padded)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if n != len(data) || !bytes.Equal(out, data) {
				t.Errorf("roundtrip with padding mismatch: got %d bytes", n)
			}
		})
	}
}

func TestDecompressShortStream(t *testing.T) {
	// A stream shorter than the declared size shows up as fewer produced bytes,
	// which the caller detects by comparing counts.
	data := bytes.Repeat([]byte{9}, 50000)
	compressed := compressAll(t, AlgorithmLZ4, data)
	out := make([]byte, len(data)+100)
	n, err := Decompress(AlgorithmLZ4, out, compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("produced %d bytes, want %d", n, len(data))
	}
}

func TestCompressorLifecycle(t *testing.T) {
	var c Compressor
	if c.Compressing() {
		t.Error("zero compressor must be idle")
	}
	dst := make([]byte, BufferMax(1024))
	if err := c.Initialize(AlgorithmLZ4, dst); err != nil {
		t.Fatal(err)
	}
	if !c.Compressing() {
		t.Error("initialized compressor must report compressing")
	}
	if err := c.Initialize(AlgorithmLZ4, dst); err == nil {
		t.Error("double initialize should fail")
	}
	c.Reset()
	if c.Compressing() {
		t.Error("reset compressor must be idle")
	}
	if err := c.Update([]byte("x")); err == nil {
		t.Error("update after reset should fail")
	}
	// Re-arm after reset.
	if err := c.Initialize(AlgorithmZstd, dst); err != nil {
		t.Errorf("re-initialize after reset failed: %v", err)
	}
}

func TestIncompressibleDataGrows(t *testing.T) {
	// Random bytes do not compress; the writer's threshold check
	// (Size against declared size minus MinBytesSaved) is what
	// catches this.
	data := make([]byte, 64*1024)
	rand.New(rand.NewSource(42)).Read(data)
	compressed := compressAll(t, AlgorithmLZ4, data)
	if uint64(len(data))-MinBytesSaved >= uint64(len(compressed)) {
		t.Skip("lz4 unexpectedly saved a block on random data")
	}
}

func TestBoundedWriterStopsAtCapacity(t *testing.T) {
	w := &boundedWriter{buf: make([]byte, 8)}
	if _, err := w.Write([]byte("12345678")); err != nil {
		t.Fatalf("write within capacity failed: %v", err)
	}
	if _, err := w.Write([]byte("9")); err == nil {
		t.Error("write past capacity should fail")
	}
}
