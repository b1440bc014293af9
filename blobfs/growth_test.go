// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/blobfs/lib/format"
)

// sliceTestImage formats a slice-mode image with 8-block slices, so
// growth triggers quickly.
func sliceTestImage(t *testing.T, dataSlices uint64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sliced.img")
	opts := FormatOptions{SliceSize: 8 * format.BlockSize}
	if err := FormatFile(path, dataSlices, opts); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSliceModeMountAndWrite(t *testing.T) {
	path := sliceTestImage(t, 64)
	fs := mountTest(t, path, MountOptions{})
	defer fs.Shutdown()

	if !fs.sb.SliceMode() {
		t.Fatal("image should be slice mode")
	}
	content := []byte("fits in the initial data slice")
	d := writeBlob(t, fs, content)
	if got := readBlob(t, fs, d); !bytes.Equal(got, content) {
		t.Error("slice-mode blob read back differs")
	}
}

func TestGrowBlocksOnDemand(t *testing.T) {
	path := sliceTestImage(t, 64)
	fs := mountTest(t, path, MountOptions{})
	defer fs.Shutdown()

	before := fs.sb.DataBlockCount
	if before != 8 {
		t.Fatalf("initial data region = %d blocks, want one slice (8)", before)
	}

	// 100 KiB needs 13 data blocks plus a Merkle block — more than
	// the single initial slice.
	content := make([]byte, 100*1024)
	rand.New(rand.NewSource(8)).Read(content)
	d := writeBlob(t, fs, content)

	if fs.sb.DataBlockCount <= before {
		t.Errorf("data region did not grow: %d -> %d", before, fs.sb.DataBlockCount)
	}
	if fs.sb.DatSlices < 2 {
		t.Errorf("dat_slices = %d, want at least 2", fs.sb.DatSlices)
	}
	if got := readBlob(t, fs, d); !bytes.Equal(got, content) {
		t.Error("grown blob read back differs")
	}
	if err := fs.Check(true); err != nil {
		t.Errorf("consistency check failed: %v", err)
	}
}

func TestGrowthPersistsAcrossRemount(t *testing.T) {
	path := sliceTestImage(t, 64)
	fs := mountTest(t, path, MountOptions{})

	content := make([]byte, 200*1024)
	rand.New(rand.NewSource(9)).Read(content)
	d := writeBlob(t, fs, content)
	grown := fs.sb.DataBlockCount
	if err := fs.Shutdown(); err != nil {
		t.Fatal(err)
	}

	fs2 := mountTest(t, path, MountOptions{})
	defer fs2.Shutdown()
	if fs2.sb.DataBlockCount != grown {
		t.Errorf("grown geometry lost: %d != %d", fs2.sb.DataBlockCount, grown)
	}
	if got := readBlob(t, fs2, d); !bytes.Equal(got, content) {
		t.Error("blob on grown slices lost across remount")
	}
}

func TestGrowthExhaustsVolume(t *testing.T) {
	// Only two data slices available: a large blob must fail with
	// NoSpace after the growth attempt.
	path := sliceTestImage(t, 2)
	fs := mountTest(t, path, MountOptions{})
	defer fs.Shutdown()

	content := make([]byte, 1<<20)
	rand.New(rand.NewSource(10)).Read(content)
	d := contentDigest(t, content)
	b, err := fs.Create(d)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	err = b.SpaceAllocate(uint64(len(content)))
	if err == nil {
		t.Fatal("allocation beyond the volume should fail")
	}
}
