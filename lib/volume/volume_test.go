// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCreateOpenRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.fvm")
	m, err := CreateFileManager(path, 1<<20, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Extend(5, 3); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileManager(path)
	if err != nil {
		t.Fatal(err)
	}
	info, err := reopened.Query()
	if err != nil {
		t.Fatal(err)
	}
	if info.SliceSize != 1<<20 || info.TotalSlices != 100 {
		t.Errorf("geometry lost across reopen: %+v", info)
	}
	ranges, err := reopened.VSliceQuery([]uint64{5})
	if err != nil {
		t.Fatal(err)
	}
	if !ranges[0].Allocated || ranges[0].Count != 3 {
		t.Errorf("allocation lost across reopen: %+v", ranges[0])
	}
}

func TestVSliceQueryStates(t *testing.T) {
	m, err := CreateFileManager(filepath.Join(t.TempDir(), "t.fvm"), 8192, 50)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Extend(10, 4); err != nil {
		t.Fatal(err)
	}
	ranges, err := m.VSliceQuery([]uint64{10, 12, 20})
	if err != nil {
		t.Fatal(err)
	}
	if !ranges[0].Allocated || ranges[0].Count != 4 {
		t.Errorf("range at 10 = %+v, want allocated count 4", ranges[0])
	}
	if !ranges[1].Allocated || ranges[1].Count != 2 {
		t.Errorf("range at 12 = %+v, want allocated count 2", ranges[1])
	}
	if ranges[2].Allocated {
		t.Errorf("range at 20 should be unallocated, got %+v", ranges[2])
	}
}

func TestExtendExhaustion(t *testing.T) {
	m, err := CreateFileManager(filepath.Join(t.TempDir(), "t.fvm"), 8192, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Extend(0, 4); err != nil {
		t.Fatal(err)
	}
	if err := m.Extend(10, 1); !errors.Is(err, ErrNoSlices) {
		t.Errorf("want ErrNoSlices, got %v", err)
	}
}

func TestShrinkReleases(t *testing.T) {
	m, err := CreateFileManager(filepath.Join(t.TempDir(), "t.fvm"), 8192, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Extend(0, 4); err != nil {
		t.Fatal(err)
	}
	if err := m.Shrink(2, 2); err != nil {
		t.Fatal(err)
	}
	if err := m.Extend(2, 2); err != nil {
		t.Errorf("shrunk slices should be allocatable again: %v", err)
	}
}
