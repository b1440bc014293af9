// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package volume is the slice-granularity capacity provider behind a
// slice-mode image. The engine queries and extends regions through
// the Manager interface; the file-backed implementation tracks its
// slice table in a CBOR sidecar next to the image.
package volume

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrNoSlices is returned by Extend when the volume has fewer free
// slices than the request needs.
var ErrNoSlices = errors.New("volume: out of slices")

// Info describes the volume geometry.
type Info struct {
	SliceSize   uint64
	TotalSlices uint64
}

// Range is one element of a VSliceQuery response: the state of the
// queried slice and the number of contiguous slices sharing it.
type Range struct {
	Allocated bool
	Count     uint64
}

// Manager provides and reclaims slices.
type Manager interface {
	// Query returns the volume geometry.
	Query() (Info, error)

	// VSliceQuery reports, for each queried virtual slice, whether
	// it is allocated and how many contiguous slices share that
	// state.
	VSliceQuery(starts []uint64) ([]Range, error)

	// Extend allocates count slices starting at startSlice.
	Extend(startSlice, count uint64) error

	// Shrink releases count slices starting at startSlice.
	Shrink(startSlice, count uint64) error
}

// encMode matches the deterministic encoding used for every
// persistent record: sorted keys, smallest integer forms.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("volume: CBOR encoder initialization failed: " + err.Error())
	}
}

type sliceTable struct {
	SliceSize   uint64   `cbor:"slice_size"`
	TotalSlices uint64   `cbor:"total_slices"`
	Allocated   []uint64 `cbor:"allocated"`
}

// FileManager is a Manager whose slice table lives in a sidecar
// file. The backing device file is sparse, so "allocating" a slice
// is pure bookkeeping.
type FileManager struct {
	path string

	mu        sync.Mutex
	info      Info
	allocated map[uint64]bool
}

// CreateFileManager writes a fresh slice table.
func CreateFileManager(path string, sliceSize, totalSlices uint64) (*FileManager, error) {
	if sliceSize == 0 {
		return nil, fmt.Errorf("volume: slice size must be positive")
	}
	m := &FileManager{
		path:      path,
		info:      Info{SliceSize: sliceSize, TotalSlices: totalSlices},
		allocated: make(map[uint64]bool),
	}
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// OpenFileManager loads an existing slice table.
func OpenFileManager(path string) (*FileManager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("volume: reading slice table: %w", err)
	}
	var table sliceTable
	if err := cbor.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("volume: decoding slice table: %w", err)
	}
	m := &FileManager{
		path:      path,
		info:      Info{SliceSize: table.SliceSize, TotalSlices: table.TotalSlices},
		allocated: make(map[uint64]bool, len(table.Allocated)),
	}
	for _, s := range table.Allocated {
		m.allocated[s] = true
	}
	return m, nil
}

func (m *FileManager) persistLocked() error {
	table := sliceTable{
		SliceSize:   m.info.SliceSize,
		TotalSlices: m.info.TotalSlices,
		Allocated:   make([]uint64, 0, len(m.allocated)),
	}
	for s := range m.allocated {
		table.Allocated = append(table.Allocated, s)
	}
	sort.Slice(table.Allocated, func(i, j int) bool { return table.Allocated[i] < table.Allocated[j] })
	raw, err := encMode.Marshal(table)
	if err != nil {
		return fmt.Errorf("volume: encoding slice table: %w", err)
	}
	if err := os.WriteFile(m.path, raw, 0o644); err != nil {
		return fmt.Errorf("volume: writing slice table: %w", err)
	}
	return nil
}

// Query returns the volume geometry.
func (m *FileManager) Query() (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, nil
}

// VSliceQuery reports the allocation state at each queried slice.
func (m *FileManager) VSliceQuery(starts []uint64) ([]Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ranges := make([]Range, len(starts))
	for i, start := range starts {
		state := m.allocated[start]
		count := uint64(0)
		for s := start; count < m.info.TotalSlices && m.allocated[s] == state; s++ {
			count++
		}
		ranges[i] = Range{Allocated: state, Count: count}
	}
	return ranges, nil
}

// Extend allocates count slices starting at startSlice.
func (m *FileManager) Extend(startSlice, count uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.info.TotalSlices - uint64(len(m.allocated))
	need := uint64(0)
	for s := startSlice; s < startSlice+count; s++ {
		if !m.allocated[s] {
			need++
		}
	}
	if need > free {
		return fmt.Errorf("%w: %d requested, %d free", ErrNoSlices, need, free)
	}
	for s := startSlice; s < startSlice+count; s++ {
		m.allocated[s] = true
	}
	return m.persistLocked()
}

// Shrink releases count slices starting at startSlice.
func (m *FileManager) Shrink(startSlice, count uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := startSlice; s < startSlice+count; s++ {
		delete(m.allocated, s)
	}
	return m.persistLocked()
}
