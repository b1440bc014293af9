// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/blobfs/lib/compress"
	"github.com/bureau-foundation/blobfs/lib/format"
)

// CachePolicy controls what happens to a blob's in-memory buffers
// when its last handle closes.
type CachePolicy int

const (
	// CacheEvictImmediately tears down the blob's buffers on final
	// close. The inode entry stays live for warm lookup.
	CacheEvictImmediately CachePolicy = iota

	// CacheNeverEvict keeps the buffers mapped.
	CacheNeverEvict
)

// DefaultWritebackBufferSize is the writeback capacity used when the
// options leave it zero.
const DefaultWritebackBufferSize = 2 * 1024 * 1024

// MountOptions configures a mount. The zero value is a writable
// journaled mount with LZ4 compression and immediate eviction.
type MountOptions struct {
	// ReadOnly disables writeback entirely.
	ReadOnly bool

	// Metrics enables the engine counters.
	Metrics bool

	// NoJournal disables write-through journaling. Replay of a
	// previous mount's journal still runs.
	NoJournal bool

	// CachePolicy selects the closed-table behavior.
	CachePolicy CachePolicy

	// WritebackBufferSize is the writeback queue capacity in bytes.
	WritebackBufferSize uint64

	// Compression selects the write-path algorithm. Readback
	// honors the on-disk flag regardless.
	Compression compress.Algorithm

	// Logger receives engine logs; nil means slog.Default().
	Logger *slog.Logger
}

func (o *MountOptions) withDefaults() MountOptions {
	out := *o
	if out.WritebackBufferSize == 0 {
		out.WritebackBufferSize = DefaultWritebackBufferSize
	}
	if out.Compression == 0 {
		out.Compression = compress.AlgorithmLZ4
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// optionsFile is the YAML shape of a mount config file.
type optionsFile struct {
	ReadOnly            bool   `yaml:"readonly"`
	Metrics             bool   `yaml:"metrics"`
	Journal             *bool  `yaml:"journal"`
	CachePolicy         string `yaml:"cache_policy"`
	WritebackBufferSize uint64 `yaml:"writeback_buffer_size"`
	Compression         string `yaml:"compression"`
}

// LoadOptions reads mount options from a single explicit YAML file.
// There is no discovery and no fallback: a missing file is an error.
func LoadOptions(path string) (MountOptions, error) {
	var opts MountOptions
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading mount config: %w", err)
	}
	var file optionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return opts, fmt.Errorf("parsing mount config %s: %w", path, err)
	}
	opts.ReadOnly = file.ReadOnly
	opts.Metrics = file.Metrics
	if file.Journal != nil {
		opts.NoJournal = !*file.Journal
	}
	switch file.CachePolicy {
	case "", "evict_immediately":
		opts.CachePolicy = CacheEvictImmediately
	case "never_evict":
		opts.CachePolicy = CacheNeverEvict
	default:
		return opts, fmt.Errorf("mount config %s: unknown cache policy %q", path, file.CachePolicy)
	}
	opts.WritebackBufferSize = file.WritebackBufferSize
	if file.Compression != "" {
		alg, err := compress.ParseAlgorithm(file.Compression)
		if err != nil {
			return opts, fmt.Errorf("mount config %s: %w", path, err)
		}
		opts.Compression = alg
	}
	return opts, nil
}

// FormatOptions configures image creation.
type FormatOptions struct {
	// DataBlockCount is the size of the data region in blocks.
	DataBlockCount uint64

	// InodeCount is the node-table capacity. Rounded up to a whole
	// block of nodes.
	InodeCount uint64

	// JournalBlockCount is the journal region size in blocks.
	JournalBlockCount uint64

	// SliceSize enables slice mode when nonzero.
	SliceSize uint64
}

func (o *FormatOptions) withDefaults() FormatOptions {
	out := *o
	if out.InodeCount == 0 {
		out.InodeCount = 8 * format.NodesPerBlock
	}
	out.InodeCount = (out.InodeCount + format.NodesPerBlock - 1) /
		format.NodesPerBlock * format.NodesPerBlock
	if out.JournalBlockCount == 0 {
		out.JournalBlockCount = 16
	}
	return out
}
