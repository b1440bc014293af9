// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest defines the 32-byte content digest that names every
// blob. The digest is the root of the blob's Merkle tree; the hex
// encoding of the digest is the blob's filename.
package digest

import (
	"encoding/hex"
	"fmt"
)

// Size is the length of a digest in bytes.
const Size = 32

// StringLength is the length of the hex encoding of a digest.
const StringLength = Size * 2

// Digest is a 32-byte content digest. It is both the name of a blob
// and the integrity anchor for every byte read back from it.
type Digest [Size]byte

// String returns the canonical lowercase hex encoding. This is the
// form used as a directory entry name and in log output.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse parses a hex-encoded digest string. Returns an error if the
// string is not a valid 64-character hex encoding of 32 bytes.
func Parse(hexString string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != Size {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(decoded), Size)
	}
	copy(d[:], decoded)
	return d, nil
}

// FromBytes copies a raw 32-byte digest. Returns an error if the
// slice is not exactly 32 bytes.
func FromBytes(raw []byte) (Digest, error) {
	var d Digest
	if len(raw) != Size {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(raw), Size)
	}
	copy(d[:], raw)
	return d, nil
}
