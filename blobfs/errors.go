// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import "errors"

// Client-visible error kinds. Every failure surfaced by the engine
// wraps exactly one of these; callers branch with errors.Is.
var (
	// ErrNotFound: no blob with the requested digest exists.
	ErrNotFound = errors.New("blobfs: not found")

	// ErrAlreadyExists: a blob with this digest is already
	// committed or being written.
	ErrAlreadyExists = errors.New("blobfs: already exists")

	// ErrNoSpace: a reservation failed even after a growth attempt.
	ErrNoSpace = errors.New("blobfs: no space")

	// ErrNeedBitmapSlice: data capacity exists but the allocation
	// bitmap cannot grow to track it.
	ErrNeedBitmapSlice = errors.New("blobfs: bitmap slice needed")

	// ErrBadState: the operation is invalid for the blob's (or the
	// engine's) current state.
	ErrBadState = errors.New("blobfs: bad state")

	// ErrIntegrity: stored or written bytes do not match the digest
	// that names them.
	ErrIntegrity = errors.New("blobfs: integrity error")

	// ErrIO: the block device failed.
	ErrIO = errors.New("blobfs: i/o error")

	// ErrUnavailable: a required collaborator (volume manager)
	// cannot be reached.
	ErrUnavailable = errors.New("blobfs: unavailable")

	// ErrOutOfRange: an offset or length exceeds the blob.
	ErrOutOfRange = errors.New("blobfs: out of range")

	// ErrOutOfMemory: a buffer could not be materialized.
	ErrOutOfMemory = errors.New("blobfs: out of memory")

	// ErrInvalidArgs: a malformed request.
	ErrInvalidArgs = errors.New("blobfs: invalid arguments")
)
