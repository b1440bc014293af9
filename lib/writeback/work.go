// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package writeback transports batched block-device writes from the
// engine to the device. A work item is an ordered list of buffer
// writes with optional completion and sync callbacks; the queue
// drains items in FIFO order on a single consumer goroutine.
package writeback

import (
	"github.com/bureau-foundation/blobfs/lib/blockdev"
)

// Work is one writeback unit. Writes within a work item are issued
// in order; callbacks fire exactly once, with the final status.
type Work struct {
	requests    []blockdev.Request
	blocks      uint64
	syncFn      func(error)
	completions []func(error)
	finished    bool
}

// NewWork returns an empty work item.
func NewWork() *Work {
	return &Work{}
}

// Enqueue appends a write of length blocks from buffer-relative
// block bufBlock to device block devBlock.
func (w *Work) Enqueue(buf blockdev.BufferID, bufBlock, devBlock, length uint64) {
	w.requests = append(w.requests, blockdev.Request{
		Op:       blockdev.OpWrite,
		Buffer:   buf,
		DevBlock: devBlock,
		BufBlock: bufBlock,
		Length:   uint32(length),
	})
	w.blocks += length
}

// EnqueueFlush appends a write barrier.
func (w *Work) EnqueueFlush() {
	w.requests = append(w.requests, blockdev.Request{Op: blockdev.OpFlush})
}

// SetSyncCallback registers a callback that fires when the item is
// durable (for journaled metadata, after the journal commits). It
// fires with an error if the item is abandoned.
func (w *Work) SetSyncCallback(fn func(error)) { w.syncFn = fn }

// OnComplete registers a completion callback. Completions run after
// the item's writes finish, before the sync callback.
func (w *Work) OnComplete(fn func(error)) {
	w.completions = append(w.completions, fn)
}

// Requests returns the item's requests in order.
func (w *Work) Requests() []blockdev.Request { return w.requests }

// Blocks returns the total blocks the item writes.
func (w *Work) Blocks() uint64 { return w.blocks }

// Empty reports whether the item carries no requests. An empty item
// with a sync callback is a pure sync marker.
func (w *Work) Empty() bool { return len(w.requests) == 0 }

// Complete fires the item's callbacks with the final status. Safe to
// call once; later calls are ignored.
func (w *Work) Complete(err error) {
	if w.finished {
		return
	}
	w.finished = true
	for _, fn := range w.completions {
		fn(err)
	}
	if w.syncFn != nil {
		w.syncFn(err)
	}
}

// Reset abandons the item: requests are dropped and callbacks fire
// with err. Used when the engine enters an error state with work
// still pending.
func (w *Work) Reset(err error) {
	w.requests = nil
	w.blocks = 0
	w.Complete(err)
}
