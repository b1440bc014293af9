// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package writeback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/blobfs/lib/blockdev"
)

// Queue is the bounded writeback pipeline. Capacity is counted in
// blocks; an enqueue blocks the caller until the item fits. Items
// larger than three quarters of capacity must be split by the caller
// before enqueueing — that is the pagination contract, and violating
// it is an error, not a stall.
type Queue struct {
	device   blockdev.Device
	capacity uint64
	logger   *slog.Logger

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    []*Work
	inFlight uint64
	sticky   error
	closing  bool

	consumerDone sync.WaitGroup
}

// NewQueue starts a writeback queue with the given capacity in
// blocks and its consumer goroutine.
func NewQueue(device blockdev.Device, capacityBlocks uint64, logger *slog.Logger) (*Queue, error) {
	if capacityBlocks == 0 {
		return nil, fmt.Errorf("writeback: capacity must be at least one block")
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		device:   device,
		capacity: capacityBlocks,
		logger:   logger.With("component", "writeback"),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	q.consumerDone.Add(1)
	go q.consume()
	return q, nil
}

// Capacity returns the queue capacity in blocks.
func (q *Queue) Capacity() uint64 { return q.capacity }

// MaxChunkBlocks returns the largest item the pagination contract
// allows.
func (q *Queue) MaxChunkBlocks() uint64 { return 3 * q.capacity / 4 }

// Enqueue submits a work item. Blocks until capacity is available.
// After the queue has entered an error state, items are reset with
// the sticky error and that error is returned.
func (q *Queue) Enqueue(w *Work) error {
	if w.Blocks() > q.MaxChunkBlocks() {
		err := fmt.Errorf("writeback: item of %d blocks exceeds chunk limit %d; caller must paginate",
			w.Blocks(), q.MaxChunkBlocks())
		w.Reset(err)
		return err
	}

	q.mu.Lock()
	for q.sticky == nil && !q.closing && q.inFlight+w.Blocks() > q.capacity {
		q.notFull.Wait()
	}
	if q.sticky != nil || q.closing {
		err := q.sticky
		if err == nil {
			err = fmt.Errorf("writeback: queue is shut down")
		}
		q.mu.Unlock()
		w.Reset(err)
		return err
	}
	q.items = append(q.items, w)
	q.inFlight += w.Blocks()
	q.notEmpty.Signal()
	q.mu.Unlock()
	return nil
}

// Flush enqueues a barrier item and waits for it to complete, which
// implies every item ahead of it has been written and the device has
// flushed.
func (q *Queue) Flush() error {
	done := make(chan error, 1)
	w := NewWork()
	w.EnqueueFlush()
	w.OnComplete(func(err error) { done <- err })
	if err := q.Enqueue(w); err != nil {
		return err
	}
	return <-done
}

// Shutdown drains every pending item and stops the consumer. Items
// enqueued after Shutdown fail.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closing = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
	q.consumerDone.Wait()
}

func (q *Queue) consume() {
	defer q.consumerDone.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closing {
			q.notEmpty.Wait()
		}
		if len(q.items) == 0 && q.closing {
			q.mu.Unlock()
			return
		}
		w := q.items[0]
		q.items = q.items[1:]
		sticky := q.sticky
		q.mu.Unlock()

		var err error
		if sticky != nil {
			err = sticky
			w.Reset(err)
		} else if !w.Empty() {
			if err = q.device.Transact(w.Requests()); err != nil {
				q.logger.Error("writeback transaction failed", "error", err)
			}
		}

		q.mu.Lock()
		q.inFlight -= w.Blocks()
		if err != nil && q.sticky == nil {
			q.sticky = err
		}
		q.notFull.Broadcast()
		q.mu.Unlock()

		if sticky == nil {
			w.Complete(err)
		}
	}
}
