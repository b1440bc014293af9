// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package writeback

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/format"
)

func testQueue(t *testing.T, capacity uint64) (*Queue, *blockdev.FileDevice) {
	t.Helper()
	device, err := blockdev.OpenFileDevice(filepath.Join(t.TempDir(), "wb.img"), 128)
	if err != nil {
		t.Fatal(err)
	}
	q, err := NewQueue(device, capacity, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		q.Shutdown()
		device.Close()
	})
	return q, device
}

func TestWorkItemWritesLand(t *testing.T) {
	q, device := testQueue(t, 16)

	buf := bytes.Repeat([]byte{0xEE}, 2*format.BlockSize)
	id, err := device.Attach(buf)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	w := NewWork()
	w.Enqueue(id, 0, 40, 2)
	w.OnComplete(func(err error) { done <- err })
	if err := q.Enqueue(w); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("completion carried error: %v", err)
	}

	in := make([]byte, 2*format.BlockSize)
	inID, err := device.Attach(in)
	if err != nil {
		t.Fatal(err)
	}
	err = device.Transact([]blockdev.Request{{
		Op: blockdev.OpRead, Buffer: inID, DevBlock: 40, Length: 2,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, buf) {
		t.Error("queued write did not land on the device")
	}
}

func TestFIFOOrder(t *testing.T) {
	q, device := testQueue(t, 16)
	buf := make([]byte, format.BlockSize)
	id, err := device.Attach(buf)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		w := NewWork()
		w.Enqueue(id, 0, uint64(i), 1)
		wg.Add(1)
		w.OnComplete(func(error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
		if err := q.Enqueue(w); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	for i, got := range order {
		if got != i {
			t.Fatalf("completion order %v is not FIFO", order)
		}
	}
}

func TestOversizeItemRejected(t *testing.T) {
	q, device := testQueue(t, 16)
	buf := make([]byte, 16*format.BlockSize)
	id, err := device.Attach(buf)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWork()
	w.Enqueue(id, 0, 0, 13) // > 3/4 of 16
	var cbErr error
	cbDone := make(chan struct{})
	w.OnComplete(func(err error) { cbErr = err; close(cbDone) })
	if err := q.Enqueue(w); err == nil {
		t.Fatal("item above the chunk limit must be rejected")
	}
	select {
	case <-cbDone:
	case <-time.After(5 * time.Second):
		t.Fatal("rejection must fire the completion callback")
	}
	if cbErr == nil {
		t.Error("rejected item's callback should carry the error")
	}
}

func TestMaxChunkBlocks(t *testing.T) {
	q, _ := testQueue(t, 16)
	if got := q.MaxChunkBlocks(); got != 12 {
		t.Errorf("MaxChunkBlocks = %d, want 12", got)
	}
}

func TestFlushWaitsForPriorItems(t *testing.T) {
	q, device := testQueue(t, 16)
	buf := make([]byte, format.BlockSize)
	id, err := device.Attach(buf)
	if err != nil {
		t.Fatal(err)
	}
	completed := false
	w := NewWork()
	w.Enqueue(id, 0, 3, 1)
	w.OnComplete(func(error) { completed = true })
	if err := q.Enqueue(w); err != nil {
		t.Fatal(err)
	}
	if err := q.Flush(); err != nil {
		t.Fatal(err)
	}
	if !completed {
		t.Error("flush returned before a prior item completed")
	}
}

func TestSyncCallbackFiresOnReset(t *testing.T) {
	w := NewWork()
	var got error
	w.SetSyncCallback(func(err error) { got = err })
	w.Reset(ErrTest)
	if got != ErrTest {
		t.Errorf("sync callback got %v, want the reset error", got)
	}
	// Reset is terminal; a second completion is ignored.
	w.Complete(nil)
	if got != ErrTest {
		t.Error("completion after reset must not re-fire callbacks")
	}
}

// ErrTest is a sentinel for callback assertions.
var ErrTest = errors.New("test error")
