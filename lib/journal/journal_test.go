// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/blobfs/lib/blockdev"
	"github.com/bureau-foundation/blobfs/lib/format"
	"github.com/bureau-foundation/blobfs/lib/writeback"
)

const (
	testJournalStart  = 1
	testJournalLength = 16
)

func testSetup(t *testing.T) (*blockdev.FileDevice, *writeback.Queue) {
	t.Helper()
	device, err := blockdev.OpenFileDevice(filepath.Join(t.TempDir(), "journal.img"), 256)
	if err != nil {
		t.Fatal(err)
	}
	if err := Format(device, testJournalStart); err != nil {
		t.Fatal(err)
	}
	q, err := writeback.NewQueue(device, 64, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		q.Shutdown()
		device.Close()
	})
	return device, q
}

// metadataWork builds a work item writing pattern-filled blocks to
// the given device blocks.
func metadataWork(t *testing.T, device blockdev.Device, pattern byte, targets ...uint64) (*writeback.Work, blockdev.BufferID) {
	t.Helper()
	buf := bytes.Repeat([]byte{pattern}, len(targets)*format.BlockSize)
	id, err := device.Attach(buf)
	if err != nil {
		t.Fatal(err)
	}
	w := writeback.NewWork()
	for i, target := range targets {
		w.Enqueue(id, uint64(i), target, 1)
	}
	return w, id
}

func readBlock(t *testing.T, device blockdev.Device, block uint64) []byte {
	t.Helper()
	buf := make([]byte, format.BlockSize)
	id, err := device.Attach(buf)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Detach(id)
	err = device.Transact([]blockdev.Request{{
		Op: blockdev.OpRead, Buffer: id, DevBlock: block, Length: 1,
	}})
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func waitSync(t *testing.T, w *writeback.Work) error {
	t.Helper()
	done := make(chan error, 1)
	w.SetSyncCallback(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for journal commit")
		return nil
	}
}

func TestCommitAppliesHomeWrites(t *testing.T) {
	device, q := testSetup(t)
	j, err := New(device, q, testJournalStart, testJournalLength, nil)
	if err != nil {
		t.Fatal(err)
	}

	w, _ := metadataWork(t, device, 0xAB, 100, 101)
	done := make(chan error, 1)
	w.SetSyncCallback(func(err error) { done <- err })
	if err := j.Enqueue(w); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	j.Shutdown()

	for _, block := range []uint64{100, 101} {
		got := readBlock(t, device, block)
		if got[0] != 0xAB || got[format.BlockSize-1] != 0xAB {
			t.Errorf("home block %d not applied", block)
		}
	}
}

func TestSyncMarkerOrdersAfterMetadata(t *testing.T) {
	device, q := testSetup(t)
	j, err := New(device, q, testJournalStart, testJournalLength, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Shutdown()

	var mu sync.Mutex
	var order []string
	w, _ := metadataWork(t, device, 0x11, 120)
	w.SetSyncCallback(func(error) {
		mu.Lock()
		order = append(order, "metadata")
		mu.Unlock()
	})
	if err := j.Enqueue(w); err != nil {
		t.Fatal(err)
	}

	syncWork := writeback.NewWork()
	syncDone := make(chan struct{})
	syncWork.SetSyncCallback(func(error) {
		mu.Lock()
		order = append(order, "sync")
		mu.Unlock()
		close(syncDone)
	})
	if err := j.Enqueue(syncWork); err != nil {
		t.Fatal(err)
	}

	select {
	case <-syncDone:
	case <-time.After(10 * time.Second):
		t.Fatal("sync marker never completed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "metadata" || order[1] != "sync" {
		t.Errorf("completion order = %v, want [metadata sync]", order)
	}
}

// crashJournal builds a Journal over the formatted ring without
// starting its commit loop, so a test can stage and ring-write
// entries whose home writes are never issued, modeling a crash after
// the ring write.
func crashJournal(t *testing.T, device blockdev.Device, q *writeback.Queue) *Journal {
	t.Helper()
	info, err := readInfo(device, testJournalStart)
	if err != nil {
		t.Fatal(err)
	}
	j := &Journal{
		device:     device,
		queue:      q,
		startBlock: testJournalStart,
		ringBlocks: testJournalLength - 1,
		head:       info.start,
		tail:       info.start,
		headSeq:    info.sequence,
		nextSeq:    info.sequence,
	}
	j.wake = sync.NewCond(&j.mu)
	return j
}

func TestReplayAppliesCommittedEntry(t *testing.T) {
	device, q := testSetup(t)
	j := crashJournal(t, device, q)

	w, _ := metadataWork(t, device, 0x5C, 130)
	e, err := j.stage(w)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.writeEntry(e); err != nil {
		t.Fatal(err)
	}
	// Crash: home writes never issued. The target must be clean.
	if got := readBlock(t, device, 130); got[0] != 0 {
		t.Fatal("home block written before replay")
	}

	if err := Replay(device, testJournalStart, testJournalLength, nil); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if got := readBlock(t, device, 130); got[0] != 0x5C {
		t.Error("replay did not apply the committed entry")
	}

	// Replay is idempotent and leaves an empty ring.
	if err := Replay(device, testJournalStart, testJournalLength, nil); err != nil {
		t.Errorf("second replay failed: %v", err)
	}
}

func TestReplayStopsAtCorruptEntry(t *testing.T) {
	device, q := testSetup(t)
	j := crashJournal(t, device, q)

	first, _ := metadataWork(t, device, 0x01, 140)
	e1, err := j.stage(first)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.writeEntry(e1); err != nil {
		t.Fatal(err)
	}
	second, _ := metadataWork(t, device, 0x02, 141)
	e2, err := j.stage(second)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.writeEntry(e2); err != nil {
		t.Fatal(err)
	}

	// Corrupt the second entry's payload in the ring.
	garbage := bytes.Repeat([]byte{0xFF}, format.BlockSize)
	id, err := device.Attach(garbage)
	if err != nil {
		t.Fatal(err)
	}
	payloadBlock := testJournalStart + 1 + e2.ringPos + 1
	err = device.Transact([]blockdev.Request{{
		Op: blockdev.OpWrite, Buffer: id, DevBlock: payloadBlock, Length: 1,
	}})
	device.Detach(id)
	if err != nil {
		t.Fatal(err)
	}

	if err := Replay(device, testJournalStart, testJournalLength, nil); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if got := readBlock(t, device, 140); got[0] != 0x01 {
		t.Error("intact first entry was not applied")
	}
	if got := readBlock(t, device, 141); got[0] != 0 {
		t.Error("corrupt second entry must not be applied, even partially")
	}
}

func TestReplayFreshRingIsEmpty(t *testing.T) {
	device, _ := testSetup(t)
	if err := Replay(device, testJournalStart, testJournalLength, nil); err != nil {
		t.Fatalf("replay of a fresh ring failed: %v", err)
	}
}

func TestStageRejectsOversizeEntry(t *testing.T) {
	device, q := testSetup(t)
	j := crashJournal(t, device, q)
	// 20 payload blocks cannot fit a 15-block ring.
	buf := make([]byte, 20*format.BlockSize)
	id, err := device.Attach(buf)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Detach(id)
	w := writeback.NewWork()
	w.Enqueue(id, 0, 200, 20)
	if _, err := j.stage(w); err == nil {
		t.Error("entry larger than the ring must be rejected at stage time")
	}
}
