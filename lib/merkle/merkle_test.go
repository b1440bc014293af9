// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package merkle

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/bureau-foundation/blobfs/lib/digest"
)

func TestTreeLength(t *testing.T) {
	cases := []struct {
		size uint64
		want uint64
	}{
		{0, 0},
		{1, 0},
		{NodeSize, 0},
		{NodeSize + 1, NodeSize},
		{256 * NodeSize, NodeSize},
		{257 * NodeSize, 2*NodeSize + NodeSize},
	}
	for _, tt := range cases {
		if got := TreeLength(tt.size); got != tt.want {
			t.Errorf("TreeLength(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestEmptyRootIsStable(t *testing.T) {
	if EmptyRoot() != EmptyRoot() {
		t.Fatal("empty root must be deterministic")
	}
	var zero digest.Digest
	if EmptyRoot() == zero {
		t.Fatal("empty root must not be all zeroes")
	}
}

func TestCreateSmallBlobHasNoTree(t *testing.T) {
	data := []byte("small blob, fits one node")
	root, err := Create(data, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := Verify(data, nil, 0, uint64(len(data)), root); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestCreateVerifyMultiLevel(t *testing.T) {
	sizes := []uint64{
		NodeSize + 1,
		5 * NodeSize,
		256 * NodeSize,     // exactly one full digest node
		257 * NodeSize,     // two levels
		300*NodeSize + 123, // ragged tail
	}
	rng := rand.New(rand.NewSource(1))
	for _, size := range sizes {
		data := make([]byte, size)
		rng.Read(data)
		tree := make([]byte, TreeLength(size))
		root, err := Create(data, tree)
		if err != nil {
			t.Fatalf("size %d: Create failed: %v", size, err)
		}
		if err := Verify(data, tree, 0, size, root); err != nil {
			t.Errorf("size %d: Verify failed: %v", size, err)
		}
	}
}

func TestCreateIsDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 3*NodeSize)
	tree1 := make([]byte, TreeLength(uint64(len(data))))
	tree2 := make([]byte, TreeLength(uint64(len(data))))
	root1, err := Create(data, tree1)
	if err != nil {
		t.Fatal(err)
	}
	root2, err := Create(data, tree2)
	if err != nil {
		t.Fatal(err)
	}
	if root1 != root2 || !bytes.Equal(tree1, tree2) {
		t.Error("identical data must produce identical trees and roots")
	}
}

func TestVerifyDetectsDataCorruption(t *testing.T) {
	data := make([]byte, 4*NodeSize)
	for i := range data {
		data[i] = byte(i)
	}
	tree := make([]byte, TreeLength(uint64(len(data))))
	root, err := Create(data, tree)
	if err != nil {
		t.Fatal(err)
	}

	data[2*NodeSize+17] ^= 1
	if err := Verify(data, tree, 0, uint64(len(data)), root); err == nil {
		t.Error("flipped data bit must fail verification")
	}
}

func TestVerifyDetectsTreeCorruption(t *testing.T) {
	data := make([]byte, 4*NodeSize)
	tree := make([]byte, TreeLength(uint64(len(data))))
	root, err := Create(data, tree)
	if err != nil {
		t.Fatal(err)
	}
	tree[5] ^= 1
	if err := Verify(data, tree, 0, uint64(len(data)), root); err == nil {
		t.Error("corrupted tree must fail verification")
	}
}

func TestVerifyDetectsWrongRoot(t *testing.T) {
	data := []byte("some content")
	root, err := Create(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	root[0] ^= 1
	if err := Verify(data, nil, 0, uint64(len(data)), root); err == nil {
		t.Error("wrong root must fail verification")
	}
}

func TestVerifyRejectsRangeBeyondBlob(t *testing.T) {
	data := []byte("short")
	root, err := Create(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(data, nil, 3, 10, root); err == nil {
		t.Error("out-of-range request must fail")
	}
}

func TestCreateRejectsWrongTreeSize(t *testing.T) {
	data := make([]byte, 2*NodeSize)
	if _, err := Create(data, make([]byte, 1)); err == nil {
		t.Error("Create must reject a mis-sized tree buffer")
	}
}
