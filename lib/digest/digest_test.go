// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"strings"
	"testing"
)

func TestParseRoundtrip(t *testing.T) {
	var d Digest
	for i := range d {
		d[i] = byte(i * 7)
	}
	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", d.String(), err)
	}
	if parsed != d {
		t.Errorf("roundtrip mismatch: %s != %s", parsed, d)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"short", "abcd"},
		{"long", strings.Repeat("ab", 33)},
		{"nonhex", strings.Repeat("zz", 32)},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.input); err == nil {
				t.Errorf("Parse(%q) should fail", tt.input)
			}
		})
	}
}

func TestFromBytes(t *testing.T) {
	raw := make([]byte, Size)
	raw[0] = 0xAB
	d, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if d[0] != 0xAB {
		t.Errorf("FromBytes dropped content")
	}
	if _, err := FromBytes(raw[:31]); err == nil {
		t.Error("FromBytes should reject 31 bytes")
	}
}
