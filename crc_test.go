// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils_test

import (
	"bytes"
	"testing"

	"github.com/cosnicolaou/mwbzutils"
	"github.com/cosnicolaou/mwbzutils/internal/testfixture"
)

func TestCombineCRC(t *testing.T) {
	cases := []struct {
		cc, block, want uint32
	}{
		{0, 0, 0},
		{0, 0xdeadbeef, 0xdeadbeef},
		{0x80000000, 0, 1},
		{0x12345678, 0x87654321, (0x12345678<<1 | 0x12345678>>31) ^ 0x87654321},
	}
	for _, tc := range cases {
		got := mwbzutils.CombineCRC(tc.cc, tc.block)
		if got != tc.want {
			t.Errorf("CombineCRC(0x%x, 0x%x) = 0x%x, want 0x%x", tc.cc, tc.block, got, tc.want)
		}
	}
}

func TestWalkCombinedCRC(t *testing.T) {
	data := testfixture.PredictableRandomData(4096)
	compressed, err := testfixture.Bzip2(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	cc, err := mwbzutils.WalkCombinedCRC(bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	trailer, err := mwbzutils.CheckFooter(bytes.NewReader(compressed), int64(len(compressed)))
	if err != nil {
		t.Fatal(err)
	}
	if cc != trailer.CombinedCRC32 {
		t.Errorf("WalkCombinedCRC = 0x%08x, want trailer CRC 0x%08x", cc, trailer.CombinedCRC32)
	}
}
