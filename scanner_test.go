// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/cosnicolaou/mwbzutils"
	"github.com/cosnicolaou/mwbzutils/internal/testfixture"
)

func TestScannerSingleStream(t *testing.T) {
	data := testfixture.PredictableRandomData(32 * 1024)
	compressed, err := testfixture.Bzip2(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	sc := mwbzutils.NewScanner(bytes.NewReader(compressed))
	var blocks int
	var sawEOS bool
	for sc.Scan(context.Background()) {
		b := sc.Block()
		if b.EOS {
			sawEOS = true
			continue
		}
		blocks++
		if b.SizeInBits <= 0 {
			t.Errorf("block %d: non-positive SizeInBits %v", blocks, b.SizeInBits)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if !sawEOS {
		t.Error("scanner never reported an EOS block")
	}
	if blocks == 0 {
		t.Error("scanner reported no data blocks")
	}
}

func TestScannerMultiStream(t *testing.T) {
	chunks := [][]byte{
		testfixture.PredictableRandomData(4096),
		testfixture.PredictableRandomData(4096),
	}
	compressed, err := testfixture.MultiStreamBzip2(chunks, 1)
	if err != nil {
		t.Fatal(err)
	}
	sc := mwbzutils.NewScanner(bytes.NewReader(compressed))
	eosCount := 0
	for sc.Scan(context.Background()) {
		if sc.Block().EOS {
			eosCount++
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if eosCount != len(chunks) {
		t.Errorf("got %d EOS blocks, want %d", eosCount, len(chunks))
	}
}

func TestScannerBadHeader(t *testing.T) {
	sc := mwbzutils.NewScanner(bytes.NewReader([]byte("not a bzip2 file")))
	if sc.Scan(context.Background()) {
		t.Fatal("expected Scan to fail on bad header")
	}
	if sc.Err() == nil {
		t.Fatal("expected a non-nil error")
	}
}

func TestFindBlockForward(t *testing.T) {
	data := testfixture.PredictableRandomData(64 * 1024)
	compressed, err := testfixture.Bzip2(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	ra := bytes.NewReader(compressed)
	rec, err := mwbzutils.FindBlock(ra, 0, mwbzutils.Forward, int64(len(compressed)), true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ByteOffset <= 0 {
		t.Errorf("expected a block after the header, got offset %v", rec.ByteOffset)
	}
}

func TestFindBlockBackward(t *testing.T) {
	data := testfixture.PredictableRandomData(64 * 1024)
	compressed, err := testfixture.Bzip2(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	ra := bytes.NewReader(compressed)
	fwd, err := mwbzutils.FindBlock(ra, 0, mwbzutils.Forward, int64(len(compressed)), true)
	if err != nil {
		t.Fatal(err)
	}
	back, err := mwbzutils.FindBlock(ra, int64(len(compressed)), mwbzutils.Backward, int64(len(compressed)), true)
	if err != nil {
		t.Fatal(err)
	}
	if back.ByteOffset < fwd.ByteOffset {
		t.Errorf("backward search found offset %v before the forward one at %v", back.ByteOffset, fwd.ByteOffset)
	}
}

func TestFindBlockNotFound(t *testing.T) {
	buf := make([]byte, 256)
	if _, err := mwbzutils.FindBlock(bytes.NewReader(buf), 0, mwbzutils.Forward, int64(len(buf)), true); err == nil {
		t.Fatal("expected a not-found error scanning all-zero data")
	}
}
