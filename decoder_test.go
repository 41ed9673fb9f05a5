// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/cosnicolaou/mwbzutils"
	"github.com/cosnicolaou/mwbzutils/internal/testfixture"
)

func TestOpenAtFromStart(t *testing.T) {
	data := testfixture.PredictableRandomData(16 * 1024)
	compressed, err := testfixture.Bzip2(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	ra := bytes.NewReader(compressed)
	size := int64(len(compressed))

	rec, err := mwbzutils.FindBlock(ra, 0, mwbzutils.Forward, size, true)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := mwbzutils.OpenAt(ra, size, rec, '1')
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("decoded %d bytes, want %d bytes matching the original", len(got), len(data))
	}
}

func TestOpenAtInvalidOffset(t *testing.T) {
	data := testfixture.PredictableRandomData(1024)
	compressed, err := testfixture.Bzip2(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	ra := bytes.NewReader(compressed)
	size := int64(len(compressed))
	_, err = mwbzutils.OpenAt(ra, size, mwbzutils.BlockRecord{ByteOffset: size + 10}, '1')
	if err == nil {
		t.Fatal("expected an error for an out-of-range offset")
	}
}
