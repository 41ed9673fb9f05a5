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

func TestCheckFooter(t *testing.T) {
	data := testfixture.PredictableRandomData(8192)
	compressed, err := testfixture.Bzip2(data, 3)
	if err != nil {
		t.Fatal(err)
	}
	trailer, err := mwbzutils.CheckFooter(bytes.NewReader(compressed), int64(len(compressed)))
	if err != nil {
		t.Fatal(err)
	}
	if trailer.EndMarkerOffset <= 0 || trailer.EndMarkerOffset >= int64(len(compressed)) {
		t.Errorf("EndMarkerOffset out of range: %v", trailer.EndMarkerOffset)
	}
	if trailer.BitShift < 0 || trailer.BitShift > 7 {
		t.Errorf("BitShift out of range: %v", trailer.BitShift)
	}
}

func TestCheckFooterTruncated(t *testing.T) {
	if _, err := mwbzutils.CheckFooter(bytes.NewReader([]byte{1, 2, 3}), 3); err == nil {
		t.Fatal("expected error for truncated input")
	}
}
