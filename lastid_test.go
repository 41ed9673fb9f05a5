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

func buildSampleCompressedDump(t *testing.T) []byte {
	t.Helper()
	pages := [][]byte{
		testfixture.SamplePage(10, "Alpha", 2),
		testfixture.SamplePage(20, "Beta", 3),
		testfixture.SamplePage(30, "Gamma", 1),
	}
	dump := testfixture.SampleDump(pages)
	compressed, err := testfixture.Bzip2(dump, 1)
	if err != nil {
		t.Fatal(err)
	}
	return compressed
}

func TestFindLastIDPage(t *testing.T) {
	compressed := buildSampleCompressedDump(t)
	ra := bytes.NewReader(compressed)
	id, err := mwbzutils.FindLastID(ra, int64(len(compressed)), mwbzutils.PageID)
	if err != nil {
		t.Fatal(err)
	}
	if id != 30 {
		t.Errorf("FindLastID(PageID) = %d, want 30", id)
	}
}

func TestFindLastIDRevision(t *testing.T) {
	compressed := buildSampleCompressedDump(t)
	ra := bytes.NewReader(compressed)
	id, err := mwbzutils.FindLastID(ra, int64(len(compressed)), mwbzutils.RevisionID)
	if err != nil {
		t.Fatal(err)
	}
	// SamplePage numbers revision ids as (r+1)+pageID*1000; page 30's
	// single revision is id 30001, the highest across all pages.
	if id != 30001 {
		t.Errorf("FindLastID(RevisionID) = %d, want 30001", id)
	}
}

func TestFindLastIDTruncatedFile(t *testing.T) {
	if _, err := mwbzutils.FindLastID(bytes.NewReader([]byte{1, 2, 3}), 3, mwbzutils.PageID); err == nil {
		t.Fatal("expected an error for a file with no valid trailer")
	}
}
