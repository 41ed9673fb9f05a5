// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package testfixture synthesizes bzip2 test data in process, using
// github.com/dsnet/compress/bzip2.Writer, rather than shelling out to
// the system's bzip2 binary the way the teacher's gentestdata.go and
// genpatterns.go did. That let tests run without an external
// dependency and without the nondeterminism of relying on whatever
// bzip2 happens to be installed.
package testfixture

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"

	dsnetbzip2 "github.com/dsnet/compress/bzip2"
)

// fixedRandSeed mirrors the teacher's gentestdata.go constant, kept
// for any test that needs the exact same bytes across runs.
const fixedRandSeed = 0x1234

// PredictableRandomData generates random data from a fixed seed, for
// tests that need the exact same bytes across runs.
func PredictableRandomData(size int) []byte {
	gen := rand.New(rand.NewSource(fixedRandSeed))
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(gen.Intn(256))
	}
	return out
}

// Bzip2 compresses data into a single ordinary bzip2 stream at the
// given compression level (1-9).
func Bzip2(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := dsnetbzip2.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("testfixture: new writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("testfixture: write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("testfixture: close: %w", err)
	}
	return buf.Bytes(), nil
}

// MultiStreamBzip2 concatenates independently compressed bzip2 streams
// for each element of chunks, producing the multi-stream layout a real
// dump file uses.
func MultiStreamBzip2(chunks [][]byte, level int) ([]byte, error) {
	var out bytes.Buffer
	for i, c := range chunks {
		b, err := Bzip2(c, level)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out.Write(b)
	}
	return out.Bytes(), nil
}

// WriteBzipFile writes data compressed at the given level to filename.
func WriteBzipFile(filename string, data []byte, level int) error {
	compressed, err := Bzip2(data, level)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, compressed, 0o600)
}

// FirstN returns at most the first n bytes of b.
func FirstN(n int, b []byte) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// SamplePage renders a minimal well-formed MediaWiki page element with
// the given id, title and revision count, matching the structure the
// splicer, recompressor and last-id scanners all parse.
func SamplePage(id int64, title string, revisions int) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "  <page>\n    <title>%s</title>\n    <ns>0</ns>\n    <id>%d</id>\n", title, id)
	for r := 0; r < revisions; r++ {
		fmt.Fprintf(&buf, "    <revision>\n      <id>%d</id>\n      <text>sample</text>\n    </revision>\n", int64(r+1)+id*1000)
	}
	buf.WriteString("  </page>\n")
	return buf.Bytes()
}

// SampleDump renders a minimal well-formed dump containing the given
// pages, wrapped in the usual <mediawiki>/<siteinfo> preamble.
func SampleDump(pages [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("<mediawiki>\n  <siteinfo>\n    <sitename>Test</sitename>\n  </siteinfo>\n")
	for _, p := range pages {
		buf.Write(p)
	}
	buf.WriteString("</mediawiki>\n")
	return buf.Bytes()
}
