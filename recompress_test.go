// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/cosnicolaou/mwbzutils"
	"github.com/cosnicolaou/mwbzutils/internal/testfixture"
)

// TestRecompressAppendsValidStream exercises spec.md §8's appendability
// invariant end to end: P ++ S' must decode without error and yield the
// same plaintext as decoding P followed by S's own plaintext. P here is
// a genuinely truncated prefix of a real multi-block bzip2 stream,
// split at a verified FindBlock boundary rather than simply a complete
// stream's bytes, so it has no trailer of its own (matching
// original_source/xmldumps-backup/mwbzutils/appendbz2.c's documented
// use case of resuming a write that stopped mid-stream).
func TestRecompressAppendsValidStream(t *testing.T) {
	prefixData := testfixture.PredictableRandomData(300 * 1024)
	prefixFull, err := testfixture.Bzip2(prefixData, 1)
	if err != nil {
		t.Fatal(err)
	}
	size := int64(len(prefixFull))
	ra := bytes.NewReader(prefixFull)

	// block0 is the stream's very first block, whose own leading magic
	// sits immediately after the 4-byte header.
	block0, err := mwbzutils.FindBlock(ra, 4, mwbzutils.Forward, size, true)
	if err != nil {
		t.Fatal(err)
	}
	// block1 is the next verified block boundary: the point at which
	// block0's compressed data ends, a real mid-stream split point.
	block1, err := mwbzutils.FindBlock(ra, block0.ByteOffset+6, mwbzutils.Forward, size, true)
	if err != nil {
		t.Fatal(err)
	}

	prefixTruncated := append([]byte{}, prefixFull[:block1.ByteOffset]...)

	// Decoding the truncated prefix necessarily errors once the decoder
	// goes looking for block1's now-missing magic, but everything
	// decoded before that point is block0's complete, genuine plaintext.
	dec, err := mwbzutils.OpenAt(bytes.NewReader(prefixTruncated), int64(len(prefixTruncated)), block0, '1')
	if err != nil {
		t.Fatal(err)
	}
	prefixPlain, _ := io.ReadAll(dec)
	if len(prefixPlain) == 0 {
		t.Fatal("expected the truncated prefix to still decode block0's plaintext")
	}

	// The truncated prefix holds block0 alone and has no trailer, so a
	// Scanner over it reports no block at all; its combined CRC is
	// block0's CRC folded into zero.
	seedCC := mwbzutils.CombineCRC(0, block0.CRC32)

	suffixData := testfixture.PredictableRandomData(3000)
	suffix, err := mwbzutils.Recompress(suffixData, seedCC)
	if err != nil {
		t.Fatal(err)
	}

	combined := append(append([]byte{}, prefixTruncated...), suffix...)

	dec, err = mwbzutils.OpenAt(bytes.NewReader(combined), int64(len(combined)), block0, '1')
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("combined prefix+suffix failed to decode: %v", err)
	}
	want := append(append([]byte{}, prefixPlain...), suffixData...)
	if !bytes.Equal(got, want) {
		t.Errorf("decoded combined plaintext does not match prefix+suffix: got %d bytes, want %d bytes",
			len(got), len(want))
	}
}

// TestRecompressEmptyInput asserts Recompress's actual documented
// behavior on empty input: the underlying encoder still emits a
// minimal, valid (header-stripped) stream fragment consisting of just
// the trailer, so Recompress succeeds rather than rejecting it.
func TestRecompressEmptyInput(t *testing.T) {
	out, err := mwbzutils.Recompress(nil, 0)
	if err != nil {
		t.Fatalf("Recompress(nil, 0) returned an error: %v", err)
	}
	sc := mwbzutils.NewScanner(bytes.NewReader(append([]byte{'B', 'Z', 'h', '1'}, out...)))
	sawEOS := false
	for sc.Scan(context.Background()) {
		if sc.Block().EOS {
			sawEOS = true
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if !sawEOS {
		t.Error("expected the reconstructed stream to reach a trailer")
	}
}

type memSink struct {
	buf bytes.Buffer
}

func (m *memSink) Open(context.Context) error  { return nil }
func (m *memSink) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memSink) Close(context.Context) error { return nil }
func (m *memSink) AppendMode() bool            { return false }
func (m *memSink) CurrentByteOffset() int64    { return int64(m.buf.Len()) }

type sliceLineReader struct {
	lines [][]byte
	pos   int
}

func newSliceLineReader(data []byte) *sliceLineReader {
	var lines [][]byte
	for _, l := range bytes.SplitAfter(data, []byte("\n")) {
		if len(l) == 0 {
			continue
		}
		lines = append(lines, l)
	}
	return &sliceLineReader{lines: lines}
}

func (s *sliceLineReader) Open(context.Context) error { return nil }
func (s *sliceLineReader) ReadLine(int) ([]byte, bool, error) {
	if s.pos >= len(s.lines) {
		return nil, false, nil
	}
	l := s.lines[s.pos]
	s.pos++
	return l, true, nil
}
func (s *sliceLineReader) Close(context.Context) error { return nil }
func (s *sliceLineReader) AtEOF() bool                 { return s.pos >= len(s.lines) }

func TestRecompressStreamSplitsByPageCount(t *testing.T) {
	pages := [][]byte{
		testfixture.SamplePage(1, "One", 1),
		testfixture.SamplePage(2, "Two", 1),
		testfixture.SamplePage(3, "Three", 1),
	}
	dump := testfixture.SampleDump(pages)

	src := newSliceLineReader(dump)
	sink := &memSink{}
	idx := &memSink{}

	if err := mwbzutils.RecompressStream(context.Background(), src, sink, idx, 2); err != nil {
		t.Fatal(err)
	}

	sc := mwbzutils.NewScanner(bytes.NewReader(sink.buf.Bytes()))
	var eosCount int
	for sc.Scan(context.Background()) {
		if sc.Block().EOS {
			eosCount++
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	// 3 pages split every 2 -> two chunks: [1,2] and [3].
	if eosCount != 2 {
		t.Errorf("got %d independently-decodable streams, want 2", eosCount)
	}

	indexLines := bytes.Count(idx.buf.Bytes(), []byte("\n"))
	if indexLines != len(pages) {
		t.Errorf("got %d index lines, want %d", indexLines, len(pages))
	}
}

func TestRecompressStreamSingleChunk(t *testing.T) {
	pages := [][]byte{testfixture.SamplePage(1, "One", 2)}
	dump := testfixture.SampleDump(pages)
	src := newSliceLineReader(dump)
	sink := &memSink{}

	if err := mwbzutils.RecompressStream(context.Background(), src, sink, nil, 0); err != nil {
		t.Fatal(err)
	}
	dec, err := mwbzutils.OpenAt(bytes.NewReader(sink.buf.Bytes()), int64(sink.buf.Len()),
		mustFindBlock(t, sink.buf.Bytes()), '9')
	if err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(out, []byte("<title>One</title>")) {
		t.Errorf("decoded output missing expected page content: %q", out)
	}
}

func mustFindBlock(t *testing.T, compressed []byte) mwbzutils.BlockRecord {
	t.Helper()
	ra := bytes.NewReader(compressed)
	rec, err := mwbzutils.FindBlock(ra, 0, mwbzutils.Forward, int64(len(compressed)), true)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}
