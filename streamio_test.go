// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cosnicolaou/mwbzutils"
	"github.com/cosnicolaou/mwbzutils/internal/testfixture"
)

func TestByteWriteCloserPlainRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	ctx := context.Background()

	sink := mwbzutils.CreateByteWriteCloser(path, false)
	if err := sink.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Write([]byte("hello world\n")); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world\n" {
		t.Errorf("got %q", got)
	}
}

func TestByteWriteCloserGzipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.gz")
	ctx := context.Background()

	sink := mwbzutils.CreateByteWriteCloser(path, false)
	if err := sink.Open(ctx); err != nil {
		t.Fatal(err)
	}
	want := []byte("some plaintext content\n")
	if _, err := sink.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(ctx); err != nil {
		t.Fatal(err)
	}

	lr := mwbzutils.OpenLineReader(path)
	if err := lr.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer lr.Close(ctx)
	line, ok, err := lr.ReadLine(0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a line")
	}
	if string(line) != string(want) {
		t.Errorf("got %q, want %q", line, want)
	}
}

func TestLineReaderOverBzip2(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.xml.bz2")

	data := []byte("line one\nline two\nline three\n")
	if err := testfixture.WriteBzipFile(path, data, 1); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	lr := mwbzutils.OpenLineReader(path)
	if err := lr.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer lr.Close(ctx)

	var got []byte
	for {
		line, ok, err := lr.ReadLine(0)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, line...)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}
	if !lr.AtEOF() {
		t.Error("expected AtEOF to be true")
	}
}

func TestCreateRawByteWriteCloserIgnoresSuffix(t *testing.T) {
	dir := t.TempDir()
	// A .bz2 suffix would normally trigger bzip2 compression; Raw must
	// bypass that so RecompressStream's own framing survives untouched.
	path := filepath.Join(dir, "chunks.bz2")
	ctx := context.Background()

	sink := mwbzutils.CreateRawByteWriteCloser(path, false)
	if err := sink.Open(ctx); err != nil {
		t.Fatal(err)
	}
	payload := []byte("already-compressed-bytes")
	if _, err := sink.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("raw sink altered its input: got %q, want %q", got, payload)
	}
}

func TestCreatePathRejectsRemoteAppend(t *testing.T) {
	ctx := context.Background()
	sink := mwbzutils.CreateByteWriteCloser("s3://bucket/key.txt", true)
	if err := sink.Open(ctx); err == nil {
		t.Fatal("expected append against a remote path to be rejected")
	}
}

func TestReadLineTooLong(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "long.txt")
	if err := os.WriteFile(path, []byte("aaaaaaaaaa\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	lr := mwbzutils.OpenLineReader(path)
	if err := lr.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer lr.Close(ctx)
	if _, _, err := lr.ReadLine(4); err == nil {
		t.Fatal("expected a BufferOverflow-kind error for an over-long line")
	}
}
