// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/cosnicolaou/mwbzutils/internal/bzip2"
	"github.com/grailbio/base/file"
	dsnetbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
)

// bzip2LineBuffer is the size of the line-reassembly buffer a LineReader
// keeps over a bzip2 source: bzip2 is block oriented, not line oriented,
// so a line may straddle several decompressed fills before a '\n'
// terminates it.
const bzip2LineBuffer = 64 * 1024

// LineReader is the uniform input side of the stream-oriented I/O
// abstraction (component 8): a line-at-a-time reader over plain, gzip
// or bzip2 data, chosen by filename suffix.
type LineReader interface {
	Open(ctx context.Context) error
	// ReadLine returns the next line with a single trailing newline,
	// which is added whether or not the source line ended in one; a
	// "\r\n" ending is returned as "\n". ok is false at end of file. A
	// line longer than maxBytes, or one that does not fit the reader's
	// 64 KiB line buffer whatever maxBytes is (0 adds no limit of its
	// own), is reported as a BufferOverflow-kind error.
	ReadLine(maxBytes int) (line []byte, ok bool, err error)
	Close(ctx context.Context) error
	AtEOF() bool
}

// ByteWriteCloser is the uniform output side of the stream-oriented I/O
// abstraction: a byte sink that knows its own compressed size so that
// an index emitted alongside it can point into the compressed archive
// rather than the plaintext it was built from.
type ByteWriteCloser interface {
	Open(ctx context.Context) error
	Write(p []byte) (int, error)
	Close(ctx context.Context) error
	AppendMode() bool
	// CurrentByteOffset returns the number of bytes written to the
	// underlying file so far, post-compression.
	CurrentByteOffset() int64
}

type codecKind int

const (
	codecPlain codecKind = iota
	codecBzip2
	codecGzip
)

// codecForName implements the filename-suffix dispatch: a direct
// .bz2/.gz suffix is recognized first; failing that, the trailing
// "extension" (last dot-delimited segment, e.g. the ".index" in
// "dump.xml.bz2.index") is stripped once and the remainder retested.
func codecForName(name string) codecKind {
	if k, ok := codecForSuffix(name); ok {
		return k
	}
	if idx := strings.LastIndex(name, "."); idx > 0 {
		if k, ok := codecForSuffix(name[:idx]); ok {
			return k
		}
	}
	return codecPlain
}

func codecForSuffix(name string) (codecKind, bool) {
	switch {
	case strings.HasSuffix(name, ".bz2"):
		return codecBzip2, true
	case strings.HasSuffix(name, ".gz"):
		return codecGzip, true
	}
	return codecPlain, false
}

// openPath opens name for reading, following the teacher CLI's
// openFileOrURL pattern (cmd/mwbzutils/main.go): an "http"-prefixed
// name is fetched directly, anything else is opened via
// github.com/grailbio/base/file, which transparently handles local
// paths and s3:// paths alike.
func openPath(ctx context.Context, name string) (io.Reader, func(context.Context) error, error) {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		resp, err := http.Get(name)
		if err != nil {
			return nil, nil, newError(IoError, "openPath", err)
		}
		return resp.Body, func(context.Context) error {
			return resp.Body.Close()
		}, nil
	}
	f, err := file.Open(ctx, name)
	if err != nil {
		return nil, nil, newError(IoError, "openPath", err)
	}
	return f.Reader(ctx), f.Close, nil
}

// createPath creates name for writing via github.com/grailbio/base/file.
// append is honored only for local paths: object stores such as S3 (one
// of file's backends, via s3file) have no append primitive, so an
// append request against a remote path is rejected rather than silently
// truncating and rewriting the whole object.
func createPath(ctx context.Context, name string, appendMode bool) (io.Writer, func(context.Context) error, error) {
	if appendMode {
		if strings.Contains(name, "://") {
			return nil, nil, newError(InvalidArgument, "createPath", nil)
		}
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, newError(IoError, "createPath", err)
		}
		return f, func(context.Context) error { return f.Close() }, nil
	}
	f, err := file.Create(ctx, name)
	if err != nil {
		return nil, nil, newError(IoError, "createPath", err)
	}
	return f.Writer(ctx), f.Close, nil
}

type lineReader struct {
	path    string
	codec   codecKind
	closeFn func(context.Context) error
	sc      *bufio.Scanner
	atEOF   bool
	err     error
}

// OpenLineReader returns a LineReader over path, dispatching on its
// filename suffix to plain text, github.com/klauspost/compress/gzip,
// or this module's own internal/bzip2 decoder.
func OpenLineReader(path string) LineReader {
	return &lineReader{path: path, codec: codecForName(path)}
}

func (lr *lineReader) Open(ctx context.Context) error {
	rd, closeFn, err := openPath(ctx, lr.path)
	if err != nil {
		return err
	}
	lr.closeFn = closeFn

	var src io.Reader
	bufSize := bufio.MaxScanTokenSize
	switch lr.codec {
	case codecBzip2:
		src = bzip2.NewReader(rd)
		bufSize = bzip2LineBuffer
	case codecGzip:
		gz, err := gzip.NewReader(rd)
		if err != nil {
			closeFn(ctx)
			return newError(CodecError, "OpenLineReader", err)
		}
		src = gz
	default:
		src = rd
	}
	lr.sc = bufio.NewScanner(src)
	lr.sc.Buffer(make([]byte, 0, 4096), bufSize)
	return nil
}

func (lr *lineReader) ReadLine(maxBytes int) ([]byte, bool, error) {
	if lr.err != nil {
		return nil, false, lr.err
	}
	if !lr.sc.Scan() {
		if err := lr.sc.Err(); err != nil {
			if err == bufio.ErrTooLong {
				lr.err = newError(BufferOverflow, "ReadLine", err)
			} else {
				lr.err = newError(IoError, "ReadLine", err)
			}
			return nil, false, lr.err
		}
		lr.atEOF = true
		return nil, false, nil
	}
	line := lr.sc.Bytes()
	if maxBytes > 0 && len(line) > maxBytes {
		lr.err = newError(BufferOverflow, "ReadLine", nil)
		return nil, false, lr.err
	}
	out := make([]byte, len(line)+1)
	copy(out, line)
	out[len(line)] = '\n'
	return out, true, nil
}

func (lr *lineReader) Close(ctx context.Context) error {
	if lr.closeFn == nil {
		return nil
	}
	return lr.closeFn(ctx)
}

func (lr *lineReader) AtEOF() bool { return lr.atEOF }

// countingWriter tracks the number of bytes written to the underlying
// sink so that a ByteWriteCloser can report CurrentByteOffset in terms
// of compressed, on-disk bytes rather than the plaintext fed to it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type byteWriteCloser struct {
	path       string
	codec      codecKind
	appendMode bool
	closeFn    func(context.Context) error
	counting   *countingWriter
	compressor io.WriteCloser
}

// CreateByteWriteCloser returns a ByteWriteCloser at path, dispatching
// on its filename suffix exactly as OpenLineReader does for input.
func CreateByteWriteCloser(path string, appendMode bool) ByteWriteCloser {
	return &byteWriteCloser{path: path, codec: codecForName(path), appendMode: appendMode}
}

// CreateRawByteWriteCloser returns a ByteWriteCloser at path that never
// applies a codec regardless of path's suffix. The injected-state
// recompressor (component 7, RecompressStream) needs this: it builds
// its own sequence of independently-decodable bzip2 streams and writes
// their already-compressed bytes straight through, so a second,
// ordinary compression pass over that output would corrupt it.
func CreateRawByteWriteCloser(path string, appendMode bool) ByteWriteCloser {
	return &byteWriteCloser{path: path, codec: codecPlain, appendMode: appendMode}
}

func (bw *byteWriteCloser) Open(ctx context.Context) error {
	wr, closeFn, err := createPath(ctx, bw.path, bw.appendMode)
	if err != nil {
		return err
	}
	bw.closeFn = closeFn
	bw.counting = &countingWriter{w: wr}

	switch bw.codec {
	case codecBzip2:
		// dsnet/compress/bzip2.Writer is the only real bzip2 encoder
		// available in the pack (internal/bzip2 only decodes); used here
		// unmodified, exactly as recompress.go uses it.
		zw, err := dsnetbzip2.NewWriterLevel(bw.counting, dsnetbzip2.BestCompression)
		if err != nil {
			closeFn(ctx)
			return newError(CodecError, "CreateByteWriteCloser", err)
		}
		bw.compressor = zw
	case codecGzip:
		bw.compressor = gzip.NewWriter(bw.counting)
	}
	return nil
}

func (bw *byteWriteCloser) Write(p []byte) (int, error) {
	if bw.compressor != nil {
		return bw.compressor.Write(p)
	}
	return bw.counting.Write(p)
}

func (bw *byteWriteCloser) Close(ctx context.Context) error {
	if bw.compressor != nil {
		if err := bw.compressor.Close(); err != nil {
			return newError(CodecError, "Close", err)
		}
	}
	if bw.closeFn == nil {
		return nil
	}
	return bw.closeFn(ctx)
}

func (bw *byteWriteCloser) AppendMode() bool { return bw.appendMode }

func (bw *byteWriteCloser) CurrentByteOffset() int64 {
	if bw.counting == nil {
		return 0
	}
	return bw.counting.n
}
