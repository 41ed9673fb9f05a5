// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"cloudeng.io/cmdutil"
	"cloudeng.io/errors"
	"github.com/cosnicolaou/mwbzutils"
	"github.com/cosnicolaou/mwbzutils/internal/bzip2"
)

func scanFile(ctx context.Context, name string) error {
	rd, _, readerCleanup, err := openFileOrURL(ctx, name)
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)
	sc := mwbzutils.NewScanner(rd)
	for sc.Scan(ctx) {
		block := sc.Block()
		fmt.Println(name, block.String())
	}
	return sc.Err()
}

func scan(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	cmdutil.HandleSignals(cancel, os.Interrupt)
	errs := errors.M{}
	for _, arg := range args {
		errs.Append(scanFile(ctx, arg))
	}
	return errs.Err()
}

func bz2StatsFile(ctx context.Context, name string) error {
	rd, _, readerCleanup, err := openFileOrURL(ctx, name)
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)

	ctx, cancel := context.WithCancel(ctx)
	cmdutil.HandleSignals(func() {
		readerCleanup(ctx)
		cancel()
	}, os.Interrupt)

	bz2rd := bzip2.NewReaderWithStats(rd)
	if _, err = io.Copy(ioutil.Discard, bz2rd); err != nil {
		return fmt.Errorf("failed to read: %v: %v", name, err)
	}
	stats := bzip2.StreamStats(bz2rd)
	fmt.Printf("=== %v ===\n", name)
	fmt.Printf("Block, CRC, Size\n")
	if len(stats.BlockStartOffsets) > 0 {
		offsets := make([]uint, len(stats.BlockStartOffsets)+1)
		for i := 0; i < len(offsets)-1; i++ {
			offsets[i] = stats.BlockStartOffsets[i]
		}
		offsets[len(offsets)-1] = stats.EndOfStreamOffset
		for i := 1; i < len(offsets); i++ {
			size := offsets[i] - offsets[i-1] - 48
			crc := stats.BlockCRCs[i]
			fmt.Printf("% 12d   : % 12d - % 12d\n", i, crc, size)
		}
	}
	fmt.Printf("Stream/File CRC      : %v\n", stats.StreamCRC)
	return nil
}

func bz2stats(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	cmdutil.HandleSignals(cancel, os.Interrupt)
	errs := errors.M{}
	for _, arg := range args {
		errs.Append(bz2StatsFile(ctx, arg))
	}
	return errs.Err()
}

// stdoutSink is the ByteWriteCloser used for splice's single-range
// mode, where no --odir/--fspecs output is requested: plaintext goes
// to stdout, the same unix-pipeline style the original tool chain used
// (writeuptopageid | recompressxml).
type stdoutSink struct{ n int64 }

func (s *stdoutSink) Open(context.Context) error { return nil }
func (s *stdoutSink) Write(p []byte) (int, error) {
	n, err := os.Stdout.Write(p)
	s.n += int64(n)
	return n, err
}
func (s *stdoutSink) Close(context.Context) error { return nil }
func (s *stdoutSink) AppendMode() bool            { return false }
func (s *stdoutSink) CurrentByteOffset() int64    { return s.n }

func parseFspecs(spec string) ([]mwbzutils.FileSpec, error) {
	var out []mwbzutils.FileSpec
	for _, part := range strings.Split(spec, ";") {
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("malformed fspec %q", part)
		}
		start, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed fspec %q: %v", part, err)
		}
		var end int64
		if len(fields) == 3 && fields[2] != "" {
			if end, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
				return nil, fmt.Errorf("malformed fspec %q: %v", part, err)
			}
		}
		out = append(out, mwbzutils.FileSpec{Path: fields[0], StartID: start, EndID: end})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no fspecs found in %q", spec)
	}
	return out, nil
}

func splice(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)
	cl := values.(*spliceFlags)

	if len(cl.InPath) == 0 {
		return fmt.Errorf("--inpath is required")
	}
	startID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid startpageid %q: %v", args[0], err)
	}
	var endID int64
	if len(args) == 2 {
		if endID, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid endpageid %q: %v", args[1], err)
		}
	}

	src := mwbzutils.OpenLineReader(cl.InPath)
	if err := src.Open(ctx); err != nil {
		return err
	}
	defer src.Close(ctx)

	if len(cl.FSpecs) > 0 {
		if len(cl.ODir) == 0 {
			return fmt.Errorf("--fspecs requires --odir")
		}
		specs, err := parseFspecs(cl.FSpecs)
		if err != nil {
			return err
		}
		for i := range specs {
			specs[i].Path = cl.ODir + string(os.PathSeparator) + specs[i].Path
		}
		return mwbzutils.RunMulti(ctx, src, specs, cl.NoHeader, false, "")
	}

	sink := &stdoutSink{}
	sp := mwbzutils.NewSplicer(startID, endID, cl.NoHeader)
	sp.AttachSink(sink)
	if err := sp.Run(ctx, src); err != nil || cl.NoFooter {
		return err
	}
	_, err = sink.Write([]byte("</mediawiki>\n"))
	return err
}

func recompress(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)
	cl := values.(*recompressFlags)

	if len(cl.InPath) == 0 || len(cl.OutPath) == 0 {
		return fmt.Errorf("--inpath and --outpath are required")
	}

	src := mwbzutils.OpenLineReader(cl.InPath)
	if err := src.Open(ctx); err != nil {
		return err
	}
	defer src.Close(ctx)

	sink := mwbzutils.CreateRawByteWriteCloser(cl.OutPath, false)
	if err := sink.Open(ctx); err != nil {
		return err
	}
	defer sink.Close(ctx)

	var idx mwbzutils.ByteWriteCloser
	if len(cl.BuildIndex) > 0 {
		idx = mwbzutils.CreateByteWriteCloser(cl.BuildIndex, false)
		if err := idx.Open(ctx); err != nil {
			return err
		}
		defer idx.Close(ctx)
	}

	return mwbzutils.RecompressStream(ctx, src, sink, idx, cl.PagesPerStream)
}

func appendCompressed(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)
	cl := values.(*appendFlags)

	if len(cl.OutFile) == 0 {
		return fmt.Errorf("--outfile is required")
	}

	plaintext, err := io.ReadAll(bufio.NewReaderSize(os.Stdin, cl.BufSize))
	if err != nil {
		return fmt.Errorf("failed to read stdin: %v", err)
	}

	out, err := mwbzutils.Recompress(plaintext, uint32(cl.CRC))
	if err != nil {
		return err
	}

	f, err := os.OpenFile(cl.OutFile, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(out)
	return err
}

func lastid(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*lastidFlags)
	if len(cl.Filename) == 0 {
		return fmt.Errorf("--filename is required")
	}
	kind := mwbzutils.PageID
	switch cl.Type {
	case "page":
		kind = mwbzutils.PageID
	case "rev":
		kind = mwbzutils.RevisionID
	default:
		return fmt.Errorf("--type must be page or rev, got %q", cl.Type)
	}

	ra, size, cleanup, err := openReaderAt(ctx, cl.Filename)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	id, err := mwbzutils.FindLastID(ra, size, kind)
	if err != nil {
		return err
	}
	fmt.Printf("%v_id:%d\n", cl.Type, id)
	return nil
}

func crcs(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*crcsFlags)
	if len(cl.Filename) == 0 {
		return fmt.Errorf("--filename is required")
	}

	rd, _, readerCleanup, err := openFileOrURL(ctx, cl.Filename)
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)

	sc := mwbzutils.NewScanner(rd)
	var computed uint32
	offset := int64(4) // the 4-byte bzip2 header already consumed.
	for sc.Scan(ctx) {
		b := sc.Block()
		if len(b.Data) > 0 {
			fmt.Printf("offset:%d CRC:0x%08x\n", offset, b.CRC)
			computed = mwbzutils.CombineCRC(computed, b.CRC)
		}
		if b.EOS {
			fmt.Printf("computed_stream_CRC:0x%08x\n", computed)
			fmt.Printf("extracted_stream_CRC:0x%08x\n", b.StreamCRC)
			break
		}
		offset += 6 + int64((b.SizeInBits+7)/8)
	}
	return sc.Err()
}

func revsperpage(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*revsperpageFlags)
	if len(cl.Filename) == 0 {
		return fmt.Errorf("--filename is required")
	}

	src := mwbzutils.OpenLineReader(cl.Filename)
	if err := src.Open(ctx); err != nil {
		return err
	}
	defer src.Close(ctx)

	counts, err := mwbzutils.CountRevisionsPerPage(src)
	if err != nil {
		return err
	}
	for _, c := range counts {
		fmt.Printf("%d:%d\n", c.PageID, c.Revisions)
	}
	return nil
}
