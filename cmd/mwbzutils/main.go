// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command mwbzutils provides a set of utilities for surgically
// manipulating MediaWiki XML page-content dumps stored as
// concatenations of independently decodable bzip2 streams: splitting a
// dump by page-id range without fully decompressing it, recompressing
// a range's plaintext back into the stream format, appending more
// compressed content to an existing file's trailer, and locating the
// highest page or revision id present.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"cloudeng.io/errors"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cosnicolaou/mwbzutils/internal/bzip2"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"
)

type CommonFlags struct {
	Verbose bool `subcmd:"verbose,false,verbose debug/trace information"`
}

type catFlags struct {
	CommonFlags
}

type unzipFlags struct {
	CommonFlags
	ProgressBar bool   `subcmd:"progress,true,display a progress bar"`
	OutputFile  string `subcmd:"output,,'output file or s3 path, omit for stdout'"`
}

type noFlags struct{}

type spliceFlags struct {
	InPath   string `subcmd:"inpath,,'input dump file, local/s3/url'"`
	ODir     string `subcmd:"odir,,'output directory for multi-output mode'"`
	FSpecs   string `subcmd:"fspecs,,'\";\"-separated filename:startid:endid specs for multi-output mode'"`
	NoHeader bool   `subcmd:"noheader,false,omit the <mediawiki>..</siteinfo> header from output'"`
	NoFooter bool   `subcmd:"nofooter,false,omit the closing </mediawiki> from single-range output (multi-output files never get one)'"`
}

type recompressFlags struct {
	PagesPerStream int    `subcmd:"pagesperstream,0,'recompress after this many pages; 0 writes the whole input as one stream'"`
	BuildIndex     string `subcmd:"buildindex,,'write a page-offset index to this file'"`
	InPath         string `subcmd:"inpath,,input plaintext XML file"`
	OutPath        string `subcmd:"outpath,,output bzip2 file"`
}

type appendFlags struct {
	OutFile string `subcmd:"outfile,,file to append compressed data to"`
	CRC     uint   `subcmd:"crc,0,'combined CRC of the existing file''s blocks'"`
	BufSize int    `subcmd:"bufsize,1048576,read buffer size for stdin"`
}

type lastidFlags struct {
	Filename string `subcmd:"filename,,dump file to scan"`
	Type     string `subcmd:"type,page,'id kind to look for: page or rev'"`
}

type crcsFlags struct {
	Filename string `subcmd:"filename,,dump file to scan"`
}

type revsperpageFlags struct {
	Filename string `subcmd:"filename,,dump file to scan"`
}

var cmdSet *subcmd.CommandSet

func init() {
	catCmd := subcmd.NewCommand("cat",
		subcmd.MustRegisterFlagStruct(&catFlags{}, nil, nil),
		cat, subcmd.AtLeastNArguments(0))
	catCmd.Document(`decompress bzip2 dump files or stdin. Files may be local, on S3 or a URL.`)

	unzipCmd := subcmd.NewCommand("unzip",
		subcmd.MustRegisterFlagStruct(&unzipFlags{}, nil, nil),
		unzip, subcmd.ExactlyNumArguments(1))
	unzipCmd.Document(`decompress a bzip2 dump file.`)

	scanCmd := subcmd.NewCommand("scan",
		subcmd.MustRegisterFlagStruct(&noFlags{}, nil, nil),
		scan, subcmd.AtLeastNArguments(1))
	scanCmd.Document(`scan a bzip2 file, printing one line per block found.`)

	bz2Stats := subcmd.NewCommand("bz2-stats",
		subcmd.MustRegisterFlagStruct(&noFlags{}, nil, nil),
		bz2stats, subcmd.AtLeastNArguments(1))
	bz2Stats.Document(`scan a bzip2 file to obtain per-block stats; serial, intended for debugging.`)

	spliceCmd := subcmd.NewCommand("splice",
		subcmd.MustRegisterFlagStruct(&spliceFlags{}, nil, nil),
		splice, subcmd.RangeOfNumArguments(1, 2))
	spliceCmd.Document(`extract the page-id range [startpageid, endpageid) from a dump, preserving the mediawiki/siteinfo header.`)

	recompressCmd := subcmd.NewCommand("recompress",
		subcmd.MustRegisterFlagStruct(&recompressFlags{}, nil, nil),
		recompress, subcmd.ExactlyNumArguments(0))
	recompressCmd.Document(`recompress a plaintext XML dump into an independently-decodable-block bzip2 file, optionally splitting every N pages into a new stream.`)

	appendCmd := subcmd.NewCommand("append",
		subcmd.MustRegisterFlagStruct(&appendFlags{}, nil, nil),
		appendCompressed, subcmd.ExactlyNumArguments(0))
	appendCmd.Document(`append plaintext read from stdin to an existing bzip2 file, continuing its combined CRC.`)

	lastidCmd := subcmd.NewCommand("lastid",
		subcmd.MustRegisterFlagStruct(&lastidFlags{}, nil, nil),
		lastid, subcmd.ExactlyNumArguments(0))
	lastidCmd.Document(`find the highest page or revision id present in a dump file.`)

	crcsCmd := subcmd.NewCommand("crcs",
		subcmd.MustRegisterFlagStruct(&crcsFlags{}, nil, nil),
		crcs, subcmd.ExactlyNumArguments(0))
	crcsCmd.Document(`print each block's offset and CRC, plus the computed and extracted stream CRCs.`)

	revsCmd := subcmd.NewCommand("revsperpage",
		subcmd.MustRegisterFlagStruct(&revsperpageFlags{}, nil, nil),
		revsperpage, subcmd.ExactlyNumArguments(0))
	revsCmd.Document(`count revisions seen per page id in a dump file.`)

	cmdSet = subcmd.NewCommandSet(catCmd, unzipCmd, scanCmd, bz2Stats,
		spliceCmd, recompressCmd, appendCmd, lastidCmd, crcsCmd, revsCmd)
	cmdSet.Document(`inspect and surgically manipulate MediaWiki XML dump files stored as concatenated bzip2 streams. Files may be local, on S3 or a URL.`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

// countingReader tracks how many compressed bytes have been read from
// the input so far; used to drive the progress bar without touching
// the decoder's own state from a second goroutine.
type countingReader struct {
	rd io.Reader
	n  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rd.Read(p)
	atomic.AddInt64(&c.n, int64(n))
	return n, err
}

func (c *countingReader) current() int64 { return atomic.LoadInt64(&c.n) }

func progressBar(ctx context.Context, wr io.Writer, size int64, current func() int64) {
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetBytes64(size),
		progressbar.OptionSetWriter(wr),
		progressbar.OptionSetPredictTime(true))
	bar.RenderBlank()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(wr, "\n")
			return
		default:
			bar.Set64(current())
		}
	}
}

func openFileOrURL(ctx context.Context, name string) (io.Reader, int64, func(context.Context) error, error) {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		resp, err := http.Get(name)
		if err != nil {
			return nil, 0, nil, err
		}
		return resp.Body, resp.ContentLength,
			func(context.Context) error { return resp.Body.Close() }, nil
	}
	info, err := file.Stat(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	f, err := file.Open(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	return f.Reader(ctx), info.Size(), f.Close, nil
}

func openReaderAt(ctx context.Context, name string) (io.ReaderAt, int64, func(context.Context) error, error) {
	info, err := file.Stat(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	f, err := file.Open(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	ra, ok := f.Reader(ctx).(io.ReaderAt)
	if !ok {
		f.Close(ctx)
		return nil, 0, nil, fmt.Errorf("%v: does not support random access", name)
	}
	return ra, info.Size(), f.Close, nil
}

func createFile(ctx context.Context, name string) (io.Writer, func(context.Context) error, error) {
	if len(name) == 0 {
		return os.Stdout, func(context.Context) error { return nil }, nil
	}
	f, err := file.Create(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return f.Writer(ctx), f.Close, nil
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

func cat(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)

	if len(args) == 0 {
		_, err := io.Copy(os.Stdout, bzip2.NewReader(os.Stdin))
		return err
	}

	errs := &errors.M{}
	for _, inputFile := range args {
		rd, _, readerCleanup, err := openFileOrURL(ctx, inputFile)
		if err != nil {
			errs.Append(err)
			continue
		}
		_, err = io.Copy(os.Stdout, bzip2.NewReader(rd))
		errs.Append(err)
		errs.Append(readerCleanup(ctx))
	}
	return errs.Err()
}

func unzip(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)
	cl := values.(*unzipFlags)

	rd, size, readerCleanup, err := openFileOrURL(ctx, args[0])
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)

	wr, writerCleanup, err := createFile(ctx, cl.OutputFile)
	if err != nil {
		return err
	}

	isTTY := terminal.IsTerminal(int(os.Stdout.Fd()))
	showBar := cl.ProgressBar && (len(cl.OutputFile) > 0 || !isTTY)
	progressWr := os.Stdout
	if !isTTY {
		progressWr = os.Stderr
	}

	counted := &countingReader{rd: rd}
	dc := bzip2.NewReader(counted)
	barCtx, barCancel := context.WithCancel(ctx)
	if showBar {
		go progressBar(barCtx, progressWr, size, counted.current)
	}

	errs := &errors.M{}
	_, err = io.Copy(wr, dc)
	errs.Append(err)
	errs.Append(writerCleanup(ctx))
	barCancel()

	return errs.Err()
}
