// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
)

// maxSpliceBufferSize bounds both the carry buffer (partially read page
// preamble) and the header buffer (the <mediawiki>...</siteinfo>
// preamble saved for reuse across multi-output files).
const maxSpliceBufferSize = 512 * 1024

// spliceState is the splicer's state alphabet (§4.8).
type spliceState int

const (
	stateNoWrite spliceState = iota
	stateStartHeader
	stateEndHeader
	stateStartPage
	stateWriteMem
	stateWrite
	stateEndPage
	stateAtLastPageID
)

var (
	tagMediawiki  = []byte("<mediawiki")
	tagEndSite    = []byte("</siteinfo>")
	tagPage       = []byte("<page>")
	tagID         = []byte("<id>")
	tagEndPage    = []byte("</page>")
	tagEndMediaw  = []byte("</mediawiki")
)

// Splicer implements the MediaWiki XML line-splicer (component 9): it
// copies the header preamble and every page whose <id> falls within
// [startID, endID) from a decompressed XML dump to one or more output
// sinks, splitting across sinks at page boundaries for multi-output
// mode.
type Splicer struct {
	startID, endID int64 // endID == 0 means unbounded.
	noHeader       bool

	state        spliceState
	carryBuffer  []byte
	headerBuffer []byte
	lastPageID   int64
	done         bool

	sink      ByteWriteCloser
	indexSink ByteWriteCloser
	pageTitle []byte
}

// NewSplicer returns a Splicer that retains pages with id in
// [startID, endID); endID of 0 means unbounded (copy to end of file).
func NewSplicer(startID, endID int64, noHeader bool) *Splicer {
	return &Splicer{startID: startID, endID: endID, noHeader: noHeader}
}

// SetIndexSink attaches a sink that receives one
// "<offset>:<page-id>:<title>\n" line per retained page (index mode,
// --buildindex).
func (sp *Splicer) SetIndexSink(idx ByteWriteCloser) { sp.indexSink = idx }

// AttachSink sets the output sink pages and headers are written to.
// Callers in single-output mode use this directly; RunMulti calls it
// once per output file.
func (sp *Splicer) AttachSink(sink ByteWriteCloser) { sp.sink = sink }

// Done reports whether the splicer has reached AtLastPageID and has
// nothing further to write; callers stop feeding it lines once true.
func (sp *Splicer) Done() bool { return sp.done }

// LastPageID returns the id that caused the splicer to stop, valid
// only once Done reports true.
func (sp *Splicer) LastPageID() int64 { return sp.lastPageID }

func leftTrim(line []byte) []byte {
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return line[i:]
}

func parseIDTag(trimmed []byte) (int64, bool) {
	if !bytes.HasPrefix(trimmed, tagID) {
		return 0, false
	}
	rest := trimmed[len(tagID):]
	end := bytes.IndexByte(rest, '<')
	if end < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(rest[:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (sp *Splicer) nextState(trimmed []byte) spliceState {
	switch {
	case bytes.HasPrefix(trimmed, tagMediawiki):
		return stateStartHeader
	case bytes.HasPrefix(trimmed, tagEndSite):
		return stateEndHeader
	case bytes.HasPrefix(trimmed, tagPage):
		return stateStartPage
	}
	if sp.state == stateStartPage {
		if id, ok := parseIDTag(trimmed); ok {
			if sp.endID > 0 && id >= sp.endID {
				sp.lastPageID = id
				return stateAtLastPageID
			}
			if id >= sp.startID {
				return stateWriteMem
			}
			return stateNoWrite
		}
	}
	if sp.state == stateWriteMem {
		return stateWrite
	}
	if bytes.HasPrefix(trimmed, tagEndPage) {
		if sp.state == stateWrite {
			return stateEndPage
		}
		return stateNoWrite
	}
	if bytes.HasPrefix(trimmed, tagEndMediaw) {
		return stateNoWrite
	}
	if sp.state == stateEndHeader {
		return stateNoWrite
	}
	return sp.state
}

func appendBounded(buf, line []byte, op string) ([]byte, error) {
	if len(buf)+len(line) > maxSpliceBufferSize {
		return buf, newError(BufferOverflow, op, nil)
	}
	return append(buf, line...), nil
}

// Feed processes a single raw line (including its trailing newline) of
// decompressed XML input, applying the §4.8 transition and the
// per-line actions in their specified order.
func (sp *Splicer) Feed(ctx context.Context, line []byte) error {
	if sp.done {
		return nil
	}
	trimmed := leftTrim(line)
	newState := sp.nextState(trimmed)

	var err error
	if newState == stateStartPage || newState == stateAtLastPageID {
		if sp.carryBuffer, err = appendBounded(sp.carryBuffer, line, "Feed"); err != nil {
			return err
		}
	}
	if newState == stateStartHeader || newState == stateEndHeader {
		if sp.headerBuffer, err = appendBounded(sp.headerBuffer, line, "Feed"); err != nil {
			return err
		}
	}
	if newState == stateWriteMem {
		if err := sp.flushCarry(ctx, trimmed); err != nil {
			return err
		}
	}
	if newState == stateWriteMem || newState == stateNoWrite {
		sp.carryBuffer = sp.carryBuffer[:0]
	}
	if newState == stateStartHeader || newState == stateEndHeader ||
		newState == stateWriteMem || newState == stateWrite || newState == stateEndPage {
		if !(sp.noHeader && (newState == stateStartHeader || newState == stateEndHeader)) {
			if _, err := sp.sink.Write(line); err != nil {
				return newError(IoError, "Feed", err)
			}
		}
	}
	sp.state = newState
	if newState == stateAtLastPageID {
		sp.done = true
	}
	return nil
}

// flushCarry writes the buffered page preamble to the sink and, if an
// index sink is attached, emits the index line for this page: the
// StartPage->WriteMem transition is exactly the moment the page id was
// accepted. idLine is the trimmed <id> line that caused the transition,
// or nil when carryBuffer already ends with the page's <id> line.
func (sp *Splicer) flushCarry(ctx context.Context, idLine []byte) error {
	if sp.indexSink != nil {
		offset := sp.sink.CurrentByteOffset()
		id, title := sp.lastSeenIDAndTitle()
		if v, ok := parseIDTag(idLine); ok {
			id = v
		}
		line := fmt.Sprintf("%d:%d:%s\n", offset, id, title)
		if _, err := sp.indexSink.Write([]byte(line)); err != nil {
			return newError(IoError, "flushCarry", err)
		}
	}
	if _, err := sp.sink.Write(sp.carryBuffer); err != nil {
		return newError(IoError, "flushCarry", err)
	}
	return nil
}

var (
	tagTitleOpen  = []byte("<title>")
	tagTitleClose = []byte("</title>")
)

// lastSeenIDAndTitle extracts the page id and title from carryBuffer,
// which at the moment of a WriteMem transition holds exactly one
// page's preamble: <page>, <title>...</title>, optional <ns>. The
// accepting <id> line is in it only when RunMulti hands the preamble
// over from the previous output; otherwise the id returned is 0.
func (sp *Splicer) lastSeenIDAndTitle() (int64, string) {
	var id int64
	var title string
	for _, raw := range bytes.Split(sp.carryBuffer, []byte("\n")) {
		t := leftTrim(raw)
		if v, ok := parseIDTag(t); ok {
			id = v
			continue
		}
		if bytes.HasPrefix(t, tagTitleOpen) {
			rest := t[len(tagTitleOpen):]
			if end := bytes.Index(rest, tagTitleClose); end >= 0 {
				title = string(rest[:end])
			}
		}
	}
	return id, title
}

// Run drives the splicer to completion over src, stopping at AtLastPageID
// or end of input, whichever comes first.
func (sp *Splicer) Run(ctx context.Context, src LineReader) error {
	for !sp.done {
		line, ok, err := src.ReadLine(0)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := sp.Feed(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// FileSpec is one entry of a --fspecs multi-output list: a single
// output file paired with the half-open page-id range it should
// receive. EndID of 0 means unbounded, valid only for the last entry.
type FileSpec struct {
	Path           string
	StartID, EndID int64
}

// RunMulti splices src across a sequence of outputs, one per FileSpec,
// in order: each output receives the saved header (unless noHeader),
// any page preamble already buffered from the previous output's
// last-page trigger that belongs to this range, and then pages through
// its own endID. Ranges are assumed sorted and disjoint; RunMulti does
// not verify this and never seeks src backward.
func RunMulti(ctx context.Context, src LineReader, specs []FileSpec, noHeader, buildIndex bool, indexPath string) error {
	if len(specs) == 0 {
		return newError(InvalidArgument, "RunMulti", nil)
	}
	var idx ByteWriteCloser
	if buildIndex {
		idx = CreateByteWriteCloser(indexPath, false)
		if err := idx.Open(ctx); err != nil {
			return err
		}
		defer idx.Close(ctx)
	}

	var savedHeader []byte
	var carryOver []byte
	var carryID int64
	for i, fs := range specs {
		sink := CreateByteWriteCloser(fs.Path, false)
		if err := sink.Open(ctx); err != nil {
			return err
		}

		sp := NewSplicer(fs.StartID, fs.EndID, noHeader)
		sp.sink = sink
		sp.indexSink = idx
		if savedHeader != nil {
			if !noHeader {
				if _, err := sink.Write(savedHeader); err != nil {
					sink.Close(ctx)
					return newError(IoError, "RunMulti", err)
				}
			}
		}
		if carryOver != nil {
			switch {
			case fs.EndID > 0 && carryID >= fs.EndID:
				sp.carryBuffer, sp.lastPageID, sp.state, sp.done = carryOver, carryID, stateAtLastPageID, true
			case carryID >= fs.StartID:
				sp.carryBuffer, sp.state = carryOver, stateWriteMem
				if err := sp.flushCarry(ctx, nil); err != nil {
					sink.Close(ctx)
					return err
				}
				sp.carryBuffer = sp.carryBuffer[:0]
			}
			carryOver = nil
		}

		err := sp.Run(ctx, src)
		if savedHeader == nil {
			savedHeader = sp.headerBuffer
		}
		if sp.done && i < len(specs)-1 {
			carryOver, carryID = sp.carryBuffer, sp.lastPageID
		}
		if cerr := sink.Close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
