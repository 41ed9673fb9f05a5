// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils

import (
	"io"
	"regexp"
	"strconv"
)

// IDKind selects which tag the last-id scanner (component 10) hunts
// for.
type IDKind int

const (
	PageID IDKind = iota
	RevisionID
)

var (
	pageIDPattern = regexp.MustCompile(
		`<page>\n +<title>[^<]+</title>\n( +<ns>[0-9]+</ns>\n)? +<id>([0-9]+)</id>\n`)
	revIDPattern = regexp.MustCompile(
		`<revision>\n +<id>([0-9]+)</id>\n`)
)

// rollingBufferSize and rollingBufferOverlap implement §4.9's rolling
// buffer: 5,000 bytes are scanned at a time, retaining the last 310
// bytes (the longest possible straddled <page>...<id> preamble) across
// refills so a match spanning a refill boundary is never missed.
const (
	rollingBufferSize    = 5000
	rollingBufferOverlap = 310
)

// FindLastID implements find_last_id: it locates the stream trailer,
// then walks backward through verified blocks (via FindBlock) looking
// for the highest page or revision id, stepping the search horizon one
// byte earlier and retrying whenever a block yields no match at all.
func FindLastID(ra io.ReaderAt, fileSize int64, kind IDKind) (int64, error) {
	trailer, err := CheckFooter(ra, fileSize)
	if err != nil {
		return 0, err
	}
	horizon := trailer.EndMarkerOffset

	pattern := pageIDPattern
	group := 2
	if kind == RevisionID {
		pattern = revIDPattern
		group = 1
	}

	for horizon > 0 {
		rec, err := FindBlock(ra, horizon, Backward, fileSize, true)
		if err != nil {
			return 0, err
		}

		best, found, ferr := scanBlockForHighestID(ra, fileSize, rec, pattern, group)
		if ferr != nil {
			return 0, ferr
		}
		if found {
			return best, nil
		}
		horizon = rec.ByteOffset - 1
	}
	return 0, newError(NotFound, "FindLastID", nil)
}

// scanBlockForHighestID decodes the stream from rec to its end through
// a rolling buffer, matching pattern against it repeatedly, and
// returns the highest id seen anywhere across the whole decode.
func scanBlockForHighestID(ra io.ReaderAt, fileSize int64, rec BlockRecord, pattern *regexp.Regexp, group int) (int64, bool, error) {
	dec, err := OpenAt(ra, fileSize, rec, '9')
	if err != nil {
		return 0, false, err
	}

	var best int64
	found := false
	buf := make([]byte, rollingBufferSize)
	valid := 0 // bytes of buf currently holding retained/overlap data, at the front.

	for {
		n, rerr := io.ReadFull(dec, buf[valid:])
		total := valid + n
		window := buf[:total]

		for _, m := range pattern.FindAllSubmatch(window, -1) {
			if v, perr := strconv.ParseInt(string(m[group]), 10, 64); perr == nil {
				if v > best {
					best = v
					found = true
				}
			}
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return 0, false, newError(CodecError, "scanBlockForHighestID", rerr)
		}

		retain := rollingBufferOverlap
		if retain > len(window) {
			retain = len(window)
		}
		copy(buf, window[len(window)-retain:])
		valid = retain
	}

	return best, found, nil
}
