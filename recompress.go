// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cosnicolaou/mwbzutils/internal/bitstream"
	dsnetbzip2 "github.com/dsnet/compress/bzip2"
)

// Recompress implements the injected-state recompressor (component 7)
// via design note option (b): rather than reaching into a bzip2
// encoder's private combined-CRC accumulator and block counter (which
// github.com/dsnet/compress/bzip2.Writer, like every stock Go bzip2
// encoder, does not expose), it drives that encoder normally to
// compress plaintext into a complete, ordinarily headered bzip2 stream,
// then:
//  1. walks that stream's own blocks with this module's Scanner,
//     folding each block's CRC starting from the caller's seedCRC
//     instead of zero;
//  2. strips the emitted 4-byte header;
//  3. patches the trailer's combined-CRC field in place with
//     bitstream.OverwriteAtBitOffset.
//
// The returned bytes have no header and start on a byte boundary.
// Appended directly after a bzip2 prefix whose blocks combine (via
// CombineCRC) to seedCRC and whose last block ends exactly on a byte
// boundary, they decompress as a single valid bzip2 file. A prefix
// whose last block ends part-way through a byte is not handled: the
// bits left between that block's end and the byte boundary stay in
// place, and the combined bytes do not decode.
func Recompress(plaintext []byte, seedCRC uint32) ([]byte, error) {
	var scratch bytes.Buffer
	zw, err := dsnetbzip2.NewWriterLevel(&scratch, dsnetbzip2.BestCompression)
	if err != nil {
		return nil, newError(CodecError, "Recompress", err)
	}
	if _, err := zw.Write(plaintext); err != nil {
		return nil, newError(CodecError, "Recompress", err)
	}
	if err := zw.Close(); err != nil {
		return nil, newError(CodecError, "Recompress", err)
	}

	out := scratch.Bytes()
	if len(out) < 14 {
		return nil, newError(CodecError, "Recompress", io.ErrUnexpectedEOF)
	}

	sc := NewScanner(bytes.NewReader(out))
	cc := seedCRC
	sawTrailer := false
	for sc.Scan(context.Background()) {
		b := sc.Block()
		if len(b.Data) > 0 {
			cc = CombineCRC(cc, b.CRC)
		}
		if b.EOS {
			sawTrailer = true
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawTrailer {
		return nil, newError(CodecError, "Recompress", nil)
	}

	payload := make([]byte, len(out)-4)
	copy(payload, out[4:])

	_, length, offsetInBits := bitstream.FindTrailingMagicAndCRC(payload, eosMagic[:])
	if length != 10 {
		return nil, newError(CodecError, "Recompress", nil)
	}
	// Mirrors handleEOF's derivation of the EOS marker's own bit
	// position: the trailer's 10 bytes sit at the end of payload, and
	// offsetInBits>0 means the marker actually starts one byte earlier
	// (the true bit 0 falls offsetInBits bits into that earlier byte).
	markerBitOffset := (len(payload) - length) * 8
	if offsetInBits > 0 {
		markerBitOffset += -8 + offsetInBits
	}
	crcBitOffset := markerBitOffset + 48

	var ccBytes [4]byte
	binary.BigEndian.PutUint32(ccBytes[:], cc)
	bitstream.OverwriteAtBitOffset(payload, crcBitOffset, ccBytes[:])

	return payload, nil
}

// RecompressStream implements the CLI "recompress" operation backing
// component 7: it reads whole decompressed XML pages from src and
// writes them to sink as a sequence of ordinarily-headered,
// independently-decodable bzip2 streams, starting a fresh stream every
// pagesPerStream complete pages (pagesPerStream <= 0 means one stream
// for the entire input). sink must have been created with
// CreateRawByteWriteCloser: each chunk is already a complete bzip2
// stream, so a second compression pass over sink's output would
// corrupt it.
//
// If idx is non-nil, one "<offset>:<page-id>:<title>\n" line is
// emitted per page, where offset is sink's CurrentByteOffset at the
// moment the page's enclosing chunk began — the byte position a reader
// must seek to in order to decode that page without reading anything
// earlier.
func RecompressStream(ctx context.Context, src LineReader, sink ByteWriteCloser, idx ByteWriteCloser, pagesPerStream int) error {
	var pageBuf []byte
	var pageID int64
	var pageTitle string
	pagesInChunk := 0
	chunkStart := sink.CurrentByteOffset()

	flush := func() error {
		if len(pageBuf) == 0 {
			return nil
		}
		var scratch bytes.Buffer
		zw, err := dsnetbzip2.NewWriterLevel(&scratch, dsnetbzip2.BestCompression)
		if err != nil {
			return newError(CodecError, "RecompressStream", err)
		}
		if _, err := zw.Write(pageBuf); err != nil {
			return newError(CodecError, "RecompressStream", err)
		}
		if err := zw.Close(); err != nil {
			return newError(CodecError, "RecompressStream", err)
		}
		if _, err := sink.Write(scratch.Bytes()); err != nil {
			return newError(IoError, "RecompressStream", err)
		}
		pageBuf = pageBuf[:0]
		pagesInChunk = 0
		chunkStart = sink.CurrentByteOffset()
		return nil
	}

	for {
		line, ok, err := src.ReadLine(0)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		trimmed := leftTrim(line)
		if id, ok := parseIDTag(trimmed); ok && pageID == 0 {
			pageID = id
		}
		if bytes.HasPrefix(trimmed, tagTitleOpen) {
			if end := bytes.Index(trimmed[len(tagTitleOpen):], tagTitleClose); end >= 0 {
				pageTitle = string(trimmed[len(tagTitleOpen) : len(tagTitleOpen)+end])
			}
		}
		pageBuf = append(pageBuf, line...)

		if bytes.HasPrefix(trimmed, tagEndPage) {
			if idx != nil {
				line := fmt.Sprintf("%d:%d:%s\n", chunkStart, pageID, pageTitle)
				if _, err := idx.Write([]byte(line)); err != nil {
					return newError(IoError, "RecompressStream", err)
				}
			}
			pageID, pageTitle = 0, ""
			pagesInChunk++
			if pagesPerStream > 0 && pagesInChunk >= pagesPerStream {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}
