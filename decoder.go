// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils

import (
	"io"

	"github.com/cosnicolaou/mwbzutils/internal/bzip2"
)

// Decoder streams decompressed plaintext starting from a single
// verified BlockRecord, continuing through any subsequent blocks and
// the stream trailer (and, for a multi-stream file, into any further
// concatenated streams) exactly as an ordinary decode would. It
// implements the random-access decoder (component 4): scan forward or
// backward for a verified block with FindBlock, then open a Decoder at
// that block rather than decompressing the whole prefix of the file.
type Decoder struct {
	rd io.Reader
}

// OpenAt positions a Decoder at rec within the file described by ra and
// fileSize. blockSizeDigit is the block-size digit ('1'..'9') taken
// from the stream's real header; it only affects internal buffer
// sizing, so any value at least as large as the true one is safe — the
// design permits '9' when the real digit is unknown.
func OpenAt(ra io.ReaderAt, fileSize int64, rec BlockRecord, blockSizeDigit byte) (*Decoder, error) {
	if blockSizeDigit < '1' || blockSizeDigit > '9' {
		blockSizeDigit = '9'
	}
	if rec.ByteOffset < 0 || rec.ByteOffset >= fileSize {
		return nil, newError(InvalidArgument, "OpenAt", nil)
	}
	src := io.NewSectionReader(ra, rec.ByteOffset, fileSize-rec.ByteOffset)
	blockSize := 100 * 1000 * int(blockSizeDigit-'0')
	rd := bzip2.NewStreamReader(blockSize, src, 48+rec.BitShift)
	return &Decoder{rd: rd}, nil
}

// Read implements io.Reader, returning decompressed plaintext.
func (d *Decoder) Read(p []byte) (int, error) {
	n, err := d.rd.Read(p)
	if err != nil && err != io.EOF {
		err = newError(CodecError, "Decoder.Read", err)
	}
	return n, err
}
