// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils

import (
	"encoding/binary"
	"io"

	"github.com/cosnicolaou/mwbzutils/internal/bitstream"
)

// Trailer is the stream trailer record: the bit-aligned location of the
// end-of-stream marker and the 32-bit combined CRC that follows it.
type Trailer struct {
	EndMarkerOffset int64
	BitShift        int
	CombinedCRC32   uint32
}

// CheckFooter reads the last bytes of ra (whose total size is
// fileSize) and searches for the bzip2 end-of-stream marker, returning
// its location and the combined CRC that follows it. It returns an
// error satisfying errors.Is(err, ErrNotFound) if no marker is found,
// e.g. because the file is truncated.
func CheckFooter(ra io.ReaderAt, fileSize int64) (Trailer, error) {
	const want = 16
	n := int64(want)
	if n > fileSize {
		n = fileSize
	}
	buf := make([]byte, n)
	if _, err := ra.ReadAt(buf, fileSize-n); err != nil && err != io.EOF {
		return Trailer{}, newError(IoError, "CheckFooter", err)
	}
	crc, length, offsetInBits := bitstream.FindTrailingMagicAndCRC(buf, eosMagic[:])
	if length != 10 {
		return Trailer{}, newError(NotFound, "CheckFooter", nil)
	}
	// The marker+CRC occupy the trailing `length` bytes of buf, less
	// any padding byte implied by a non-zero bit shift.
	markerByteOffset := fileSize - int64(length)
	if offsetInBits > 0 {
		markerByteOffset--
	}
	return Trailer{
		EndMarkerOffset: markerByteOffset,
		BitShift:        offsetInBits,
		CombinedCRC32:   binary.BigEndian.Uint32(crc),
	}, nil
}
