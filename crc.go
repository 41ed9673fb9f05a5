// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils

import "context"

// CombineCRC folds a single block CRC into a running combined CRC using
// the bzip2 stream-trailer recurrence: CC <- rotl1(CC) XOR c, where c
// is the block CRC as stored after the block marker. Starting from CC=0
// and folding every block CRC in a stream in order yields the stream's
// trailer CRC.
func CombineCRC(cc, blockCRC uint32) uint32 {
	return (cc<<1 | cc>>31) ^ blockCRC
}

// WalkCombinedCRC scans rd forward with a Scanner and folds every block
// CRC it reports into a running combined CRC, returning the final
// value once the end-of-stream trailer is reached. This both computes
// the prefix combined-CRC needed to seed a Recompressor (component 7)
// and, compared against the trailer's own combined CRC (component 5),
// provides the self-checking integrity pass the design calls for.
func WalkCombinedCRC(rd interface {
	Read(p []byte) (int, error)
}) (uint32, error) {
	sc := NewScanner(rd)
	var cc uint32
	ctx := context.Background()
	for sc.Scan(ctx) {
		b := sc.Block()
		if len(b.Data) > 0 {
			cc = CombineCRC(cc, b.CRC)
		}
		if b.EOS {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return cc, nil
}
