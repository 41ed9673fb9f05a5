// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package mwbzutils

import "bytes"

// PageRevisionCount is one page's revision tally, as produced by
// CountRevisionsPerPage.
type PageRevisionCount struct {
	PageID    int64
	Revisions int64
}

var tagEndRevision = []byte("</revision>")

// CountRevisionsPerPage is a supplemented feature (not present in the
// distilled spec but present in the original dump toolchain's reporting
// scripts): it walks a decompressed dump counting how many <revision>
// elements each <page> contains, in file order.
func CountRevisionsPerPage(src LineReader) ([]PageRevisionCount, error) {
	var out []PageRevisionCount
	var current *PageRevisionCount

	for {
		line, ok, err := src.ReadLine(0)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		trimmed := leftTrim(line)
		switch {
		case bytes.HasPrefix(trimmed, tagPage):
			out = append(out, PageRevisionCount{})
			current = &out[len(out)-1]
		case current != nil && current.PageID == 0:
			if id, ok := parseIDTag(trimmed); ok {
				current.PageID = id
			}
		}
		if bytes.HasPrefix(trimmed, tagEndRevision) && current != nil {
			current.Revisions++
		}
	}
	return out, nil
}
