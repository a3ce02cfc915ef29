// Copyright 2024 The Chainindex Authors
// This file is part of Chainindex.
//
// Chainindex is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainindex is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainindex. If not, see <http://www.gnu.org/licenses/>.

package db

import (
	"context"
	"fmt"
)

// AsOfReader answers point-in-time lookups against a historical-mode
// table: "what was the row for id at block height h". It is a thin,
// reusable wrapper around Repository.FindAsOf, carrying the height and
// an optional trace flag across a batch of lookups the way a single
// reader is reused across a batch of block applies rather than
// constructed per call.
type AsOfReader struct {
	repo   Repository
	height int64
	trace  bool
}

// NewAsOfReader builds a reader bound to repo. The height must be set
// with SetHeight before Find is called.
func NewAsOfReader(repo Repository) *AsOfReader {
	return &AsOfReader{repo: repo}
}

// SetHeight rebinds the reader to a new query height. Callers reuse one
// reader across many entities at the same height rather than
// allocating a reader per lookup.
func (r *AsOfReader) SetHeight(height int64) { r.height = height }

// Height returns the height this reader is currently bound to.
func (r *AsOfReader) Height() int64 { return r.height }

// SetTrace turns on verbose per-lookup logging, useful when diagnosing
// a historical query that returns an unexpected version.
func (r *AsOfReader) SetTrace(trace bool) { r.trace = trace }

// Find looks up id's version as of the reader's current height.
func (r *AsOfReader) Find(ctx context.Context, table string, columns []string, idColumn, rangeColumn, id string) (Row, bool, error) {
	row, found, err := r.repo.FindAsOf(ctx, table, columns, idColumn, rangeColumn, id, r.height)
	if r.trace {
		fmt.Printf("AsOfReader.Find(%s, %s) @%d => found=%v err=%v\n", table, id, r.height, found, err)
	}
	return row, found, err
}
