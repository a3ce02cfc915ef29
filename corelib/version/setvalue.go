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

// Package version implements the per-id history of an entity's values
// across block heights: an ordered, non-overlapping, contiguous sequence
// of (data, startHeight, endHeight) ranges, with at most one range open
// ("live") at a time.
package version

import (
	"fmt"

	chainmath "github.com/chainindex/corelib/common/math"
)

// Infinity represents an open endHeight ("live at tip").
const Infinity = chainmath.MaxUint64

// Value is one version of an entity: the data as of [Start, End).
type Value[E any] struct {
	Data  E
	Start uint64
	End   uint64 // Infinity if still open
}

// Open reports whether this version has no upper bound yet.
func (v Value[E]) Open() bool { return v.End == Infinity }

// SetValueModel holds the ordered version history for a single id.
type SetValueModel[E any] struct {
	values []Value[E]
}

// Set closes the currently open version (if any) at blockHeight and opens
// a new version starting at blockHeight. If blockHeight equals the
// existing open version's Start, that version's data is replaced in place
// instead of producing a zero-width interval. Setting at a height strictly
// less than the last version's Start is a programmer error.
func (m *SetValueModel[E]) Set(data E, blockHeight uint64) {
	n := len(m.values)
	if n > 0 {
		last := &m.values[n-1]
		if blockHeight < last.Start {
			panic(fmt.Sprintf("version: Set at height %d precedes last version start %d", blockHeight, last.Start))
		}
		if last.Open() && blockHeight == last.Start {
			last.Data = data
			return
		}
		if last.Open() {
			last.End = blockHeight
		}
	}
	m.values = append(m.values, Value[E]{Data: data, Start: blockHeight, End: Infinity})
}

// MarkAsRemoved closes the currently open version at blockHeight without
// opening a new one. A no-op if there is no open version (idempotent with
// a prior removal at the same or later height).
func (m *SetValueModel[E]) MarkAsRemoved(blockHeight uint64) {
	n := len(m.values)
	if n == 0 {
		return
	}
	last := &m.values[n-1]
	if !last.Open() {
		return
	}
	if blockHeight < last.Start {
		panic(fmt.Sprintf("version: MarkAsRemoved at height %d precedes last version start %d", blockHeight, last.Start))
	}
	last.End = blockHeight
}

// GetLatest returns the most recent version's data. ok is false if no
// version has ever been set.
func (m *SetValueModel[E]) GetLatest() (data E, ok bool) {
	if len(m.values) == 0 {
		return data, false
	}
	return m.values[len(m.values)-1].Data, true
}

// GetFirst returns the earliest version's data. ok is false if no version
// has ever been set.
func (m *SetValueModel[E]) GetFirst() (data E, ok bool) {
	if len(m.values) == 0 {
		return data, false
	}
	return m.values[0].Data, true
}

// GetValues returns the full, ordered version history. The returned slice
// must not be mutated by the caller.
func (m *SetValueModel[E]) GetValues() []Value[E] {
	return m.values
}

// IsMatchData reports whether the latest version's field, as extracted by
// get, equals value. A nil get matches any value ("field unset").
func (m *SetValueModel[E]) IsMatchData(get func(E) any, value any) bool {
	if get == nil {
		return true
	}
	latest, ok := m.GetLatest()
	if !ok {
		return false
	}
	return get(latest) == value
}
