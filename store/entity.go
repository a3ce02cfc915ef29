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

// Package store is the historical write-through entity cache: typed,
// generic models (Entities, Metadata) over the narrow db.Repository
// capability, coordinated by a Controller that decides flush
// boundaries and runs one atomic flush transaction.
package store

import (
	"fmt"
	"reflect"

	"github.com/chainindex/runtime/db"
)

// Entity is the constraint every cached entity type satisfies: a
// required textual id, matching spec's "opaque payload with a
// required textual id". E is expected to be a plain struct value type
// (not a pointer) so Schema can build and decode instances by
// reflection.
type Entity interface {
	EntityID() string
}

// ProgrammerError marks a cache-contract violation — a bug in calling
// code, never a runtime/data condition — so callers (notably test
// harnesses) can tell it apart from a genuine operational failure.
type ProgrammerError struct{ msg string }

func (e ProgrammerError) Error() string { return e.msg }

func programmerErrorf(format string, args ...any) ProgrammerError {
	return ProgrammerError{msg: fmt.Sprintf(format, args...)}
}

// Schema is the reflective descriptor built once per entity type at
// cache construction, mapping `db:"column"` struct tags to column
// names so the flush path never pays per-row reflection cost deciding
// what to serialize — only Row/Decode walk fields, and both are called
// only at flush/miss boundaries, not per access.
type Schema[E Entity] struct {
	Table      string
	Columns    []string
	fieldIndex map[string]int
	elemType   reflect.Type
}

// BuildSchema constructs a Schema for E by walking its exported fields
// for `db:"..."` tags. A field tagged `db:"-"` or untagged is skipped.
func BuildSchema[E Entity](table string) *Schema[E] {
	var zero E
	t := reflect.TypeOf(zero)
	if t == nil {
		panic(fmt.Sprintf("store: BuildSchema[%T]: entity type must not be a nil interface", zero))
	}
	if t.Kind() == reflect.Ptr {
		panic(fmt.Sprintf("store: BuildSchema[%s]: entity type must be a struct value, not a pointer", t))
	}
	s := &Schema[E]{Table: table, fieldIndex: make(map[string]int), elemType: t}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		s.Columns = append(s.Columns, tag)
		s.fieldIndex[tag] = i
	}
	return s
}

// Row extracts e's column values in Schema.Columns order, for an
// insert or upsert.
func (s *Schema[E]) Row(e E) []any {
	v := reflect.ValueOf(e)
	vals := make([]any, len(s.Columns))
	for i, col := range s.Columns {
		vals[i] = v.Field(s.fieldIndex[col]).Interface()
	}
	return vals
}

// FieldValue returns e's value for a schema column, for in-memory
// getByField matching.
func (s *Schema[E]) FieldValue(e E, field string) (any, bool) {
	idx, ok := s.fieldIndex[field]
	if !ok {
		return nil, false
	}
	return reflect.ValueOf(e).Field(idx).Interface(), true
}

// Decode builds an E from a db.Row using the schema's column mapping.
// Columns the row doesn't carry are left at their zero value.
func (s *Schema[E]) Decode(row db.Row) E {
	ptr := reflect.New(s.elemType)
	for _, col := range s.Columns {
		val := row.Get(col)
		if val == nil {
			continue
		}
		f := ptr.Elem().Field(s.fieldIndex[col])
		fv := reflect.ValueOf(val)
		if fv.Type().ConvertibleTo(f.Type()) {
			f.Set(fv.Convert(f.Type()))
		}
	}
	return ptr.Elem().Interface().(E)
}
