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

// Package db is the narrow storage capability the cache layer (store
// package) is written against. It replaces the source's inline ORM calls
// with the handful of primitives spec.md's Design Notes call for:
// find-by-pk, find-all-where, count-where, bulk-upsert, bulk-insert,
// delete-where, a range-close operation, a point-in-time lookup and an
// atomic column increment, plus transaction scoping. Postgres (via pgx) is
// the only backend implemented; a test double lives in db/dbtest for
// package tests that don't want a live database.
package db

import "context"

// Range is the backend-agnostic stand-in for a Postgres int8range: a
// half-open interval [Lo, Hi), with HiInf meaning "no upper bound yet"
// (the historical-mode "live" row).
type Range struct {
	Lo, Hi int64
	HiInf  bool
}

// Row is one returned record: columns in the same order the caller asked
// for, values as driver-native Go types (pgx already maps int8range,
// timestamps, etc. to usable Go types).
type Row struct {
	Columns []string
	Values  []any
}

// Get returns the value for a named column, or nil if it is not present
// in this row.
func (r Row) Get(column string) any {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i]
		}
	}
	return nil
}

// Op is a comparison operator usable in a Where predicate.
type Op string

const (
	Eq    Op = "="
	In    Op = "IN"
	NotIn Op = "NOT IN"
	// Live matches only rows whose range column has no upper bound yet
	// (the historical-mode current version). The predicate's Value is
	// ignored.
	Live Op = "UPPER_INF"
)

// Predicate is one "column OP value" term of a Where clause. Value is
// ignored when Op is NotIn with an empty slice (the predicate is dropped).
type Predicate struct {
	Column string
	Op     Op
	Value  any
}

// Where is a conjunction (AND) of predicates.
type Where []Predicate

// Tx scopes a sequence of repository calls to one database transaction.
// Repository.WithTx constructs and commits/rolls back a Tx around fn.
type Tx interface {
	// Exec runs a statement with no expected rows.
	Exec(ctx context.Context, sql string, args ...any) error
}

// Repository is the storage capability store.Entities and store.Metadata
// are written against. Implementations must make every method safe to
// call concurrently, both on distinct Tx values obtained from distinct
// WithTx calls and within one Tx (the flush path runs close-previous and
// bulk-insert for the same table, and the writes of different models,
// concurrently against the same tx).
type Repository interface {
	// WithTx runs fn inside a new transaction, committing on a nil
	// return and rolling back otherwise (or if fn panics).
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// FindByPK looks up a single row by primary key. found is false if
	// no row exists (the caller populates a negative-cache entry in
	// that case, never an error).
	FindByPK(ctx context.Context, table string, columns []string, id string) (row Row, found bool, err error)

	// FindAllWhere returns up to limit rows (after skipping offset)
	// matching where, selecting columns. A non-positive limit means no
	// limit.
	FindAllWhere(ctx context.Context, table string, columns []string, where Where, limit, offset int) ([]Row, error)

	// CountWhere returns the number of rows matching where. If distinct
	// is non-empty, counts distinct values of that column instead of
	// rows.
	CountWhere(ctx context.Context, table string, where Where, distinct string) (int64, error)

	// BulkUpsert inserts rows (same column order as columns), updating
	// every column in updateOnConflict on a primary-key conflict. Used
	// by non-historical Set flush and by metadata Set flush.
	BulkUpsert(ctx context.Context, tx Tx, table string, columns []string, rows [][]any, conflictColumn string, updateOnConflict []string) error

	// BulkInsert inserts rows with no conflict handling. Used by
	// historical Set flush, where every version is a new row.
	BulkInsert(ctx context.Context, tx Tx, table string, columns []string, rows [][]any) error

	// DeleteWhere deletes rows matching where.
	DeleteWhere(ctx context.Context, tx Tx, table string, where Where) error

	// CloseRange reshapes the open block-range [lo, ∞) containing
	// containsHeight into [lo, closeAt) for the given id. This is the
	// historical-mode "close-previous" operation (spec §4.5).
	CloseRange(ctx context.Context, tx Tx, table, idColumn, rangeColumn string, id string, containsHeight, closeAt int64) error

	// FindAsOf looks up the version of id whose block-range contains
	// height — the historical-store analogue of FindByPK, used to answer
	// point-in-time queries once an id has fallen out of the recency
	// cache.
	FindAsOf(ctx context.Context, table string, columns []string, idColumn, rangeColumn, id string, height int64) (row Row, found bool, err error)

	// IncrementColumn performs a server-side atomic add: value =
	// value + delta, inserting the row at delta if it does not exist
	// yet. Used by metadata setIncrement flush so concurrent flushers
	// (across processes sharing the row) never lose an update.
	IncrementColumn(ctx context.Context, tx Tx, table, idColumn, id, valueColumn string, delta int64) error
}
