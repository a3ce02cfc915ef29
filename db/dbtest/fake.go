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

// Package dbtest is an in-memory db.Repository double for tests that
// exercise the store and dispatch packages without a live Postgres
// instance.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chainindex/runtime/db"
)

func contains(r db.Range, h int64) bool {
	return h >= r.Lo && (r.HiInf || h < r.Hi)
}

type record map[string]any

// Repository is a single-process, mutex-guarded Repository double. It
// applies writes immediately (WithTx does not defer or batch them) so
// tests can assert store state right after a flush returns.
type Repository struct {
	mu     sync.Mutex
	tables map[string][]record
}

// New returns an empty Repository double.
func New() *Repository {
	return &Repository{tables: make(map[string][]record)}
}

type noopTx struct{}

func (noopTx) Exec(ctx context.Context, sql string, args ...any) error { return nil }

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx db.Tx) error) error {
	return fn(ctx, noopTx{})
}

func rowOf(rec record, columns []string) db.Row {
	vals := make([]any, len(columns))
	for i, c := range columns {
		vals[i] = rec[c]
	}
	return db.Row{Columns: columns, Values: vals}
}

func (r *Repository) FindByPK(ctx context.Context, table string, columns []string, id string) (db.Row, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.tables[table] {
		if fmt.Sprint(rec["id"]) == id {
			return rowOf(rec, columns), true, nil
		}
	}
	return db.Row{}, false, nil
}

func matches(rec record, where db.Where) bool {
	for _, pred := range where {
		switch pred.Op {
		case db.Live:
			rg, ok := rec[pred.Column].(db.Range)
			if !ok || !rg.HiInf {
				return false
			}
		case db.NotIn:
			ids, _ := pred.Value.([]string)
			v := fmt.Sprint(rec[pred.Column])
			for _, id := range ids {
				if v == id {
					return false
				}
			}
		case db.In:
			ids, _ := pred.Value.([]string)
			v := fmt.Sprint(rec[pred.Column])
			found := false
			for _, id := range ids {
				if v == id {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case db.Eq:
			if fmt.Sprint(rec[pred.Column]) != fmt.Sprint(pred.Value) {
				return false
			}
		}
	}
	return true
}

func (r *Repository) FindAllWhere(ctx context.Context, table string, columns []string, where db.Where, limit, offset int) ([]db.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Row
	skipped := 0
	for _, rec := range r.tables[table] {
		if !matches(rec, where) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, rowOf(rec, columns))
	}
	return out, nil
}

func (r *Repository) CountWhere(ctx context.Context, table string, where db.Where, distinct string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if distinct == "" {
		var n int64
		for _, rec := range r.tables[table] {
			if matches(rec, where) {
				n++
			}
		}
		return n, nil
	}
	seen := map[string]bool{}
	for _, rec := range r.tables[table] {
		if matches(rec, where) {
			seen[fmt.Sprint(rec[distinct])] = true
		}
	}
	return int64(len(seen)), nil
}

func (r *Repository) BulkUpsert(ctx context.Context, tx db.Tx, table string, columns []string, rows [][]any, conflictColumn string, updateOnConflict []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		rec := make(record, len(columns))
		for i, c := range columns {
			rec[c] = row[i]
		}
		key := fmt.Sprint(rec[conflictColumn])
		found := false
		for i, existing := range r.tables[table] {
			if fmt.Sprint(existing[conflictColumn]) == key {
				for _, c := range updateOnConflict {
					existing[c] = rec[c]
				}
				r.tables[table][i] = existing
				found = true
				break
			}
		}
		if !found {
			r.tables[table] = append(r.tables[table], rec)
		}
	}
	return nil
}

func (r *Repository) BulkInsert(ctx context.Context, tx db.Tx, table string, columns []string, rows [][]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		rec := make(record, len(columns))
		for i, c := range columns {
			rec[c] = row[i]
		}
		r.tables[table] = append(r.tables[table], rec)
	}
	return nil
}

func (r *Repository) DeleteWhere(ctx context.Context, tx db.Tx, table string, where db.Where) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.tables[table][:0]
	for _, rec := range r.tables[table] {
		if !matches(rec, where) {
			kept = append(kept, rec)
		}
	}
	r.tables[table] = kept
	return nil
}

func (r *Repository) CloseRange(ctx context.Context, tx db.Tx, table, idColumn, rangeColumn string, id string, containsHeight, closeAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.tables[table] {
		if fmt.Sprint(rec[idColumn]) != id {
			continue
		}
		rg, ok := rec[rangeColumn].(db.Range)
		if !ok || !rg.HiInf || !contains(rg, containsHeight) {
			continue
		}
		rg.Hi, rg.HiInf = closeAt, false
		rec[rangeColumn] = rg
		r.tables[table][i] = rec
		return nil
	}
	return nil
}

func (r *Repository) FindAsOf(ctx context.Context, table string, columns []string, idColumn, rangeColumn, id string, height int64) (db.Row, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.tables[table] {
		if fmt.Sprint(rec[idColumn]) != id {
			continue
		}
		rg, ok := rec[rangeColumn].(db.Range)
		if !ok || !contains(rg, height) {
			continue
		}
		return rowOf(rec, columns), true, nil
	}
	return db.Row{}, false, nil
}

func (r *Repository) IncrementColumn(ctx context.Context, tx db.Tx, table, idColumn, id, valueColumn string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.tables[table] {
		if fmt.Sprint(rec[idColumn]) != id {
			continue
		}
		cur, _ := rec[valueColumn].(int64)
		rec[valueColumn] = cur + delta
		r.tables[table][i] = rec
		return nil
	}
	r.tables[table] = append(r.tables[table], record{idColumn: id, valueColumn: delta})
	return nil
}

// Rows returns a snapshot of table's rows for test assertions, sorted
// by id for deterministic comparisons.
func (r *Repository) Rows(table string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, 0, len(r.tables[table]))
	for _, rec := range r.tables[table] {
		cp := make(map[string]any, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["id"]) < fmt.Sprint(out[j]["id"])
	})
	return out
}

var _ db.Repository = (*Repository)(nil)
