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
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// toPgValue converts backend-agnostic values (notably Range) into the
// pgx-native types Postgres expects on the wire.
func toPgValue(v any) any {
	if rg, ok := v.(Range); ok {
		upperType := pgtype.Exclusive
		if rg.HiInf {
			upperType = pgtype.Unbounded
		}
		return pgtype.Range[int64]{
			Lower:     rg.Lo,
			Upper:     rg.Hi,
			LowerType: pgtype.Inclusive,
			UpperType: upperType,
			Valid:     true,
		}
	}
	return v
}

func toPgRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = toPgValue(v)
	}
	return out
}

// Postgres is the Repository implementation backing a real deployment.
// It intentionally does not do its own retry/backoff: fetch and flush
// failures are fatal per spec §7, and the process supervisor is the
// retry mechanism.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool against dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// pgTx serialises statements on its transaction: a pgx.Tx runs on one
// connection, which accepts only one statement at a time.
type pgTx struct {
	mu sync.Mutex
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, sql string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()
	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

func whereClause(w Where, argOffset int) (clause string, args []any) {
	var parts []string
	for _, pred := range w {
		switch pred.Op {
		case Live:
			parts = append(parts, fmt.Sprintf("upper_inf(%s)", pred.Column))
		case NotIn:
			ids, _ := pred.Value.([]string)
			if len(ids) == 0 {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s <> ALL($%d)", pred.Column, argOffset+len(args)+1))
			args = append(args, ids)
		case In:
			ids, _ := pred.Value.([]string)
			if len(ids) == 0 {
				parts = append(parts, "FALSE")
				continue
			}
			parts = append(parts, fmt.Sprintf("%s = ANY($%d)", pred.Column, argOffset+len(args)+1))
			args = append(args, ids)
		default:
			parts = append(parts, fmt.Sprintf("%s %s $%d", pred.Column, pred.Op, argOffset+len(args)+1))
			args = append(args, pred.Value)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (p *Postgres) FindByPK(ctx context.Context, table string, columns []string, id string) (Row, bool, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 LIMIT 1", strings.Join(columns, ", "), table)
	rows, err := p.pool.Query(ctx, q, id)
	if err != nil {
		return Row{}, false, fmt.Errorf("db: FindByPK(%s): %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return Row{}, false, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return Row{}, false, err
	}
	return Row{Columns: columns, Values: vals}, true, nil
}

func (p *Postgres) FindAllWhere(ctx context.Context, table string, columns []string, where Where, limit, offset int) ([]Row, error) {
	clause, args := whereClause(where, 0)
	q := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(columns, ", "), table, clause)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, offset)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("db: FindAllWhere(%s): %w", table, err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, Row{Columns: columns, Values: vals})
	}
	return out, rows.Err()
}

func (p *Postgres) CountWhere(ctx context.Context, table string, where Where, distinct string) (int64, error) {
	expr := "COUNT(*)"
	if distinct != "" {
		expr = fmt.Sprintf("COUNT(DISTINCT %s)", distinct)
	}
	clause, args := whereClause(where, 0)
	q := fmt.Sprintf("SELECT %s FROM %s%s", expr, table, clause)
	var n int64
	if err := p.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("db: CountWhere(%s): %w", table, err)
	}
	return n, nil
}

func (p *Postgres) BulkUpsert(ctx context.Context, tx Tx, table string, columns []string, rows [][]any, conflictColumn string, updateOnConflict []string) error {
	if len(rows) == 0 {
		return nil
	}
	ptx, ok := tx.(*pgTx)
	if !ok {
		return fmt.Errorf("db: BulkUpsert requires a *Postgres transaction")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+1)
			args = append(args, toPgValue(v))
		}
		sb.WriteString(")")
	}
	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET ", conflictColumn)
	sets := make([]string, len(updateOnConflict))
	for i, c := range updateOnConflict {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	sb.WriteString(strings.Join(sets, ", "))
	return ptx.Exec(ctx, sb.String(), args...)
}

func (p *Postgres) BulkInsert(ctx context.Context, tx Tx, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	ptx, ok := tx.(*pgTx)
	if !ok {
		return fmt.Errorf("db: BulkInsert requires a *Postgres transaction")
	}
	converted := make([][]any, len(rows))
	for i, row := range rows {
		converted[i] = toPgRow(row)
	}
	ptx.mu.Lock()
	n, err := ptx.tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(converted))
	ptx.mu.Unlock()
	if err != nil {
		return fmt.Errorf("db: BulkInsert(%s): %w", table, err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("db: BulkInsert(%s): copied %d of %d rows", table, n, len(rows))
	}
	return nil
}

func (p *Postgres) DeleteWhere(ctx context.Context, tx Tx, table string, where Where) error {
	ptx, ok := tx.(*pgTx)
	if !ok {
		return fmt.Errorf("db: DeleteWhere requires a *Postgres transaction")
	}
	clause, args := whereClause(where, 0)
	if clause == "" {
		return fmt.Errorf("db: DeleteWhere(%s) refuses an unconditional delete", table)
	}
	return ptx.Exec(ctx, "DELETE FROM "+table+clause, args...)
}

// CloseRange reshapes the open range [lo, ∞) containing containsHeight
// into [lo, closeAt) for id. upper_inf(range) identifies the live
// version; lower(range) is preserved.
func (p *Postgres) CloseRange(ctx context.Context, tx Tx, table, idColumn, rangeColumn string, id string, containsHeight, closeAt int64) error {
	ptx, ok := tx.(*pgTx)
	if !ok {
		return fmt.Errorf("db: CloseRange requires a *Postgres transaction")
	}
	q := fmt.Sprintf(
		`UPDATE %s SET %s = int8range(lower(%s), $1, '[)')
		 WHERE %s = $2 AND %s @> $3::int8 AND upper_inf(%s)`,
		table, rangeColumn, rangeColumn, idColumn, rangeColumn, rangeColumn)
	return ptx.Exec(ctx, q, closeAt, id, containsHeight)
}

func (p *Postgres) FindAsOf(ctx context.Context, table string, columns []string, idColumn, rangeColumn, id string, height int64) (Row, bool, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 AND %s @> $2::int8 LIMIT 1",
		strings.Join(columns, ", "), table, idColumn, rangeColumn)
	rows, err := p.pool.Query(ctx, q, id, height)
	if err != nil {
		return Row{}, false, fmt.Errorf("db: FindAsOf(%s): %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return Row{}, false, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return Row{}, false, err
	}
	return Row{Columns: columns, Values: vals}, true, nil
}

func (p *Postgres) IncrementColumn(ctx context.Context, tx Tx, table, idColumn, id, valueColumn string, delta int64) error {
	ptx, ok := tx.(*pgTx)
	if !ok {
		return fmt.Errorf("db: IncrementColumn requires a *Postgres transaction")
	}
	q := fmt.Sprintf(
		"INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT (%s) DO UPDATE SET %s = %s.%s + EXCLUDED.%s",
		table, idColumn, valueColumn, idColumn, valueColumn, table, valueColumn, valueColumn)
	return ptx.Exec(ctx, q, id, delta)
}
