// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package pgquery implements types.QueryBuilder against a live
// PostgreSQL/CockroachDB connection via pgx, using its client-side
// streaming COPY protocol for bulk loads and savepoints for the
// retry-path recovery.
package pgquery

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Builder is a types.QueryBuilder backed by a live pgx transaction.
type Builder struct {
	tx pgx.Tx
}

var _ types.QueryBuilder = (*Builder)(nil)

// New wraps a live pgx transaction.
func New(tx pgx.Tx) *Builder { return &Builder{tx: tx} }

func qualified(t types.Table) string { return t.Name().Raw() }

func pgIdent(t types.Table) pgx.Identifier { return pgIdentFor(t.Name()) }

func pgIdentFor(name ident.Table) pgx.Identifier {
	s := name.Schema()
	n := name.Name().Raw()
	if s.Raw() == "" {
		return pgx.Identifier{n}
	}
	return pgx.Identifier{s.Raw(), n}
}

// SelectByPK performs `SELECT * FROM t WHERE pk = key`.
func (b *Builder) SelectByPK(ctx context.Context, t types.Table, pk types.Row) (types.Row, bool, error) {
	where, args := pkWhere(t, pk, 1)
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", columnList(t), qualified(t), where)

	rows, err := b.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, false, errors.Wrap(err, "select by primary key failed")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanRow(t, rows)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// DeleteByPK performs `DELETE FROM t WHERE pk = key RETURNING *`.
func (b *Builder) DeleteByPK(ctx context.Context, t types.Table, pk types.Row) (bool, error) {
	where, args := pkWhere(t, pk, 1)
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s RETURNING %s", qualified(t), where, columnList(t))

	rows, err := b.tx.Query(ctx, sql, args...)
	if err != nil {
		return false, errors.Wrap(err, "delete by primary key failed")
	}
	defer rows.Close()

	found := rows.Next()
	return found, rows.Err()
}

// SelectByPKs performs a single batch read across many primary keys.
func (b *Builder) SelectByPKs(ctx context.Context, t types.Table, pks []types.Row) ([]types.Row, error) {
	if len(pks) == 0 {
		return nil, nil
	}
	var clauses []string
	var args []any
	n := 1
	for _, pk := range pks {
		where, clauseArgs := pkWhere(t, pk, n)
		clauses = append(clauses, "("+where+")")
		args = append(args, clauseArgs...)
		n += len(clauseArgs)
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", columnList(t), qualified(t), strings.Join(clauses, " OR "))

	rows, err := b.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select by primary keys failed")
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		row, err := scanRow(t, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertValues performs the small-batch fast-path insert.
func (b *Builder) InsertValues(ctx context.Context, t types.Table, rows []types.Row, onConflictUpdate bool) error {
	if len(rows) == 0 {
		return nil
	}
	cols := t.Columns()

	var valuesClauses []string
	var args []any
	n := 1
	for _, row := range rows {
		var placeholders []string
		for _, col := range cols {
			args = append(args, driverArg(row[col.Name.Raw()]))
			placeholders = append(placeholders, fmt.Sprintf("$%d", n))
			n++
		}
		valuesClauses = append(valuesClauses, "("+strings.Join(placeholders, ", ")+")")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		qualified(t), columnList(t), strings.Join(valuesClauses, ", "))

	if onConflictUpdate {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", pkColumnList(t), conflictSetClause(t))
	}

	_, err := b.tx.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrap(err, "insert values failed")
	}
	return nil
}

// Execute runs a raw, dialect-specific statement.
func (b *Builder) Execute(ctx context.Context, sql string, args ...any) error {
	_, err := b.tx.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrapf(err, "execute failed: %s", sql)
	}
	return nil
}

// CopyIn streams a pre-encoded COPY-text payload into dest using pgx's
// client-side streaming COPY protocol, with columns ordered per t.
func (b *Builder) CopyIn(ctx context.Context, t types.Table, dest ident.Table, text []byte) error {
	pgDest := pgIdentFor(dest)

	conn := b.tx.Conn()
	copySQL := fmt.Sprintf("COPY %s (%s) FROM STDIN", pgDest.Sanitize(), columnList(t))
	_, err := conn.PgConn().CopyFrom(ctx, bytes.NewReader(text), copySQL)
	if err != nil {
		return &types.CopyFlushError{Table: dest, Err: err}
	}
	return nil
}

func columnList(t types.Table) string {
	cols := t.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name.Raw()
	}
	return strings.Join(names, ", ")
}

func pkColumnList(t types.Table) string {
	pk := t.PrimaryKey()
	names := make([]string, len(pk))
	for i, id := range pk {
		names[i] = id.Raw()
	}
	return strings.Join(names, ", ")
}

func conflictSetClause(t types.Table) string {
	var parts []string
	for _, col := range t.Columns() {
		if col.Primary {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = EXCLUDED.%s", col.Name.Raw(), col.Name.Raw()))
	}
	return strings.Join(parts, ", ")
}

func pkWhere(t types.Table, pk types.Row, startArg int) (string, []any) {
	var clauses []string
	var args []any
	n := startArg
	for _, id := range t.PrimaryKey() {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", id.Raw(), n))
		args = append(args, driverArg(pk[id.Raw()]))
		n++
	}
	return strings.Join(clauses, " AND "), args
}

func driverArg(v types.Value) any {
	switch v.Kind {
	case types.KindNull:
		return nil
	case types.KindInt64:
		return v.Int64
	case types.KindBigInt:
		if v.BigInt == nil {
			return nil
		}
		return v.BigInt.String()
	case types.KindFloat:
		return v.Float
	case types.KindBool:
		return v.Bool
	case types.KindString:
		return v.Str
	case types.KindBytes:
		return v.Bytes
	case types.KindJSON:
		return []byte(v.JSON)
	default:
		return nil
	}
}

func scanRow(t types.Table, rows pgx.Rows) (types.Row, error) {
	vals, err := rows.Values()
	if err != nil {
		return nil, errors.Wrap(err, "scan row failed")
	}
	out := make(types.Row, len(vals))
	for i, col := range t.Columns() {
		if i >= len(vals) {
			break
		}
		out[col.Name.Raw()] = valueFromDriver(vals[i], col.Type)
	}
	return out, nil
}

func valueFromDriver(v any, driverType types.DriverType) types.Value {
	if v == nil {
		return types.Null()
	}
	switch x := v.(type) {
	case int64:
		return types.Int64Value(x)
	case int32:
		return types.Int64Value(int64(x))
	case float64:
		return types.FloatValue(x)
	case bool:
		return types.BoolValue(x)
	case string:
		if driverType == types.DriverJSONText {
			return types.JSONValue([]byte(x))
		}
		return types.StringValue(x)
	case []byte:
		if driverType == types.DriverJSONText {
			return types.JSONValue(x)
		}
		return types.BytesValue(x)
	default:
		return types.StringValue(fmt.Sprintf("%v", x))
	}
}

