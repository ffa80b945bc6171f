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

// Package sqlitequery implements types.QueryBuilder against an
// embedded modernc.org/sqlite database, for deployments that run the
// indexer without a standalone server process. It has no native COPY
// protocol, so CopyIn decodes the in-memory text blob itself and
// applies it as a batched INSERT under the same transaction.
package sqlitequery

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/types"
	"github.com/pkg/errors"
)

// Open opens an embedded sqlite database in WAL mode, suitable for a
// single-process indexer.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping sqlite database")
	}
	return db, nil
}

// Builder is a types.QueryBuilder backed by a *sql.Tx against an
// embedded sqlite engine.
type Builder struct {
	tx *sql.Tx
}

var _ types.QueryBuilder = (*Builder)(nil)

// New wraps a live sqlite transaction.
func New(tx *sql.Tx) *Builder { return &Builder{tx: tx} }

// SelectByPK performs `SELECT * FROM t WHERE pk = key`.
func (b *Builder) SelectByPK(ctx context.Context, t types.Table, pk types.Row) (types.Row, bool, error) {
	where, args := pkWhere(t, pk)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", columnList(t), t.Name().Raw(), where)

	rows, err := b.tx.QueryContext(ctx, q, args...)
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

// DeleteByPK deletes the row matching pk, returning whether one existed.
func (b *Builder) DeleteByPK(ctx context.Context, t types.Table, pk types.Row) (bool, error) {
	where, args := pkWhere(t, pk)
	res, err := b.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", t.Name().Raw(), where), args...)
	if err != nil {
		return false, errors.Wrap(err, "delete by primary key failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "read rows affected failed")
	}
	return n > 0, nil
}

// SelectByPKs performs a single OR-of-equalities batch read.
func (b *Builder) SelectByPKs(ctx context.Context, t types.Table, pks []types.Row) ([]types.Row, error) {
	if len(pks) == 0 {
		return nil, nil
	}
	var clauses []string
	var args []any
	for _, pk := range pks {
		where, clauseArgs := pkWhere(t, pk)
		clauses = append(clauses, "("+where+")")
		args = append(args, clauseArgs...)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", columnList(t), t.Name().Raw(), strings.Join(clauses, " OR "))

	rows, err := b.tx.QueryContext(ctx, q, args...)
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
	for _, row := range rows {
		if err := b.insertOne(ctx, t, row, onConflictUpdate); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) insertOne(ctx context.Context, t types.Table, row types.Row, onConflictUpdate bool) error {
	cols := t.Columns()
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = driverArg(row[col.Name.Raw()])
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name().Raw(), columnList(t), strings.Join(placeholders, ", "))
	if onConflictUpdate {
		q += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", pkColumnList(t), conflictSetClause(t))
	}

	_, err := b.tx.ExecContext(ctx, q, args...)
	return errors.Wrap(err, "insert values failed")
}

// Execute runs a raw statement. Sqlite honors SAVEPOINT/RELEASE
// SAVEPOINT/ROLLBACK TO SAVEPOINT the same as Postgres; CREATE TEMP
// TABLE and TRUNCATE are rewritten to sqlite's equivalents.
func (b *Builder) Execute(ctx context.Context, sql string, args ...any) error {
	_, err := b.tx.ExecContext(ctx, rewriteForSqlite(sql), args...)
	return errors.Wrapf(err, "execute failed: %s", sql)
}

// CopyIn decodes the COPY-text payload itself (sqlite has no bulk-load
// wire protocol) and applies it as one statement per row, under the
// current transaction, into dest.
func (b *Builder) CopyIn(ctx context.Context, t types.Table, dest ident.Table, text []byte) error {
	rows, err := decodeCopyText(t, text)
	if err != nil {
		return &types.CopyFlushError{Table: dest, Err: err}
	}

	cols := t.Columns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", dest.Name().Raw(), columnList(t), strings.Join(placeholders, ", "))

	stmt, err := b.tx.PrepareContext(ctx, q)
	if err != nil {
		return &types.CopyFlushError{Table: dest, Err: err}
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, len(cols))
		for i, col := range cols {
			args[i] = driverArg(row[col.Name.Raw()])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return &types.CopyFlushError{Table: dest, Err: err}
		}
	}
	return nil
}

func rewriteForSqlite(stmt string) string {
	switch {
	case strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "TRUNCATE"):
		table := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(stmt), "TRUNCATE"))
		return fmt.Sprintf("DELETE FROM %s", table)
	case strings.Contains(strings.ToUpper(stmt), "WITH NO DATA"):
		return strings.Replace(stmt, "WITH NO DATA", "LIMIT 0", 1)
	default:
		return stmt
	}
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
		parts = append(parts, fmt.Sprintf("%s = excluded.%s", col.Name.Raw(), col.Name.Raw()))
	}
	return strings.Join(parts, ", ")
}

func pkWhere(t types.Table, pk types.Row) (string, []any) {
	var clauses []string
	var args []any
	for _, id := range t.PrimaryKey() {
		clauses = append(clauses, fmt.Sprintf("%s = ?", id.Raw()))
		args = append(args, driverArg(pk[id.Raw()]))
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
		return string(v.JSON)
	default:
		return nil
	}
}

func scanRow(t types.Table, rows *sql.Rows) (types.Row, error) {
	cols := t.Columns()
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, errors.Wrap(err, "scan row failed")
	}
	out := make(types.Row, len(cols))
	for i, col := range cols {
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

// decodeCopyText inverts copyfmt.Encode's wire format well enough to
// recover the rows it represents.
func decodeCopyText(t types.Table, text []byte) ([]types.Row, error) {
	cols := t.Columns()
	if len(text) == 0 {
		return nil, nil
	}
	lines := strings.Split(string(text), "\n")
	out := make([]types.Row, 0, len(lines))
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		row := make(types.Row, len(cols))
		for i, col := range cols {
			if i >= len(fields) {
				row[col.Name.Raw()] = types.Null()
				continue
			}
			row[col.Name.Raw()] = decodeField(unescapeField(fields[i]), col.Type)
		}
		out = append(out, row)
	}
	return out, nil
}

func decodeField(s string, driverType types.DriverType) types.Value {
	if s == `\N` {
		return types.Null()
	}
	if driverType == types.DriverJSONText {
		return types.JSONValue([]byte(s))
	}
	if driverType == types.DriverBigIntDecimal {
		if n, ok := new(big.Int).SetString(s, 10); ok {
			return types.BigIntValue(n)
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return types.Int64Value(n)
	}
	return types.StringValue(s)
}

func unescapeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case '\\':
				b.WriteByte('\\')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'v':
				b.WriteByte('\v')
			case 'N':
				b.WriteString(`\N`)
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
