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

package cache

import (
	"context"
	"sync"

	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/types"
)

type fakeTable struct {
	name ident.Table
	pk   []ident.Ident
	cols []types.ColData
}

func (t *fakeTable) Name() ident.Table         { return t.name }
func (t *fakeTable) PrimaryKey() []ident.Ident  { return t.pk }
func (t *fakeTable) Columns() []types.ColData   { return t.cols }

func petsTable() *fakeTable {
	return &fakeTable{
		name: ident.NewTable(ident.NewSchema(ident.New("public")), ident.New("pets")),
		pk:   []ident.Ident{ident.New("id")},
		cols: []types.ColData{
			{Name: ident.New("id"), Primary: true},
			{Name: ident.New("name")},
			{Name: ident.New("age")},
		},
	}
}

// fakeQueryBuilder is an in-memory stand-in for types.QueryBuilder,
// backed by a plain map keyed by cache key, good enough to drive the
// cache and flush engine through their seed scenarios without a real
// database connection.
type fakeQueryBuilder struct {
	mu   sync.Mutex
	rows map[string]map[string]types.Row // table raw name -> pk-string -> row

	copyCalls    int
	executeCalls []string
	failNextCopy bool
	failOnRow    func(types.Row) bool
}

func newFakeQueryBuilder() *fakeQueryBuilder {
	return &fakeQueryBuilder{rows: make(map[string]map[string]types.Row)}
}

func (f *fakeQueryBuilder) table(t types.Table) map[string]types.Row {
	return f.rawTable(t.Name().Raw())
}

func (f *fakeQueryBuilder) rawTable(name string) map[string]types.Row {
	m, ok := f.rows[name]
	if !ok {
		m = make(map[string]types.Row)
		f.rows[name] = m
	}
	return m
}

func pkString(t types.Table, row types.Row) string {
	s := ""
	for i, id := range t.PrimaryKey() {
		if i > 0 {
			s += "|"
		}
		s += renderKeyPart(row[id.Raw()])
	}
	return s
}

func (f *fakeQueryBuilder) SelectByPK(ctx context.Context, t types.Table, pk types.Row) (types.Row, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.table(t)
	row, ok := m[pkString(t, pk)]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (f *fakeQueryBuilder) DeleteByPK(ctx context.Context, t types.Table, pk types.Row) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.table(t)
	key := pkString(t, pk)
	_, ok := m[key]
	delete(m, key)
	return ok, nil
}

func (f *fakeQueryBuilder) SelectByPKs(ctx context.Context, t types.Table, pks []types.Row) ([]types.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.table(t)
	var out []types.Row
	for _, pk := range pks {
		if row, ok := m[pkString(t, pk)]; ok {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

func (f *fakeQueryBuilder) InsertValues(ctx context.Context, t types.Table, rows []types.Row, onConflictUpdate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.table(t)

	// A real INSERT ... VALUES (...), (...) statement is one atomic
	// unit; validate every row before applying any of them.
	for _, row := range rows {
		if f.failOnRow != nil && f.failOnRow(row) {
			return errTestInsertFailed
		}
		if _, exists := m[pkString(t, row)]; exists && !onConflictUpdate {
			return errTestInsertFailed
		}
	}
	for _, row := range rows {
		key := pkString(t, row)
		if existing, ok := m[key]; ok && onConflictUpdate {
			m[key] = mergeUpdateOverInsert(existing, row)
		} else {
			m[key] = row.Clone()
		}
	}
	return nil
}

func (f *fakeQueryBuilder) Execute(ctx context.Context, sql string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executeCalls = append(f.executeCalls, sql)
	return nil
}

func (f *fakeQueryBuilder) CopyIn(ctx context.Context, t types.Table, dest ident.Table, text []byte) error {
	f.mu.Lock()
	f.copyCalls++
	fail := f.failNextCopy
	f.failNextCopy = false
	f.mu.Unlock()
	if fail {
		return errTestCopyFailed
	}
	rows, err := decodeCopyText(t, text)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.rawTable(dest.Raw())

	// A real driver defers constraint checks to the end of the COPY
	// and a failure mid-stream is undone by ROLLBACK TO SAVEPOINT; the
	// fake mirrors that by validating the whole batch before applying
	// any of it, rather than committing rows as it walks the batch.
	for _, row := range rows {
		if f.failOnRow != nil && f.failOnRow(row) {
			return errTestCopyFailed
		}
		if _, exists := m[pkString(t, row)]; exists {
			return errTestDuplicateKey
		}
	}
	for _, row := range rows {
		m[pkString(t, row)] = row.Clone()
	}
	return nil
}
