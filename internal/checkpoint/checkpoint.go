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

// Package checkpoint tracks, in a small marker table, which tables
// were mid-flight when the process last stopped. The cache consults it
// exactly once per table, at Register time, to decide whether it's
// safe to assume the in-memory cache already mirrors the table
// (is_complete = true) or whether it must be treated as unknown until
// rebuilt from the database.
//
// It durably records nothing about unflushed writes themselves; actual
// crash recovery of buffered data is out of scope for this package, as
// it is for the cache (spec Non-goals).
package checkpoint

import (
	"context"

	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/types"
	"github.com/pkg/errors"
)

// schema is declared here for reference; callers are expected to
// create the table out of band, the same way the teacher project
// creates its resolved-timestamp table.
const schema = `
CREATE TABLE IF NOT EXISTS %s (
	table_name STRING PRIMARY KEY,
	dirty      BOOL NOT NULL
)`

// A Store records, per table, whether its cache must be rebuilt from
// the database before it can be trusted as complete.
type Store struct {
	qb        types.QueryBuilder
	markTable types.Table
}

var _ types.Stager = (*Store)(nil)

// New constructs a Store backed by markTable, a small single-purpose
// table with a `table_name STRING PRIMARY KEY, dirty BOOL` shape.
func New(qb types.QueryBuilder, markTable types.Table) *Store {
	return &Store{qb: qb, markTable: markTable}
}

// Schema returns the DDL for the marker table, for callers that create
// it themselves (substituting the qualified table name for %s).
func Schema() string { return schema }

// Present reports whether t is marked dirty, i.e. whether a prior
// process shut down with unflushed writes for it still buffered.
func (s *Store) Present(ctx context.Context, t ident.Table) (bool, error) {
	row, found, err := s.qb.SelectByPK(ctx, s.markTable, types.Row{
		"table_name": types.StringValue(t.Raw()),
	})
	if err != nil {
		return false, errors.Wrap(err, "checkpoint lookup failed")
	}
	if !found {
		return false, nil
	}
	dirty, ok := row["dirty"]
	if !ok {
		return false, nil
	}
	return dirty.Bool, nil
}

// MarkDirty records that t has unflushed writes outstanding; a
// subsequent Register for t will not assume completeness.
func (s *Store) MarkDirty(ctx context.Context, t ident.Table) error {
	return errors.Wrap(
		s.qb.InsertValues(ctx, s.markTable, []types.Row{{
			"table_name": types.StringValue(t.Raw()),
			"dirty":      types.BoolValue(true),
		}}, true),
		"mark dirty failed",
	)
}

// ClearDirty records that t was flushed cleanly.
func (s *Store) ClearDirty(ctx context.Context, t ident.Table) error {
	return errors.Wrap(
		s.qb.InsertValues(ctx, s.markTable, []types.Row{{
			"table_name": types.StringValue(t.Raw()),
			"dirty":      types.BoolValue(false),
		}}, true),
		"clear dirty failed",
	)
}
