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

// Package ident provides lightweight, comparable handles for schema- and
// table-qualified SQL names. It mirrors the teacher project's ident
// package closely enough to be a drop-in for code that was written
// against it, without pulling in the dialect-specific quoting and
// case-folding rules that package carried.
package ident

import "fmt"

// An Ident is a single unqualified SQL identifier, such as a column or
// table name.
type Ident struct {
	raw string
}

// New wraps a raw identifier.
func New(raw string) Ident {
	return Ident{raw: raw}
}

// Raw returns the identifier exactly as supplied.
func (i Ident) Raw() string { return i.raw }

// String implements fmt.Stringer.
func (i Ident) String() string { return i.raw }

// Empty returns true if the identifier carries no name.
func (i Ident) Empty() bool { return i.raw == "" }

// A Schema is an ordered sequence of identifiers, most specific last,
// that namespaces a collection of tables (e.g. database.schema). It is
// stored as its dot-joined rendering so that Schema, and the Table
// built from it, remain comparable and usable as map keys.
type Schema struct {
	raw string
}

// NewSchema constructs a Schema from its component identifiers.
func NewSchema(names ...Ident) Schema {
	raw := ""
	for idx, n := range names {
		if idx > 0 {
			raw += "."
		}
		raw += n.raw
	}
	return Schema{raw: raw}
}

// Idents returns the schema's component identifiers.
func (s Schema) Idents() []Ident {
	if s.raw == "" {
		return nil
	}
	parts := splitDot(s.raw)
	out := make([]Ident, len(parts))
	for i, p := range parts {
		out[i] = New(p)
	}
	return out
}

func splitDot(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Raw renders the schema as a dot-joined string.
func (s Schema) Raw() string { return s.raw }

// String implements fmt.Stringer.
func (s Schema) String() string { return s.Raw() }

// A Table is a schema-qualified table name. It is the handle by which
// the cache and flush engine refer to a table without knowing anything
// about its column layout.
type Table struct {
	schema Schema
	name   Ident
}

// NewTable joins a schema and a table name into a Table handle.
func NewTable(schema Schema, name Ident) Table {
	return Table{schema: schema, name: name}
}

// Schema returns the table's enclosing schema.
func (t Table) Schema() Schema { return t.schema }

// Name returns the table's unqualified name.
func (t Table) Name() Ident { return t.name }

// Raw renders the fully-qualified table name.
func (t Table) Raw() string {
	if t.schema.Raw() == "" {
		return t.name.raw
	}
	return fmt.Sprintf("%s.%s", t.schema.Raw(), t.name.raw)
}

// String implements fmt.Stringer.
func (t Table) String() string { return t.Raw() }

// Empty returns true for the zero Table value.
func (t Table) Empty() bool { return t.name.Empty() }
