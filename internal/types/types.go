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

// Package types contains the data types and collaborator interfaces
// that the cache, flush engine, profiler and prefetcher are built
// against. Keeping them in one package, independent of any concrete
// driver, is what lets the cache stay ignorant of whether it's backed
// by CockroachDB, Postgres, or an embedded engine.
package types

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/chainindex/rowcache/internal/ident"
)

// Kind tags the dynamic type carried by a Value.
type Kind int

// The supported column value kinds. A zero Kind is KindNull.
const (
	KindNull Kind = iota
	KindInt64
	KindBigInt
	KindFloat
	KindBool
	KindString
	KindBytes
	KindJSON
)

// A Value is a tagged union over the column value types the cache
// understands. Only the field matching Kind is meaningful.
type Value struct {
	Kind   Kind
	Int64  int64
	BigInt *big.Int
	Float  float64
	Bool   bool
	Str    string
	Bytes  []byte
	JSON   json.RawMessage
}

// Null returns the null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int64Value wraps an integer column value.
func Int64Value(v int64) Value { return Value{Kind: KindInt64, Int64: v} }

// BigIntValue wraps an arbitrary-precision integer column value.
func BigIntValue(v *big.Int) Value { return Value{Kind: KindBigInt, BigInt: v} }

// FloatValue wraps a floating-point column value.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// BoolValue wraps a boolean column value.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// StringValue wraps a string column value.
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// BytesValue wraps a byte-blob column value.
func BytesValue(v []byte) Value {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Value{Kind: KindBytes, Bytes: cp}
}

// JSONValue wraps a composite (JSON-encoded) column value.
func JSONValue(v json.RawMessage) Value {
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return Value{Kind: KindJSON, JSON: cp}
}

// IsNull reports whether the value represents SQL NULL or was never set.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal compares two values by kind and payload. Two BigInt values
// compare equal if their big.Int representations compare equal; nil
// BigInt pointers are treated as equal to each other.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt64:
		return v.Int64 == o.Int64
	case KindBigInt:
		if v.BigInt == nil || o.BigInt == nil {
			return v.BigInt == o.BigInt
		}
		return v.BigInt.Cmp(o.BigInt) == 0
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	case KindJSON:
		return string(v.JSON) == string(o.JSON)
	default:
		return false
	}
}

// A Row maps column names to their values. Rows are always cloned when
// they cross the cache boundary: once into a buffer or the rows map,
// once back out to a handler.
type Row map[string]Value

// Clone returns a deep copy of the row so that a caller mutating the
// result cannot corrupt cache state, and vice versa.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		switch v.Kind {
		case KindBytes:
			out[k] = BytesValue(v.Bytes)
		case KindJSON:
			out[k] = JSONValue(v.JSON)
		case KindBigInt:
			if v.BigInt != nil {
				out[k] = BigIntValue(new(big.Int).Set(v.BigInt))
			} else {
				out[k] = v
			}
		default:
			out[k] = v
		}
	}
	return out
}

// DriverType names the wire representation the COPY codec should use
// for a column. Dialects may use a string representation or an enum;
// the cache only needs to know the broad shape.
type DriverType int

// The supported driver-level renderings for COPY text encoding.
const (
	DriverDefault DriverType = iota // use the Value's own Kind
	DriverBigIntDecimal             // render *big.Int as a decimal string
	DriverJSONText                  // render composite values as JSON text
)

// ColData describes one column of a table, as needed for primary-key
// ordering and COPY encoding.
type ColData struct {
	Name    ident.Ident
	Primary bool
	Type    DriverType
}

// A Table is the cache's opaque view of a target table: enough to
// build cache keys and COPY payloads, nothing about how it was
// created or how the rest of the system refers to it.
type Table interface {
	// Name returns the schema-qualified table identifier.
	Name() ident.Table
	// PrimaryKey returns the primary-key columns in declaration order.
	PrimaryKey() []ident.Ident
	// Columns returns all columns, primary-key columns first in
	// declaration order, followed by the remaining columns.
	Columns() []ColData
}

// An Event identifies the handler invocation the cache is currently
// serving. It is attached to buffered writes for error attribution and
// consulted by the profiler when sampling access patterns.
type Event struct {
	// Name identifies the kind of event (e.g. a log/ABI event name).
	Name string
	// Count is a running count of events seen under Name, for the
	// caller's use. The cache does not read it: the profiler keeps its
	// own per-name counts for sampling and hit-rate expectation.
	Count int64
	// Payload exposes the event's fields to the profiler's pattern
	// search without requiring reflection.
	Payload EventObject
}

// An EventObject exposes an event payload as a walkable object graph.
// Implementations stand in for the reflective traversal a dynamically
// typed runtime would perform over the raw event value.
type EventObject interface {
	// Walk visits every leaf field, depth-first, in a fixed
	// deterministic order, calling fn with the field's dot-joined path
	// and value. Walk stops early if fn returns false.
	Walk(fn func(path string, value Value) bool)
	// Field resolves a dotted path (as produced by Walk) directly.
	Field(path string) (Value, bool)
}

// A QueryBuilder is the abstract interface the cache, flush engine and
// prefetcher use to reach the underlying relational store. Concrete
// implementations translate these calls into the target dialect.
type QueryBuilder interface {
	// SelectByPK performs `SELECT * FROM t WHERE pk = key`.
	SelectByPK(ctx context.Context, t Table, pk Row) (row Row, found bool, err error)

	// DeleteByPK performs `DELETE FROM t WHERE pk = key RETURNING *`
	// and reports whether a row was removed.
	DeleteByPK(ctx context.Context, t Table, pk Row) (found bool, err error)

	// SelectByPKs performs a single `SELECT * FROM t WHERE (pk=k1) OR
	// (pk=k2) OR ...` across the given primary keys.
	SelectByPKs(ctx context.Context, t Table, pks []Row) ([]Row, error)

	// InsertValues performs the small-batch fast-path insert: either a
	// plain `INSERT ... VALUES` (onConflictUpdate == false) or
	// `INSERT ... ON CONFLICT DO UPDATE` (onConflictUpdate == true).
	InsertValues(ctx context.Context, t Table, rows []Row, onConflictUpdate bool) error

	// Execute runs a raw, dialect-specific statement: savepoint
	// control, temp-table creation, the set-based UPDATE, TRUNCATE.
	Execute(ctx context.Context, sql string, args ...any) error

	// CopyIn streams a COPY-format payload, encoded against t's column
	// layout, into dest. dest names t itself for the insert path, or
	// the unqualified shadow temp table for the set-based update path.
	CopyIn(ctx context.Context, t Table, dest ident.Table, text []byte) error
}

// A Stager durably records the last-known completeness checkpoint for
// a table. The cache only ever reads it, at Register time, to decide
// whether the in-memory cache should start out believing it already
// mirrors the table.
type Stager interface {
	// Present reports whether a crash-recovery checkpoint exists for t,
	// meaning the cache must not assume completeness until it has
	// rebuilt its state.
	Present(ctx context.Context, t ident.Table) (bool, error)
}
