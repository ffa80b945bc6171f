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

package profiler

import (
	"strconv"
	"strings"

	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/types"
)

// Shape distinguishes the two pattern forms a Pattern can take.
type Shape int

// The two supported pattern shapes.
const (
	ShapeDerived Shape = iota
	ShapeDelimited
)

// A Pattern is a recipe for reconstructing one primary-key column's
// value from an event payload.
type Pattern struct {
	Column ident.Ident
	Shape  Shape

	// Derived: a single field path, plus an optional transform name
	// (applied by the caller-supplied Transform registry).
	Path      string
	Transform string

	// Delimited: a list of field paths joined by Delimiter to
	// reconstruct a composite key column.
	Paths     []string
	Delimiter string
}

// ID returns a canonical, deterministic serialization of the pattern,
// used both to aggregate hit counts for identical patterns and as a
// map key.
func (p Pattern) ID() string {
	var b strings.Builder
	b.WriteString(p.Column.Raw())
	b.WriteByte('|')
	switch p.Shape {
	case ShapeDerived:
		b.WriteString("derived|")
		b.WriteString(p.Path)
		b.WriteByte('|')
		b.WriteString(p.Transform)
	case ShapeDelimited:
		b.WriteString("delimited|")
		b.WriteString(strings.Join(p.Paths, ","))
		b.WriteByte('|')
		b.WriteString(p.Delimiter)
	}
	return b.String()
}

// Recover applies the pattern to a fresh event, synthesizing the
// column value it predicts. The second return value is false if the
// event doesn't contain the fields the pattern expects.
func (p Pattern) Recover(ev types.EventObject, transforms TransformRegistry) (types.Value, bool) {
	switch p.Shape {
	case ShapeDerived:
		v, ok := ev.Field(p.Path)
		if !ok {
			return types.Value{}, false
		}
		if p.Transform != "" {
			fn, ok := transforms[p.Transform]
			if !ok {
				return types.Value{}, false
			}
			return fn(v), true
		}
		return v, true
	case ShapeDelimited:
		parts := make([]string, len(p.Paths))
		for i, path := range p.Paths {
			v, ok := ev.Field(path)
			if !ok {
				return types.Value{}, false
			}
			parts[i] = stringOf(v)
		}
		return types.StringValue(strings.Join(parts, p.Delimiter)), true
	default:
		return types.Value{}, false
	}
}

func stringOf(v types.Value) string {
	switch v.Kind {
	case types.KindString:
		return v.Str
	case types.KindInt64:
		return strconv.FormatInt(v.Int64, 10)
	case types.KindBigInt:
		if v.BigInt != nil {
			return v.BigInt.String()
		}
		return ""
	default:
		return ""
	}
}

// A Transform maps one Value to another, e.g. lower-casing a hex
// address before it's used as a key component.
type Transform func(types.Value) types.Value

// A TransformRegistry names the transforms available to Pattern
// recovery and to pattern derivation (out-of-band hints, per the
// spec's "value-transform hints registered out of band").
type TransformRegistry map[string]Transform
