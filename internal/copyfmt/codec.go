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

// Package copyfmt encodes batches of rows into the text format
// accepted by a COPY-style bulk-load command. It is pure: it never
// touches cache state or the database, only the Value payloads and
// column metadata handed to it.
package copyfmt

import (
	"strconv"
	"strings"

	"github.com/chainindex/rowcache/internal/types"
)

// Encode renders rows as a single COPY text payload: columns in the
// table's declared order, tab-separated, rows newline-separated, no
// trailing newline. Null or unset values are rendered as `\N`.
func Encode(table types.Table, rows []types.Row) []byte {
	cols := table.Columns()
	var b strings.Builder

	for i, row := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		for j, col := range cols {
			if j > 0 {
				b.WriteByte('\t')
			}
			v, ok := row[col.Name.Raw()]
			if !ok || v.IsNull() {
				b.WriteString(`\N`)
				continue
			}
			writeEscaped(&b, render(v, col.Type))
		}
	}

	return []byte(b.String())
}

// render converts a Value into the driver-level string representation
// that the column's DriverType specifies, before escaping.
func render(v types.Value, driverType types.DriverType) string {
	switch {
	case driverType == types.DriverBigIntDecimal && v.Kind == types.KindBigInt:
		if v.BigInt == nil {
			return ""
		}
		return v.BigInt.String()
	case driverType == types.DriverJSONText && v.Kind == types.KindJSON:
		return string(v.JSON)
	}

	switch v.Kind {
	case types.KindInt64:
		return strconv.FormatInt(v.Int64, 10)
	case types.KindBigInt:
		if v.BigInt == nil {
			return ""
		}
		return v.BigInt.String()
	case types.KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case types.KindBool:
		return strconv.FormatBool(v.Bool)
	case types.KindString:
		return v.Str
	case types.KindBytes:
		return string(v.Bytes)
	case types.KindJSON:
		return string(v.JSON)
	default:
		return ""
	}
}

// escapeTable maps each byte that COPY text format requires escaped to
// its two-character backslash escape.
var escapeTable = map[byte]string{
	'\\': `\\`,
	'\b': `\b`,
	'\f': `\f`,
	'\n': `\n`,
	'\r': `\r`,
	'\t': `\t`,
	'\v': `\v`,
}

// writeEscaped appends s to b, backslash-escaping the bytes COPY text
// format requires.
func writeEscaped(b *strings.Builder, s string) {
	start := 0
	for i := 0; i < len(s); i++ {
		esc, ok := escapeTable[s[i]]
		if !ok {
			continue
		}
		b.WriteString(s[start:i])
		b.WriteString(esc)
		start = i + 1
	}
	b.WriteString(s[start:])
}
