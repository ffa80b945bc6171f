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
	"strconv"
	"strings"

	"github.com/chainindex/rowcache/internal/types"
)

// key is a canonical string derived from a row's primary-key values,
// in primary-key column order. Two rows sharing a key are the same
// logical row.
//
// Hex-addressable string keys (e.g. chain addresses and hashes) are
// lower-cased so that a handler's casing choice never splits one
// logical row across two cache entries.
func cacheKey(pkCols []string, row types.Row) string {
	var b strings.Builder
	for i, col := range pkCols {
		if i > 0 {
			b.WriteByte(0x1f) // unit separator; never appears in rendered values
		}
		b.WriteString(renderKeyPart(row[col]))
	}
	return b.String()
}

func renderKeyPart(v types.Value) string {
	switch v.Kind {
	case types.KindNull:
		return "\x00"
	case types.KindInt64:
		return strconv.FormatInt(v.Int64, 10)
	case types.KindBigInt:
		if v.BigInt == nil {
			return "\x00"
		}
		return v.BigInt.String()
	case types.KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case types.KindBool:
		if v.Bool {
			return "t"
		}
		return "f"
	case types.KindString:
		return normalizeHexLike(v.Str)
	case types.KindBytes:
		return normalizeHexLike(string(v.Bytes))
	case types.KindJSON:
		return string(v.JSON)
	default:
		return ""
	}
}

// normalizeHexLike lower-cases values that look like 0x-prefixed hex
// addresses or hashes, so that case variation in handler-supplied
// strings doesn't fragment the cache key space. Plain strings are
// passed through unchanged.
func normalizeHexLike(s string) string {
	if len(s) >= 2 && (s[0] == '0') && (s[1] == 'x' || s[1] == 'X') {
		return strings.ToLower(s)
	}
	return s
}
