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
	"errors"
	"strconv"
	"strings"

	"github.com/chainindex/rowcache/internal/types"
)

var (
	errTestInsertFailed = errors.New("test: insert rejected")
	errTestCopyFailed   = errors.New("test: copy transport failed")
	errTestDuplicateKey = errors.New("test: duplicate primary key")
)

// decodeCopyText inverts copyfmt.Encode well enough for the fake query
// builder to recover the rows a COPY payload represents.
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
			row[col.Name.Raw()] = decodeField(unescapeField(fields[i]))
		}
		out = append(out, row)
	}
	return out, nil
}

func decodeField(s string) types.Value {
	if s == `\N` {
		return types.Null()
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
