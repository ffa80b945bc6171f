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

import "github.com/chainindex/rowcache/internal/types"

// rowSlot holds a cached row, or a tombstone (present == false and
// row == nil) recording "known absent in the database".
type rowSlot struct {
	row     types.Row
	present bool
}

// tableEntry is the per-table cache state described by the data
// model: rows keyed by cache key, the prefetch/spillover demand
// signals, the completeness flag, and the eviction bookkeeping.
type tableEntry struct {
	table types.Table

	rows       map[string]rowSlot
	prefetched map[string]bool
	spillover  map[string]bool

	isComplete bool
	bytes      int64
	diskReads  int64

	inserts writeBuffer
	updates writeBuffer

	isFlushRetry bool
}

func newTableEntry(table types.Table, startComplete bool) *tableEntry {
	return &tableEntry{
		table:      table,
		rows:       make(map[string]rowSlot),
		prefetched: make(map[string]bool),
		spillover:  make(map[string]bool),
		isComplete: startComplete,
	}
}

func estimateBytes(row types.Row) int64 {
	var n int64
	for k, v := range row {
		n += int64(len(k)) + 16
		switch v.Kind {
		case types.KindString:
			n += int64(len(v.Str))
		case types.KindBytes:
			n += int64(len(v.Bytes))
		case types.KindJSON:
			n += int64(len(v.JSON))
		case types.KindBigInt:
			if v.BigInt != nil {
				n += int64(len(v.BigInt.Bytes()))
			}
		default:
			n += 8
		}
	}
	return n
}
