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

// bufferEntry is one pending write, tagged with the event that
// produced it so a later flush failure can be attributed back to it.
type bufferEntry struct {
	row   types.Row
	event *types.Event
}

// writeBuffer is a per-table map of pending inserts or updates, keyed
// by cache key, that preserves insertion order for deterministic
// flush ordering (scenario 6: insertion order is preserved for a
// given cache key).
type writeBuffer struct {
	index map[string]int
	keys  []string
	vals  []bufferEntry
}

func (b *writeBuffer) put(key string, entry bufferEntry) {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	if idx, ok := b.index[key]; ok {
		b.vals[idx] = entry
		return
	}
	b.index[key] = len(b.keys)
	b.keys = append(b.keys, key)
	b.vals = append(b.vals, entry)
}

func (b *writeBuffer) get(key string) (bufferEntry, bool) {
	if b.index == nil {
		return bufferEntry{}, false
	}
	idx, ok := b.index[key]
	if !ok {
		return bufferEntry{}, false
	}
	return b.vals[idx], true
}

func (b *writeBuffer) has(key string) bool {
	_, ok := b.index[key]
	return ok
}

func (b *writeBuffer) delete(key string) bool {
	idx, ok := b.index[key]
	if !ok {
		return false
	}
	delete(b.index, key)
	b.keys = append(b.keys[:idx], b.keys[idx+1:]...)
	b.vals = append(b.vals[:idx], b.vals[idx+1:]...)
	for i := idx; i < len(b.keys); i++ {
		b.index[b.keys[i]] = i
	}
	return true
}

func (b *writeBuffer) clear() {
	b.index = nil
	b.keys = nil
	b.vals = nil
}

func (b *writeBuffer) len() int { return len(b.keys) }

// entries returns the buffer's (key, entry) pairs in insertion order.
func (b *writeBuffer) entries() ([]string, []bufferEntry) {
	return b.keys, b.vals
}

// normalizeRow prepares a row for buffering. For an insert, missing
// columns are filled with SQL NULL; the cache has no notion of column
// defaults beyond NULL, since those belong to the schema the query
// builder owns. For an update only the fields the caller supplied
// survive, so later merges can tell "not set" from "set to null".
func normalizeRow(table types.Table, row types.Row, isUpdate bool) types.Row {
	if isUpdate {
		return row.Clone()
	}
	out := make(types.Row, len(table.Columns()))
	for _, col := range table.Columns() {
		if v, ok := row[col.Name.Raw()]; ok {
			out[col.Name.Raw()] = v
		} else {
			out[col.Name.Raw()] = types.Null()
		}
	}
	return out.Clone()
}

// mergeUpdateOverInsert produces the row an insert-then-update pair
// would persist at flush time: the insert's columns, overwritten by
// whichever columns the update explicitly set.
func mergeUpdateOverInsert(insert, update types.Row) types.Row {
	out := insert.Clone()
	for k, v := range update {
		out[k] = v
	}
	return out
}
