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

package ident

// A TableMap is a map keyed by Table that preserves insertion order when
// ranged over, so that callers relying on a deterministic iteration
// order (e.g. the flush engine applying tables in a fixed sequence)
// don't need a separate sorted-keys slice.
type TableMap[V any] struct {
	index map[Table]int
	keys  []Table
	vals  []V
}

// Get returns the value stored for t, if any.
func (m *TableMap[V]) Get(t Table) (V, bool) {
	var zero V
	if m.index == nil {
		return zero, false
	}
	idx, ok := m.index[t]
	if !ok {
		return zero, false
	}
	return m.vals[idx], true
}

// GetZero returns the value stored for t, or the zero value of V.
func (m *TableMap[V]) GetZero(t Table) V {
	v, _ := m.Get(t)
	return v
}

// Put stores v under t, overwriting any previous value without
// changing its position in iteration order.
func (m *TableMap[V]) Put(t Table, v V) {
	if m.index == nil {
		m.index = make(map[Table]int)
	}
	if idx, ok := m.index[t]; ok {
		m.vals[idx] = v
		return
	}
	m.index[t] = len(m.keys)
	m.keys = append(m.keys, t)
	m.vals = append(m.vals, v)
}

// Delete removes t from the map.
func (m *TableMap[V]) Delete(t Table) {
	idx, ok := m.index[t]
	if !ok {
		return
	}
	delete(m.index, t)
	m.keys = append(m.keys[:idx], m.keys[idx+1:]...)
	m.vals = append(m.vals[:idx], m.vals[idx+1:]...)
	for i := idx; i < len(m.keys); i++ {
		m.index[m.keys[i]] = i
	}
}

// Len returns the number of entries in the map.
func (m *TableMap[V]) Len() int { return len(m.keys) }

// Range calls fn for every entry in insertion order, stopping and
// returning the first error encountered.
func (m *TableMap[V]) Range(fn func(Table, V) error) error {
	for i, k := range m.keys {
		if err := fn(k, m.vals[i]); err != nil {
			return err
		}
	}
	return nil
}

// Tables returns a snapshot of the keys in iteration order.
func (m *TableMap[V]) Tables() []Table {
	out := make([]Table, len(m.keys))
	copy(out, m.keys)
	return out
}
