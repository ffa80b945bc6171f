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

// Package eventobj implements types.EventObject over plain Go values
// (as produced by decoding an event's JSON payload), giving the
// profiler a uniform, deterministic walk capability in place of
// runtime reflection.
package eventobj

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/chainindex/rowcache/internal/types"
)

// Object wraps a decoded JSON value (map[string]any, []any, or a leaf
// scalar) as a types.EventObject.
type Object struct {
	root any
}

// New wraps an already-decoded value.
func New(root any) *Object {
	return &Object{root: root}
}

// Parse decodes a JSON object and wraps it.
func Parse(raw json.RawMessage) (*Object, error) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse event payload: %w", err)
	}
	return &Object{root: root}, nil
}

// Walk visits every leaf field in a fixed, deterministic order: object
// keys are visited lexicographically, array elements in index order.
func (o *Object) Walk(fn func(path string, value types.Value) bool) {
	walk("", o.root, fn)
}

func walk(prefix string, v any, fn func(string, types.Value) bool) bool {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if !walk(path, val[k], fn) {
				return false
			}
		}
		return true
	case []any:
		for i, elem := range val {
			path := fmt.Sprintf("%s[%d]", prefix, i)
			if !walk(path, elem, fn) {
				return false
			}
		}
		return true
	default:
		return fn(prefix, leafValue(val))
	}
}

// Field resolves a dotted/indexed path produced by Walk directly,
// without a full traversal.
func (o *Object) Field(path string) (types.Value, bool) {
	cur := o.root
	if path == "" {
		return leafValue(cur), true
	}
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg.key]
			if !ok {
				return types.Value{}, false
			}
			cur = v
		case []any:
			if seg.index < 0 || seg.index >= len(node) {
				return types.Value{}, false
			}
			cur = node[seg.index]
		default:
			return types.Value{}, false
		}
	}
	switch cur.(type) {
	case map[string]any, []any:
		return types.Value{}, false
	default:
		return leafValue(cur), true
	}
}

type pathSegment struct {
	key   string
	index int
}

// splitPath turns "a.b[2].c" into [{key:a} {key:b} {index:2} {key:c}].
func splitPath(path string) []pathSegment {
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		for part != "" {
			if idx := strings.IndexByte(part, '['); idx >= 0 {
				if idx > 0 {
					segs = append(segs, pathSegment{key: part[:idx]})
				}
				end := strings.IndexByte(part[idx:], ']')
				if end < 0 {
					break
				}
				n, _ := strconv.Atoi(part[idx+1 : idx+end])
				segs = append(segs, pathSegment{index: n, key: ""})
				part = part[idx+end+1:]
				continue
			}
			segs = append(segs, pathSegment{key: part})
			break
		}
	}
	return segs
}

// leafValue converts a decoded JSON scalar into a types.Value.
func leafValue(v any) types.Value {
	switch x := v.(type) {
	case nil:
		return types.Null()
	case bool:
		return types.BoolValue(x)
	case string:
		return types.StringValue(x)
	case float64:
		if x == float64(int64(x)) {
			return types.Int64Value(int64(x))
		}
		return types.FloatValue(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return types.Int64Value(i)
		}
		if f, err := x.Float64(); err == nil {
			return types.FloatValue(f)
		}
		if bi, ok := new(big.Int).SetString(x.String(), 10); ok {
			return types.BigIntValue(bi)
		}
		return types.StringValue(x.String())
	default:
		return types.StringValue(fmt.Sprintf("%v", x))
	}
}
