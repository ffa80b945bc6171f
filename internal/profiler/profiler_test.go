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
	"testing"

	"github.com/chainindex/rowcache/internal/eventobj"
	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/types"
	"github.com/stretchr/testify/require"
)

var petTable = ident.NewTable(ident.NewSchema(ident.New("public")), ident.New("pets"))

func TestShouldSample(t *testing.T) {
	p := New(10, nil)
	require.True(t, p.ShouldSample(1))
	require.True(t, p.ShouldSample(11))
	require.False(t, p.ShouldSample(2))
	require.False(t, p.ShouldSample(10))
}

func TestShouldSampleDefaultsRateToOne(t *testing.T) {
	p := New(0, nil)
	require.Equal(t, int64(1), p.SamplingRate())
	for i := int64(1); i < 5; i++ {
		require.True(t, p.ShouldSample(i))
	}
}

func TestObserveEventCountsIncrement(t *testing.T) {
	p := New(1, nil)
	require.EqualValues(t, 1, p.ObserveEvent("PetCreated"))
	require.EqualValues(t, 2, p.ObserveEvent("PetCreated"))
	require.EqualValues(t, 1, p.ObserveEvent("PetRenamed"))
	require.EqualValues(t, 2, p.EventCount("PetCreated"))
}

func TestRecordDerivesSingleFieldPattern(t *testing.T) {
	p := New(1, nil)
	ev := eventobj.New(map[string]any{
		"id":   float64(42),
		"name": "fido",
	})
	pk := types.Row{"id": types.Int64Value(42)}
	idCol := ident.New("id")

	p.Record("PetCreated", petTable, []ident.Ident{idCol}, pk, ev)

	pats := p.Patterns("PetCreated", petTable)
	require.Len(t, pats, 1)
	require.Equal(t, ShapeDerived, pats[0].Shape)
	require.Equal(t, "id", pats[0].Path)
	require.EqualValues(t, 1, p.Count("PetCreated", petTable, pats[0]))
}

func TestRecordAggregatesRepeatedPattern(t *testing.T) {
	p := New(1, nil)
	idCol := ident.New("id")
	for i := 0; i < 5; i++ {
		ev := eventobj.New(map[string]any{"id": float64(i)})
		pk := types.Row{"id": types.Int64Value(int64(i))}
		p.Record("PetCreated", petTable, []ident.Ident{idCol}, pk, ev)
	}
	pats := p.Patterns("PetCreated", petTable)
	require.Len(t, pats, 1)
	require.EqualValues(t, 5, p.Count("PetCreated", petTable, pats[0]))
}

func TestRecordDistinguishesDistinctPaths(t *testing.T) {
	p := New(1, nil)
	idCol := ident.New("id")

	ev1 := eventobj.New(map[string]any{"id": float64(1), "nested": map[string]any{"id": float64(1)}})
	p.Record("E", petTable, []ident.Ident{idCol}, types.Row{"id": types.Int64Value(1)}, ev1)

	ev2 := eventobj.New(map[string]any{"id": float64(99), "other": float64(2)})
	p.Record("E", petTable, []ident.Ident{idCol}, types.Row{"id": types.Int64Value(2)}, ev2)

	// ev1 matches via top-level "id" (first in lexical order beats "nested.id").
	pats := p.Patterns("E", petTable)
	require.Len(t, pats, 2)
}

func TestRecordFallsBackToDelimitedPattern(t *testing.T) {
	p := New(1, nil)
	idCol := ident.New("id")
	ev := eventobj.New(map[string]any{
		"chain": "eth",
		"addr":  "0xabc",
	})
	pk := types.Row{"id": types.StringValue("eth:0xabc")}

	p.Record("Transfer", petTable, []ident.Ident{idCol}, pk, ev)

	pats := p.Patterns("Transfer", petTable)
	require.Len(t, pats, 1)
	require.Equal(t, ShapeDelimited, pats[0].Shape)

	got, ok := p.Recover(pats[0], ev)
	require.True(t, ok)
	require.Equal(t, pk["id"], got)
}

func TestRecordWithTransform(t *testing.T) {
	lower := func(v types.Value) types.Value {
		if v.Kind != types.KindString {
			return v
		}
		out := make([]byte, len(v.Str))
		for i := 0; i < len(v.Str); i++ {
			c := v.Str[i]
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			out[i] = c
		}
		return types.StringValue(string(out))
	}
	p := New(1, TransformRegistry{"lower": lower})
	idCol := ident.New("id")
	ev := eventobj.New(map[string]any{"id": "0xABC"})
	pk := types.Row{"id": types.StringValue("0xabc")}

	p.Record("Transfer", petTable, []ident.Ident{idCol}, pk, ev)
	pats := p.Patterns("Transfer", petTable)
	require.Len(t, pats, 1)
	require.Equal(t, "lower", pats[0].Transform)

	got, ok := p.Recover(pats[0], ev)
	require.True(t, ok)
	require.Equal(t, pk["id"], got)
}

func TestRecordNoMatchRecordsNothing(t *testing.T) {
	p := New(1, nil)
	idCol := ident.New("id")
	ev := eventobj.New(map[string]any{"unrelated": "value"})
	pk := types.Row{"id": types.Int64Value(7)}

	p.Record("E", petTable, []ident.Ident{idCol}, pk, ev)

	require.Empty(t, p.Patterns("E", petTable))
}

func TestRecordMissingPKColumnInRow(t *testing.T) {
	p := New(1, nil)
	idCol := ident.New("id")
	ev := eventobj.New(map[string]any{"id": float64(1)})

	p.Record("E", petTable, []ident.Ident{idCol}, types.Row{}, ev)

	require.Empty(t, p.Patterns("E", petTable))
}

func TestTablesListsTablesWithPatterns(t *testing.T) {
	p := New(1, nil)
	idCol := ident.New("id")
	other := ident.NewTable(ident.NewSchema(ident.New("public")), ident.New("owners"))

	p.Record("E", petTable, []ident.Ident{idCol}, types.Row{"id": types.Int64Value(1)},
		eventobj.New(map[string]any{"id": float64(1)}))
	p.Record("E", other, []ident.Ident{idCol}, types.Row{"id": types.Int64Value(1)},
		eventobj.New(map[string]any{"id": float64(1)}))

	tables := p.Tables("E")
	require.Len(t, tables, 2)
}
