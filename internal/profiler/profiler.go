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

// Package profiler learns, from observed cache reads, which event
// payload fields reconstruct the primary-key values of the rows those
// events cause to be read, so that the prefetcher can turn the next
// batch of events into a single bulk read.
package profiler

import (
	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/types"
)

// entry pairs a pattern with the number of times it has been observed
// to successfully reconstruct a requested key.
type entry struct {
	pattern Pattern
	count   int64
}

// Profiler records event-name -> table -> pattern-id -> {pattern, count}.
type Profiler struct {
	samplingRate int64
	transforms   TransformRegistry

	// patterns[eventName][table][patternID] = *entry
	patterns map[string]map[ident.Table]map[string]*entry

	// eventCounts[eventName] is the running count of events seen under
	// that name, used both to decide whether to sample and, later, to
	// compute a pattern's expected hit rate.
	eventCounts map[string]int64
}

// New constructs a Profiler that samples 1-in-samplingRate events and
// applies the given value transforms when deriving or recovering
// patterns.
func New(samplingRate int64, transforms TransformRegistry) *Profiler {
	if samplingRate < 1 {
		samplingRate = 1
	}
	return &Profiler{
		samplingRate: samplingRate,
		transforms:   transforms,
		patterns:     make(map[string]map[ident.Table]map[string]*entry),
		eventCounts:  make(map[string]int64),
	}
}

// SamplingRate returns the configured sampling rate.
func (p *Profiler) SamplingRate() int64 { return p.samplingRate }

// ObserveEvent bumps the running count for ev.Name and returns it, for
// callers that need to stamp an Event's Count field before dispatch.
func (p *Profiler) ObserveEvent(name string) int64 {
	p.eventCounts[name]++
	return p.eventCounts[name]
}

// EventCount returns the running count previously recorded for name.
func (p *Profiler) EventCount(name string) int64 {
	return p.eventCounts[name]
}

// ShouldSample reports whether a get against table, happening during
// event, should be sampled into the profiler. It implements the "1 in
// SAMPLING_RATE events" predicate from the spec: the first event of
// every run of samplingRate is sampled, so a rate of 1 samples every
// event rather than none of them.
func (p *Profiler) ShouldSample(eventCount int64) bool {
	return (eventCount-1)%p.samplingRate == 0
}

// Record derives a pattern reconstructing pk (the primary-key values
// of the row that was requested) from ev, and aggregates it under
// eventName -> table. If no pattern can be derived that fully
// reconstructs at least one primary-key column, nothing is recorded.
func (p *Profiler) Record(eventName string, table ident.Table, pkCols []ident.Ident, pk types.Row, ev types.EventObject) {
	pat, ok := derive(pkCols, pk, ev, p.transforms)
	if !ok {
		return
	}

	byTable, ok := p.patterns[eventName]
	if !ok {
		byTable = make(map[ident.Table]map[string]*entry)
		p.patterns[eventName] = byTable
	}
	byID, ok := byTable[table]
	if !ok {
		byID = make(map[string]*entry)
		byTable[table] = byID
	}

	id := pat.ID()
	if e, ok := byID[id]; ok {
		e.count++
		return
	}
	byID[id] = &entry{pattern: pat, count: 1}
}

// derive searches ev's fields for values matching each primary-key
// column, preferring a single-path "derived" pattern per column, and
// falling back to the composite "delimited" form only for whichever
// single column cannot be matched directly but can be reconstructed
// as a deterministic join of several fields.
//
// The search is greedy and deterministic: Walk already visits fields
// in a fixed order, and the first matching path for a column wins.
func derive(pkCols []ident.Ident, pk types.Row, ev types.EventObject, transforms TransformRegistry) (Pattern, bool) {
	if len(pkCols) == 0 {
		return Pattern{}, false
	}

	if len(pkCols) == 1 {
		return deriveColumn(pkCols[0], pk, ev, transforms)
	}

	// Composite primary key: a pattern's Column field names a single
	// column, and one sample yields one pattern: the first column, in
	// primary-key order, that deriveColumn can match. The walk is
	// deterministic, so later samples of the same event shape match
	// that same column again; a later column gets a pattern only from
	// a sample in which no earlier column can be derived. A prediction
	// needs a pattern for every primary-key column, so a composite key
	// is predicted only once such samples have occurred.
	for _, col := range pkCols {
		if pat, ok := deriveColumn(col, pk, ev, transforms); ok {
			return pat, true
		}
	}
	return Pattern{}, false
}

func deriveColumn(col ident.Ident, pk types.Row, ev types.EventObject, transforms TransformRegistry) (Pattern, bool) {
	want, ok := pk[col.Raw()]
	if !ok {
		return Pattern{}, false
	}

	var found string
	var foundOK bool
	var matchedTransform string
	ev.Walk(func(path string, v types.Value) bool {
		if v.Equal(want) {
			found = path
			foundOK = true
			return false
		}
		for name, fn := range transforms {
			if fn(v).Equal(want) {
				found = path
				foundOK = true
				matchedTransform = name
				return false
			}
		}
		return true
	})
	if foundOK {
		return Pattern{Column: col, Shape: ShapeDerived, Path: found, Transform: matchedTransform}, true
	}

	// Fall back to a delimited join of every leaf path, in Walk order,
	// joined by the most common separators; only accept it if it
	// reconstructs the wanted value exactly.
	var paths []string
	ev.Walk(func(path string, _ types.Value) bool {
		paths = append(paths, path)
		return true
	})
	for _, delim := range []string{":", "-", "_", ""} {
		pat := Pattern{Column: col, Shape: ShapeDelimited, Paths: paths, Delimiter: delim}
		if got, ok := pat.Recover(ev, transforms); ok && got.Equal(want) {
			return pat, true
		}
	}

	return Pattern{}, false
}

// Patterns returns the recorded patterns for eventName/table, in no
// particular order.
func (p *Profiler) Patterns(eventName string, table ident.Table) []Pattern {
	byTable, ok := p.patterns[eventName]
	if !ok {
		return nil
	}
	byID, ok := byTable[table]
	if !ok {
		return nil
	}
	out := make([]Pattern, 0, len(byID))
	for _, e := range byID {
		out = append(out, e.pattern)
	}
	return out
}

// Count returns the recorded hit count for a specific pattern under
// eventName/table, or 0 if it was never recorded.
func (p *Profiler) Count(eventName string, table ident.Table, pat Pattern) int64 {
	byTable, ok := p.patterns[eventName]
	if !ok {
		return 0
	}
	byID, ok := byTable[table]
	if !ok {
		return 0
	}
	e, ok := byID[pat.ID()]
	if !ok {
		return 0
	}
	return e.count
}

// Tables returns every table with at least one recorded pattern under
// eventName, in no particular order.
func (p *Profiler) Tables(eventName string) []ident.Table {
	byTable, ok := p.patterns[eventName]
	if !ok {
		return nil
	}
	out := make([]ident.Table, 0, len(byTable))
	for t := range byTable {
		out = append(out, t)
	}
	return out
}

// Recover applies pat to ev, synthesizing the primary-key row
// component it predicts.
func (p *Profiler) Recover(pat Pattern, ev types.EventObject) (types.Value, bool) {
	return pat.Recover(ev, p.transforms)
}
