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
	"context"

	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/metrics"
	"github.com/chainindex/rowcache/internal/profiler"
	"github.com/chainindex/rowcache/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// A Cache is the row working-set a batch of event handlers reads and
// writes through. It is single-threaded by contract: the caller's
// task model is expected to serialize access, exactly as a handler
// runtime would serialize event dispatch.
type Cache struct {
	cfg      Config
	stager   types.Stager
	profiler *profiler.Profiler

	tables ident.TableMap[*tableEntry]

	event *types.Event
	qb    types.QueryBuilder
}

// New constructs an empty Cache. Tables must be registered with
// Register before they can be used.
func New(cfg Config, stager types.Stager, prof *profiler.Profiler) *Cache {
	return &Cache{cfg: cfg, stager: stager, profiler: prof}
}

// SetEvent installs the event context subsequent calls will use to
// tag buffered writes and to sample profiler reads. It is a
// concession to ergonomics: a shared-nothing implementation would
// thread the event through every call instead.
func (c *Cache) SetEvent(ev *types.Event) { c.event = ev }

// SetQueryBuilder installs the query-builder handle subsequent calls
// will issue DB operations through, typically a handle wrapping the
// transaction for the current batch.
func (c *Cache) SetQueryBuilder(qb types.QueryBuilder) { c.qb = qb }

// Register adds a table to the cache. Its initial completeness is
// true unless a crash-recovery checkpoint marks it dirty.
func (c *Cache) Register(ctx context.Context, table types.Table) error {
	dirty := false
	if c.stager != nil {
		var err error
		dirty, err = c.stager.Present(ctx, table.Name())
		if err != nil {
			return errors.Wrap(err, "checkpoint lookup failed during register")
		}
	}
	c.tables.Put(table.Name(), newTableEntry(table, !dirty))
	log.WithFields(log.Fields{
		"table":      table.Name().Raw(),
		"isComplete": !dirty,
	}).Debug("registered table in row cache")
	return nil
}

func (c *Cache) entry(t types.Table) (*tableEntry, error) {
	e, ok := c.tables.Get(t.Name())
	if !ok {
		return nil, errors.Errorf("table %s not registered with cache", t.Name().Raw())
	}
	return e, nil
}

// Has reports whether key is known to the cache for t, without
// performing any I/O.
func (c *Cache) Has(t types.Table, pk types.Row) (bool, error) {
	e, err := c.entry(t)
	if err != nil {
		return false, err
	}
	if e.isComplete {
		return true, nil
	}
	key := cacheKey(pkColumnNames(t), pk)
	if e.updates.has(key) || e.inserts.has(key) {
		return true, nil
	}
	slot, ok := e.rows[key]
	return ok && slot.present, nil
}

// Get looks up key, consulting (in order) the update buffer, the
// insert buffer, the in-memory rows, and finally the database on a
// miss against an incomplete table.
func (c *Cache) Get(ctx context.Context, t types.Table, pk types.Row) (types.Row, error) {
	e, err := c.entry(t)
	if err != nil {
		return nil, err
	}
	key := cacheKey(pkColumnNames(t), pk)

	if entry, ok := e.updates.get(key); ok {
		c.recordSpillover(e, key)
		metrics.Observe(t.Name().Raw(), metrics.AccessHit)
		return mergedBufferRow(e, key, entry.row), nil
	}
	if entry, ok := e.inserts.get(key); ok {
		c.recordSpillover(e, key)
		metrics.Observe(t.Name().Raw(), metrics.AccessHit)
		return entry.row.Clone(), nil
	}
	if slot, ok := e.rows[key]; ok {
		c.recordSpillover(e, key)
		if e.isComplete {
			metrics.Observe(t.Name().Raw(), metrics.AccessComplete)
		} else {
			metrics.Observe(t.Name().Raw(), metrics.AccessHit)
		}
		c.sample(t, e, pk)
		if !slot.present {
			return nil, nil
		}
		return slot.row.Clone(), nil
	}

	if e.isComplete {
		metrics.Observe(t.Name().Raw(), metrics.AccessComplete)
		return nil, nil
	}

	metrics.Observe(t.Name().Raw(), metrics.AccessMiss)
	e.spillover[key] = true
	c.sample(t, e, pk)

	stop := metrics.Timer(t.Name().Raw(), metrics.MethodFind)
	defer stop()

	row, found, err := c.qb.SelectByPK(ctx, t, pk)
	if err != nil {
		return nil, errors.Wrapf(err, "point read for %s failed", t.Name().Raw())
	}
	e.diskReads++
	metrics.RecordDiskRead(t.Name().Raw())

	if !found {
		e.rows[key] = rowSlot{present: false}
		return nil, nil
	}
	e.rows[key] = rowSlot{row: row.Clone(), present: true}
	return row.Clone(), nil
}

// mergedBufferRow returns the row an update-over-insert pair would
// persist: if an insert for the same key is also buffered, the
// update's fields win over the insert's, matching flush ordering.
func mergedBufferRow(e *tableEntry, key string, update types.Row) types.Row {
	if ins, ok := e.inserts.get(key); ok {
		return mergeUpdateOverInsert(ins.row, update)
	}
	return update.Clone()
}

func (c *Cache) recordSpillover(e *tableEntry, key string) {
	if e.isComplete {
		return
	}
	if e.prefetched[key] {
		return
	}
	e.spillover[key] = true
}

func (c *Cache) sample(t types.Table, e *tableEntry, pk types.Row) {
	if c.profiler == nil || c.event == nil || c.event.Payload == nil {
		return
	}
	count := c.profiler.ObserveEvent(c.event.Name)
	if !c.profiler.ShouldSample(count) {
		return
	}
	c.profiler.Record(c.event.Name, t.Name(), t.PrimaryKey(), pk, c.event.Payload)
}

// Set buffers a pending write. isUpdate selects the update buffer;
// otherwise the row is normalized as a fresh insert (missing columns
// default to null). A subsequent Set for the same key into the same
// buffer overwrites the earlier entry, but an update never removes a
// previously buffered insert: both persist, the update shadowing on
// read and applied after the insert on flush.
func (c *Cache) Set(t types.Table, pk types.Row, row types.Row, isUpdate bool) (types.Row, error) {
	e, err := c.entry(t)
	if err != nil {
		return nil, err
	}
	key := cacheKey(pkColumnNames(t), pk)
	normalized := normalizeRow(t, row, isUpdate)

	entry := bufferEntry{row: normalized, event: c.event}
	if isUpdate {
		e.updates.put(key, entry)
	} else {
		e.inserts.put(key, entry)
	}
	return normalized.Clone(), nil
}

// Delete removes key from both write buffers and from rows, and
// issues a DB delete to learn whether a persisted row existed.
// Reports true if any of the three locations held the row.
func (c *Cache) Delete(ctx context.Context, t types.Table, pk types.Row) (bool, error) {
	e, err := c.entry(t)
	if err != nil {
		return false, err
	}
	key := cacheKey(pkColumnNames(t), pk)

	foundLocal := e.inserts.delete(key)
	if e.updates.delete(key) {
		foundLocal = true
	}
	if slot, ok := e.rows[key]; ok {
		if slot.present {
			foundLocal = true
		}
		delete(e.rows, key)
	}

	found, err := c.qb.DeleteByPK(ctx, t, pk)
	if err != nil {
		return false, errors.Wrapf(err, "delete for %s failed", t.Name().Raw())
	}
	e.rows[key] = rowSlot{present: false}

	return foundLocal || found, nil
}

// Invalidate marks every table incomplete, forcing subsequent misses
// to fall through to the database.
func (c *Cache) Invalidate() {
	_ = c.tables.Range(func(_ ident.Table, e *tableEntry) error {
		e.isComplete = false
		return nil
	})
}

// Clear empties rows, spillover and both write buffers for every
// table, used at a logical reset boundary (e.g. reorg rollback).
func (c *Cache) Clear() {
	_ = c.tables.Range(func(_ ident.Table, e *tableEntry) error {
		e.rows = make(map[string]rowSlot)
		e.spillover = make(map[string]bool)
		e.prefetched = make(map[string]bool)
		e.inserts.clear()
		e.updates.clear()
		e.bytes = 0
		return nil
	})
}

func pkColumnNames(t types.Table) []string {
	pk := t.PrimaryKey()
	out := make([]string, len(pk))
	for i, id := range pk {
		out[i] = id.Raw()
	}
	return out
}
