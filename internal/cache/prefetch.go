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
	"sort"

	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/metrics"
	"github.com/chainindex/rowcache/internal/types"
	"github.com/chainindex/rowcache/internal/util/msort"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// predictedRow pairs a candidate primary-key row with the cache key
// it was derived under, so predictions can be deduplicated before the
// batch load.
type predictedRow struct {
	key string
	pk  types.Row
}

// evict drops complete-cached tables, in ascending disk_reads order,
// until total cached bytes across complete tables falls within the
// configured budget. Tables that cost little to rebuild (few disk
// reads observed) are sacrificed first.
func (c *Cache) evict() {
	var total int64
	var complete []*tableEntry
	_ = c.tables.Range(func(_ ident.Table, e *tableEntry) error {
		if e.isComplete {
			total += e.bytes
			complete = append(complete, e)
		}
		return nil
	})
	if total <= c.cfg.MaxBytes {
		return
	}

	sort.Slice(complete, func(i, j int) bool { return complete[i].diskReads < complete[j].diskReads })

	for _, e := range complete {
		if total <= c.cfg.MaxBytes {
			break
		}
		total -= e.bytes
		e.bytes = 0
		e.rows = make(map[string]rowSlot)
		e.isComplete = false
		metrics.RecordEviction(e.table.Name().Raw())
		log.WithFields(log.Fields{
			"table":     e.table.Name().Raw(),
			"diskReads": e.diskReads,
		}).Info("evicted table from row cache to satisfy byte budget")
	}
}

func (c *Cache) allTablesComplete() bool {
	all := true
	_ = c.tables.Range(func(_ ident.Table, e *tableEntry) error {
		if !e.isComplete {
			all = false
		}
		return nil
	})
	return all
}

// Prefetch evicts tables over the configured byte budget, then, for
// the given upcoming batch of events, predicts which rows their
// handlers are likely to request and bulk-loads them ahead of time.
//
// Skips prediction entirely when every table is already complete: all
// reads would already be served locally. Without a profiler nothing is
// predicted, but the carry-over and purge of cached rows still run.
func (c *Cache) Prefetch(ctx context.Context, upcoming []*types.Event) error {
	c.evict()
	if c.allTablesComplete() {
		return nil
	}

	predictions := make(map[ident.Table][]predictedRow)
	if c.profiler != nil {
		predictions = c.predict(upcoming)
	}
	c.carryOverAndPurge(predictions)

	for name, rows := range predictions {
		e, ok := c.tables.Get(name)
		if !ok || len(rows) == 0 {
			continue
		}
		if err := c.loadPredicted(ctx, e, rows); err != nil {
			return errors.Wrapf(err, "prefetch load for %s failed", name.Raw())
		}
	}
	return nil
}

// predict walks the upcoming events, applying every recorded pattern
// whose expected hit rate clears the configured threshold, and
// accumulates per-table candidate primary-key rows.
func (c *Cache) predict(upcoming []*types.Event) map[ident.Table][]predictedRow {
	out := make(map[ident.Table][]predictedRow)

	for _, ev := range upcoming {
		if ev == nil || ev.Payload == nil {
			continue
		}
		eventCount := c.profiler.EventCount(ev.Name)
		if eventCount == 0 {
			continue
		}

		for _, table := range c.profiler.Tables(ev.Name) {
			e, ok := c.tables.Get(table)
			if !ok || e.isComplete {
				continue
			}

			partial := types.Row{}
			for _, pat := range c.profiler.Patterns(ev.Name, table) {
				count := c.profiler.Count(ev.Name, table, pat)
				expected := float64(count) * float64(c.profiler.SamplingRate()) / float64(eventCount)
				if expected <= c.cfg.PredictionThreshold {
					continue
				}
				val, ok := c.profiler.Recover(pat, ev.Payload)
				if !ok {
					continue
				}
				partial[pat.Column.Raw()] = val
			}

			if !hasAllColumns(e.table.PrimaryKey(), partial) {
				continue
			}
			key := cacheKey(pkColumnNames(e.table), partial)
			out[table] = append(out[table], predictedRow{key: key, pk: partial})
		}
	}

	for table, rows := range out {
		out[table] = msort.UniqueByKey(rows, func(r predictedRow) string { return r.key })
	}
	return out
}

func hasAllColumns(pk []ident.Ident, row types.Row) bool {
	for _, id := range pk {
		if _, ok := row[id.Raw()]; !ok {
			return false
		}
	}
	return true
}

// carryOverAndPurge walks the current rows of every incomplete table,
// retaining entries that were demanded without being prefetched
// (spillover) or that reappear in this round's predictions (removing
// them from the prediction set, since they're already cached), and
// dropping everything else. spillover and prefetched are reset for
// every table regardless of completeness.
func (c *Cache) carryOverAndPurge(predictions map[ident.Table][]predictedRow) {
	_ = c.tables.Range(func(name ident.Table, e *tableEntry) error {
		defer func() {
			e.spillover = make(map[string]bool)
			e.prefetched = make(map[string]bool)
		}()

		if e.isComplete {
			return nil
		}

		rows := predictions[name]
		predictedKeys := make(map[string]int, len(rows))
		for i, r := range rows {
			predictedKeys[r.key] = i
		}

		kept := make(map[string]rowSlot, len(e.rows))
		var remaining []predictedRow
		for key, slot := range e.rows {
			if e.spillover[key] {
				kept[key] = slot
				continue
			}
			if _, ok := predictedKeys[key]; ok {
				kept[key] = slot
				continue
			}
			// dropped: neither demanded last epoch nor predicted this one
		}
		for _, r := range rows {
			if _, ok := kept[r.key]; ok {
				continue
			}
			remaining = append(remaining, r)
		}
		e.rows = kept
		predictions[name] = remaining
		return nil
	})
}

// loadPredicted issues a single batch read across every remaining
// predicted key for e's table, folding the results (or tombstones for
// keys the database doesn't have) into rows, and marks every key
// prefetched.
func (c *Cache) loadPredicted(ctx context.Context, e *tableEntry, rows []predictedRow) error {
	if len(rows) == 0 {
		return nil
	}

	stop := metrics.Timer(e.table.Name().Raw(), metrics.MethodLoad)
	defer stop()

	pks := make([]types.Row, len(rows))
	for i, r := range rows {
		pks[i] = r.pk
	}

	found, err := c.qb.SelectByPKs(ctx, e.table, pks)
	if err != nil {
		return err
	}

	byKey := make(map[string]types.Row, len(found))
	for _, row := range found {
		byKey[cacheKey(pkColumnNames(e.table), row)] = row
	}

	for _, r := range rows {
		if row, ok := byKey[r.key]; ok {
			e.rows[r.key] = rowSlot{row: row.Clone(), present: true}
		} else {
			e.rows[r.key] = rowSlot{present: false}
		}
		e.prefetched[r.key] = true
		metrics.Observe(e.table.Name().Raw(), metrics.AccessPrefetch)
	}
	return nil
}
