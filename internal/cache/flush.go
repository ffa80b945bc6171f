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
	"fmt"
	"sync"

	"github.com/chainindex/rowcache/internal/bisect"
	"github.com/chainindex/rowcache/internal/copyfmt"
	"github.com/chainindex/rowcache/internal/ident"
	"github.com/chainindex/rowcache/internal/metrics"
	"github.com/chainindex/rowcache/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const savepointName = "rowcache_flush"

// keyedRow pairs a buffered row with the cache key and originating
// event it was stored under, for error attribution during bisection.
type keyedRow struct {
	key   string
	row   types.Row
	event *types.Event
}

// Flush drains the write buffers for the named tables, or for every
// registered table when names is empty, applying inserts before
// updates per table. On success, both buffers are empty and the
// rows map reflects the final written value for every flushed key.
func (c *Cache) Flush(ctx context.Context, names ...ident.Table) error {
	targets, err := c.flushTargets(names)
	if err != nil {
		return err
	}

	stop := metrics.Timer("*", metrics.MethodFlush)
	defer stop()

	if !c.flushRetryActive(targets) {
		return c.flushFast(ctx, targets)
	}
	return c.flushRetry(ctx, targets)
}

func (c *Cache) flushTargets(names []ident.Table) ([]*tableEntry, error) {
	if len(names) == 0 {
		var all []*tableEntry
		_ = c.tables.Range(func(_ ident.Table, e *tableEntry) error {
			all = append(all, e)
			return nil
		})
		return all, nil
	}
	out := make([]*tableEntry, 0, len(names))
	for _, name := range names {
		e, ok := c.tables.Get(name)
		if !ok {
			return nil, errors.Errorf("table %s not registered with cache", name.Raw())
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Cache) flushRetryActive(targets []*tableEntry) bool {
	for _, e := range targets {
		if e.isFlushRetry {
			return true
		}
	}
	return false
}

// flushFast runs the non-bisecting path: small batches go through
// row-wise INSERT/ON CONFLICT statements, larger ones through COPY.
// Each table's work is independent of the others' (an allSettled
// barrier): one table's failure doesn't cancel the rest.
func (c *Cache) flushFast(ctx context.Context, targets []*tableEntry) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		failed  []ident.Table
		lastErr error
	)

	for _, e := range targets {
		if e.inserts.len() == 0 && e.updates.len() == 0 {
			continue
		}
		wg.Add(1)
		go func(e *tableEntry) {
			defer wg.Done()
			if err := c.flushFastTable(ctx, e); err != nil {
				mu.Lock()
				failed = append(failed, e.table.Name())
				lastErr = err
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	if len(failed) > 0 {
		for _, e := range targets {
			for _, f := range failed {
				if e.table.Name() == f {
					e.isFlushRetry = true
				}
			}
		}
		log.WithFields(log.Fields{
			"tables": failed,
		}).Warn("fast-path flush failed, next flush will use retry mode")
		return &types.RetryableError{Tables: failed, Err: lastErr}
	}
	return nil
}

func (c *Cache) flushFastTable(ctx context.Context, e *tableEntry) error {
	// Fold each buffered insert into its update before the insert
	// buffer is cleared below.
	updates := bufferedRows(e.updates)
	for i, row := range mergedUpdateRows(e, updates) {
		updates[i].row = row
	}

	if e.inserts.len() > 0 {
		rows := bufferedRows(e.inserts)
		var err error
		if len(rows) > c.cfg.LowBatchThreshold {
			err = c.copyInto(ctx, e.table, rows, e.table.Name())
		} else {
			err = c.qb.InsertValues(ctx, e.table, rowValues(rows), false)
		}
		if err != nil {
			return errors.Wrap(err, "insert flush failed")
		}
		c.promote(e, rows)
		e.inserts.clear()
	}

	if len(updates) > 0 {
		var err error
		if len(updates) <= c.cfg.LowBatchThreshold {
			err = c.qb.InsertValues(ctx, e.table, rowValues(updates), true)
		} else {
			err = c.flushUpdatesViaShadow(ctx, e, updates)
		}
		if err != nil {
			return errors.Wrap(err, "update flush failed")
		}
		c.promote(e, updates)
		e.updates.clear()
	}

	e.isFlushRetry = false
	return nil
}

// flushRetry drains every target table's buffers through the
// savepoint/bisect recovery path described in the spec: a bisection
// attempt re-opens the savepoint before each retry and releases only
// once the whole batch for a table has succeeded.
func (c *Cache) flushRetry(ctx context.Context, targets []*tableEntry) error {
	for _, e := range targets {
		updates := bufferedRows(e.updates)
		for i, row := range mergedUpdateRows(e, updates) {
			updates[i].row = row
		}
		if e.inserts.len() > 0 {
			rows := bufferedRows(e.inserts)
			if err := c.flushBisecting(ctx, e, rows, true); err != nil {
				return err
			}
			c.promote(e, rows)
			e.inserts.clear()
		}
		if len(updates) > 0 {
			if err := c.flushBisecting(ctx, e, updates, false); err != nil {
				return err
			}
			c.promote(e, updates)
			e.updates.clear()
		}
		e.isFlushRetry = false
	}
	return nil
}

// flushBisecting streams rows via COPY under a savepoint; on failure
// it bisects the batch to isolate the single offending row, wrapping
// the driver error in a DelayedInsertError. The savepoint is
// re-opened before every retry attempt and released only when the
// overall batch finally succeeds.
func (c *Cache) flushBisecting(ctx context.Context, e *tableEntry, rows []keyedRow, isInsert bool) error {
	attempt := func(ctx context.Context, batch []keyedRow) error {
		if err := c.qb.Execute(ctx, fmt.Sprintf("SAVEPOINT %s", savepointName)); err != nil {
			return errors.Wrap(err, "open savepoint failed")
		}

		var err error
		if isInsert {
			err = c.copyInto(ctx, e.table, batch, e.table.Name())
		} else {
			err = c.flushUpdatesViaShadow(ctx, e, batch)
		}
		if err != nil {
			if rbErr := c.qb.Execute(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", savepointName)); rbErr != nil {
				return errors.Wrap(rbErr, "rollback to savepoint failed")
			}
			return err
		}
		if len(batch) < len(rows) {
			// A bisection probe of part of the batch: undo it, so that
			// only a whole batch that succeeds is kept and released.
			return c.qb.Execute(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", savepointName))
		}
		return c.qb.Execute(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", savepointName))
	}

	offender, bisectErr := bisect.RecoverBatchError(ctx, rows, attempt)
	if bisectErr == nil {
		return nil
	}
	if len(rows) > 1 && offender.key == "" {
		// Every sub-batch succeeded in isolation; something about
		// interleaving caused the original failure. Surface the
		// original error, there is no single row to blame.
		return &types.CopyFlushError{Table: e.table.Name(), Err: bisectErr}
	}
	log.WithFields(log.Fields{
		"table": e.table.Name().Raw(),
		"key":   offender.key,
	}).Warn("isolated offending row via savepoint bisection")
	return &types.DelayedInsertError{
		Table: e.table.Name(),
		Row:   offender.row,
		Event: offender.event,
		Err:   bisectErr,
	}
}

func (c *Cache) copyInto(ctx context.Context, t types.Table, rows []keyedRow, dest ident.Table) error {
	text := copyfmt.Encode(t, rowValues(rows))
	if err := c.qb.CopyIn(ctx, t, dest, text); err != nil {
		return &types.CopyFlushError{Table: t.Name(), Err: err}
	}
	return nil
}

// flushUpdatesViaShadow implements the set-based update path: COPY
// the batch into an unqualified temp table, then apply a single
// UPDATE ... FROM joining on the primary key.
func (c *Cache) flushUpdatesViaShadow(ctx context.Context, e *tableEntry, rows []keyedRow) error {
	shadow := shadowTableName(e.table)

	if err := c.qb.Execute(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE IF NOT EXISTS %s AS SELECT * FROM %s WITH NO DATA",
		shadow, e.table.Name().Raw(),
	)); err != nil {
		return errors.Wrap(err, "create shadow table failed")
	}

	if err := c.copyInto(ctx, e.table, rows, shadowTable(e.table)); err != nil {
		return err
	}

	if err := c.qb.Execute(ctx, updateFromShadowSQL(e.table, shadow)); err != nil {
		return errors.Wrap(err, "update from shadow failed")
	}

	if err := c.qb.Execute(ctx, fmt.Sprintf("TRUNCATE %s", shadow)); err != nil {
		return errors.Wrap(err, "truncate shadow table failed")
	}
	return nil
}

func shadowTableName(t types.Table) string {
	return t.Name().Name().Raw() + "_shadow"
}

// shadowTable returns the unqualified, schema-less handle for t's
// temp shadow table, used as the COPY destination for the set-based
// update path.
func shadowTable(t types.Table) ident.Table {
	return ident.NewTable(ident.Schema{}, ident.New(shadowTableName(t)))
}

func updateFromShadowSQL(t types.Table, shadow string) string {
	pk := t.PrimaryKey()
	var setClause, whereClause string
	for i, col := range t.Columns() {
		if i > 0 {
			setClause += ", "
		}
		setClause += fmt.Sprintf("%s = source.%s", col.Name.Raw(), col.Name.Raw())
	}
	for i, id := range pk {
		if i > 0 {
			whereClause += " AND "
		}
		whereClause += fmt.Sprintf("target.%s = source.%s", id.Raw(), id.Raw())
	}
	return fmt.Sprintf(
		"UPDATE %s target SET %s FROM %s source WHERE %s",
		t.Name().Raw(), setClause, shadow, whereClause,
	)
}

// promote applies successfully flushed rows into the rows map, only
// bumping the byte estimate when the table is complete-cached and the
// key wasn't already resident (scenario matches the Open Question (a)
// resolution: bytes are maintained only while complete).
func (c *Cache) promote(e *tableEntry, rows []keyedRow) {
	for _, kr := range rows {
		if e.isComplete {
			if _, exists := e.rows[kr.key]; !exists {
				e.bytes += estimateBytes(kr.row)
			}
		}
		e.rows[kr.key] = rowSlot{row: kr.row.Clone(), present: true}
	}
}

func bufferedRows(b writeBuffer) []keyedRow {
	keys, vals := b.entries()
	out := make([]keyedRow, len(keys))
	for i, k := range keys {
		out[i] = keyedRow{key: k, row: vals[i].row, event: vals[i].event}
	}
	return out
}

// mergedUpdateRows folds any buffered insert for the same key into
// the update row before it is flushed, so the insert's other columns
// survive the update.
func mergedUpdateRows(e *tableEntry, rows []keyedRow) []types.Row {
	out := make([]types.Row, len(rows))
	for i, kr := range rows {
		if ins, ok := e.inserts.get(kr.key); ok {
			out[i] = mergeUpdateOverInsert(ins.row, kr.row)
		} else {
			out[i] = kr.row
		}
	}
	return out
}

func rowValues(rows []keyedRow) []types.Row {
	out := make([]types.Row, len(rows))
	for i, kr := range rows {
		out[i] = kr.row
	}
	return out
}
