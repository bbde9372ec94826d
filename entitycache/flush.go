package entitycache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-entity-cache/store"
)

// Flush writes every pending insert and update. Calls made while a flush is
// running return immediately.
func (c *EntityCache) Flush(ctx context.Context) error {
	return c.FlushTables(ctx)
}

// FlushTables writes the pending work of tables, plus the inserts of tables
// they reference. No tables means all of them.
func (c *EntityCache) FlushTables(ctx context.Context, tables ...*Table) error {
	if c.state == stateFlushing {
		return nil
	}
	if !c.hasPendingWork() {
		return nil
	}
	c.state = stateFlushing
	defer func() { c.state = stateIdle }()

	start := time.Now()
	inserted, updated, err := c.flush(ctx, tables)
	elapsed := time.Since(start)
	c.observer.FlushCompleted(elapsed, err)

	event := c.logger.Debug()
	if err != nil {
		event = c.logger.Warn().Err(err)
	}
	event.Strs("inserted", tableNames(inserted)).
		Strs("updated", tableNames(updated)).
		Dur("elapsed", elapsed).
		Msg("entity cache flush")
	return err
}

func (c *EntityCache) flush(ctx context.Context, scope []*Table) (inserted, updated []*Table, err error) {
	var inScope map[*Table]bool
	if len(scope) > 0 {
		inScope = make(map[*Table]bool, len(scope))
		for _, t := range scope {
			inScope[t] = true
		}
	}

	defer func() {
		if len(inserted) > 0 {
			c.RemoveTablesReferrers(inserted, true)
		}
		if len(updated) > 0 {
			c.RemoveTablesReferrers(updated, false)
		}
	}()

	insertTables := c.queuedTables(c.inserts, inScope)
	if inScope != nil {
		insertTables = c.withReferencedInserts(insertTables)
	}
	sorted, err := sortByReferences(insertTables)
	if err != nil {
		return nil, nil, err
	}

	markUpdated := func(t *Table) {
		for _, u := range updated {
			if u == t {
				return
			}
		}
		updated = append(updated, t)
	}

	for _, t := range sorted {
		if c.PendingUpdates(t) == 0 {
			continue
		}
		if err := c.flushUpdates(ctx, t); err != nil {
			return inserted, updated, err
		}
		markUpdated(t)
	}

	for _, t := range sorted {
		n, err := c.flushInserts(ctx, t)
		if n > 0 {
			inserted = append(inserted, t)
		}
		if err != nil {
			return inserted, updated, err
		}
	}

	for _, t := range c.queuedTables(c.updates, inScope) {
		if err := c.flushUpdates(ctx, t); err != nil {
			return inserted, updated, err
		}
		markUpdated(t)
	}
	return inserted, updated, nil
}

// queuedTables returns the tables with a non-empty queue, restricted to
// scope when given, in the order they were first queued.
func (c *EntityCache) queuedTables(queues map[*Table]*entitySet, scope map[*Table]bool) []*Table {
	var out []*Table
	for t, q := range queues {
		if q.len() == 0 {
			continue
		}
		if scope != nil && !scope[t] {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return c.tableOrder[out[i]] < c.tableOrder[out[j]] })
	return out
}

// withReferencedInserts adds the tables with pending inserts reachable
// through foreign keys.
func (c *EntityCache) withReferencedInserts(tables []*Table) []*Table {
	seen := make(map[*Table]bool, len(tables))
	for _, t := range tables {
		seen[t] = true
	}
	out := append([]*Table(nil), tables...)
	for i := 0; i < len(out); i++ {
		for _, fk := range out[i].ForeignKeys() {
			target := fk.To.table
			if seen[target] || c.PendingInserts(target) == 0 {
				continue
			}
			seen[target] = true
			out = append(out, target)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return c.tableOrder[out[i]] < c.tableOrder[out[j]] })
	return out
}

// sortByReferences orders tables so that referenced tables come first. Ties
// keep the input order. Self references are ignored; longer cycles fail.
func sortByReferences(tables []*Table) ([]*Table, error) {
	in := make(map[*Table]bool, len(tables))
	for _, t := range tables {
		in[t] = true
	}
	deps := make(map[*Table]map[*Table]bool, len(tables))
	for _, t := range tables {
		deps[t] = make(map[*Table]bool)
		for _, fk := range t.ForeignKeys() {
			target := fk.To.table
			if target != t && in[target] {
				deps[t][target] = true
			}
		}
	}

	out := make([]*Table, 0, len(tables))
	done := make(map[*Table]bool, len(tables))
	for len(out) < len(tables) {
		progressed := false
		for _, t := range tables {
			if done[t] {
				continue
			}
			ready := true
			for d := range deps[t] {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				done[t] = true
				out = append(out, t)
				progressed = true
				break
			}
		}
		if !progressed {
			var remaining []string
			for _, t := range tables {
				if !done[t] {
					remaining = append(remaining, t.name)
				}
			}
			return nil, CyclicDependencyError(remaining, "foreign keys form a cycle between tables with pending inserts")
		}
	}
	return out, nil
}

// resolveInserts writes the pending inserts of table so its identifiers
// resolve. Outside a flush this is a flush scoped to table; inside one the
// coordinator has already ordered the referenced tables, so only the
// table's own queue is written.
func (c *EntityCache) resolveInserts(ctx context.Context, table *Table) error {
	if c.state == stateFlushing {
		_, err := c.flushInserts(ctx, table)
		return err
	}
	return c.FlushTables(ctx, table)
}

// flushInserts inserts the queued entities of table, reconciling generated
// keys. Entities referencing a still-unresolved entity of the same table
// wait for a later pass.
func (c *EntityCache) flushInserts(ctx context.Context, table *Table) (int, error) {
	if c.inserting[table] {
		return 0, nil
	}
	q, ok := c.inserts[table]
	if !ok || q.len() == 0 {
		return 0, nil
	}
	c.inserting[table] = true
	defer delete(c.inserting, table)

	total := 0
	for q.len() > 0 {
		var ready, waiting []*Entity
		queued := q.snapshot()
		pending := c.pendingKeys(table, queued)
		for _, e := range queued {
			if c.waitsOnSameTable(e, pending) {
				waiting = append(waiting, e)
			} else {
				ready = append(ready, e)
			}
		}
		if len(ready) == 0 {
			return total, CyclicDependencyError([]string{table.name},
				fmt.Sprintf("%d entities reference unresolved rows of the same table", len(waiting)))
		}

		rows := make([]store.Row, len(ready))
		for i, e := range ready {
			row, err := e.resolvedWrites(ctx)
			if err != nil {
				return total, err
			}
			rows[i] = row
		}

		generated, err := c.tx.backend.BatchInsert(ctx, table.Ref(), rows)
		c.observer.StatementExecuted(string(store.KindInsert), table.name, len(rows))
		if err != nil {
			return total, fmt.Errorf("insert %s: %w", table.name, err)
		}
		if len(generated) != len(ready) {
			return total, fmt.Errorf("insert %s: backend returned %d rows for %d entities", table.name, len(generated), len(ready))
		}

		for i, e := range ready {
			if err := e.reconcileInsert(rows[i], generated[i]); err != nil {
				return total, err
			}
			q.remove(e)
			c.Store(e)
			c.tx.recordChange(ChangeCreated, e)
			total++
		}
		for _, e := range ready {
			e.runDeferred()
		}
	}
	return total, nil
}

// pendingKeys indexes the queued entities of table whose key is already
// known.
func (c *EntityCache) pendingKeys(table *Table, queued []*Entity) map[string]*Entity {
	out := make(map[string]*Entity, len(queued))
	for _, e := range queued {
		if v, ok := e.id.Peek(); ok {
			out[c.keyFor(table, v)] = e
		}
	}
	return out
}

// waitsOnSameTable reports whether e references another queued entity of
// its own table, either through an unresolved identifier or through the
// raw value of a client-assigned key.
func (c *EntityCache) waitsOnSameTable(e *Entity, pending map[string]*Entity) bool {
	table := e.Table()
	for _, v := range e.writes {
		if id, ok := v.(*ID); ok && id.table == table && !id.resolved {
			return true
		}
	}
	for _, fk := range table.ForeignKeys() {
		if fk.To.table != table {
			continue
		}
		v, ok := e.writes[fk.From.name]
		if !ok || isNull(v) || store.IsExpr(v) {
			continue
		}
		if id, isID := v.(*ID); isID {
			if !id.resolved {
				continue
			}
			v = id.value
		}
		if parent, ok := pending[c.keyFor(table, v)]; ok && parent != e {
			return true
		}
	}
	return false
}

// flushUpdates writes the queued updates of table, one batch per distinct
// dirty column set. An inconsistent batch is skipped and its entities stay
// queued; the remaining batches still run.
func (c *EntityCache) flushUpdates(ctx context.Context, table *Table) error {
	q, ok := c.updates[table]
	if !ok || q.len() == 0 {
		return nil
	}

	var (
		order    []string
		batches  = make(map[string]*BatchWriter)
		aborted  = make(map[string]bool)
		firstErr error
	)
	for _, e := range q.snapshot() {
		if e.removed || !e.persisted || len(e.writes) == 0 {
			q.remove(e)
			continue
		}
		sig := strings.Join(e.writes.Columns(), ",")
		if aborted[sig] {
			continue
		}
		b, ok := batches[sig]
		if !ok {
			b = NewBatchWriter(table)
			batches[sig] = b
			order = append(order, sig)
		}
		if _, err := e.Flush(ctx, b); err != nil {
			if IsBatchInconsistencyError(err) {
				aborted[sig] = true
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			return err
		}
	}

	for _, sig := range order {
		if aborted[sig] {
			continue
		}
		b := batches[sig]
		rows := b.Len()
		if rows == 0 {
			continue
		}
		_, err := b.Execute(ctx, c.tx.backend)
		c.observer.StatementExecuted(string(store.KindBatchUpdate), table.name, rows)
		if err != nil {
			return err
		}
	}
	return firstErr
}

func tableNames(tables []*Table) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names
}
