package entitycache

import (
	"context"
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-entity-cache/cache"
	"github.com/goliatone/go-entity-cache/store"
)

// Unlimited is the default per-table capacity of the identity map.
const Unlimited = math.MaxInt

type flushState int

const (
	stateIdle flushState = iota
	stateFlushing
)

// identityTable holds the cached entities of one table. A nil lru means
// caching is disabled for the table.
type identityTable struct {
	lru      *simplelru.LRU[string, *Entity]
	capacity int
}

// entitySet is an insertion-ordered set of entities.
type entitySet struct {
	items []*Entity
	index map[*Entity]struct{}
}

func newEntitySet() *entitySet {
	return &entitySet{index: make(map[*Entity]struct{})}
}

func (s *entitySet) add(e *Entity) bool {
	if _, ok := s.index[e]; ok {
		return false
	}
	s.index[e] = struct{}{}
	s.items = append(s.items, e)
	return true
}

func (s *entitySet) remove(e *Entity) {
	if _, ok := s.index[e]; !ok {
		return
	}
	delete(s.index, e)
	for i, item := range s.items {
		if item == e {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
}

func (s *entitySet) has(e *Entity) bool {
	_, ok := s.index[e]
	return ok
}

func (s *entitySet) len() int { return len(s.items) }

func (s *entitySet) snapshot() []*Entity { return append([]*Entity(nil), s.items...) }

type referrerEntry struct {
	entities []*Entity
}

// EntityCache is the identity map and unit of work of one transaction. It is
// not safe for concurrent use.
type EntityCache struct {
	tx       *Transaction
	keys     cache.KeySerializer
	observer Observer
	logger   zerolog.Logger

	maxEntries int
	capacities map[*Table]int
	data       map[*Table]*identityTable

	inserts    map[*Table]*entitySet
	updates    map[*Table]*entitySet
	tableOrder map[*Table]int

	referrers map[*Column]map[string]*referrerEntry

	state     flushState
	inserting map[*Table]bool
}

func newEntityCache(tx *Transaction) *EntityCache {
	db := tx.db
	c := &EntityCache{
		tx:         tx,
		keys:       db.keys,
		observer:   db.observer,
		logger:     tx.logger,
		maxEntries: db.maxEntries,
		capacities: make(map[*Table]int, len(db.capacities)),
	}
	for t, n := range db.capacities {
		c.capacities[t] = n
	}
	c.reset()
	return c
}

func (c *EntityCache) reset() {
	c.data = make(map[*Table]*identityTable)
	c.inserts = make(map[*Table]*entitySet)
	c.updates = make(map[*Table]*entitySet)
	c.tableOrder = make(map[*Table]int)
	c.referrers = make(map[*Column]map[string]*referrerEntry)
	c.inserting = make(map[*Table]bool)
}

// MaxEntriesPerTable returns the default per-table capacity.
func (c *EntityCache) MaxEntriesPerTable() int { return c.maxEntries }

// SetMaxEntriesPerTable changes the default capacity. Tables with an
// explicit capacity keep it. Shrinking evicts the oldest entries at once.
func (c *EntityCache) SetMaxEntriesPerTable(n int) error {
	if n < 0 {
		return ValidationError("*", "max_entries_per_table", "must be a non-negative integer", nil)
	}
	c.maxEntries = n
	for t, it := range c.data {
		if _, ok := c.capacities[t]; !ok {
			c.resize(t, it, n)
		}
	}
	return nil
}

// SetTableCapacity overrides the capacity of one table. Zero disables
// caching for it.
func (c *EntityCache) SetTableCapacity(table *Table, n int) error {
	if n < 0 {
		return ValidationError(table.name, "capacity", "must be a non-negative integer", nil)
	}
	c.capacities[table] = n
	if it, ok := c.data[table]; ok {
		c.resize(table, it, n)
	}
	return nil
}

func (c *EntityCache) capacityOf(table *Table) int {
	if n, ok := c.capacities[table]; ok {
		return n
	}
	return c.maxEntries
}

func (c *EntityCache) identity(table *Table) *identityTable {
	if it, ok := c.data[table]; ok {
		return it
	}
	it := &identityTable{}
	c.resize(table, it, c.capacityOf(table))
	c.data[table] = it
	return it
}

func (c *EntityCache) resize(table *Table, it *identityTable, n int) {
	it.capacity = n
	switch {
	case n == 0:
		if it.lru != nil {
			it.lru.Purge()
			it.lru = nil
		}
	case it.lru == nil:
		name := table.name
		lru, err := simplelru.NewLRU[string, *Entity](n, func(string, *Entity) {
			c.observer.Evicted(name)
		})
		if err != nil {
			// only reachable with a non-positive size
			return
		}
		it.lru = lru
	default:
		it.lru.Resize(n)
	}
}

// Size returns the number of entities of table held in the identity map.
func (c *EntityCache) Size(table *Table) int {
	it, ok := c.data[table]
	if !ok || it.lru == nil {
		return 0
	}
	return it.lru.Len()
}

// Cached returns the identity-mapped entities of table, oldest first.
func (c *EntityCache) Cached(table *Table) []*Entity {
	it, ok := c.data[table]
	if !ok || it.lru == nil {
		return nil
	}
	keys := it.lru.Keys()
	out := make([]*Entity, 0, len(keys))
	for _, k := range keys {
		if e, ok := it.lru.Peek(k); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *EntityCache) keyFor(table *Table, value any) string {
	return c.keys.SerializeKey(table.name, value)
}

// Find returns the entity of table identified by key, which is either a raw
// key value or an *ID. Pending inserts are matched by identifier pointer or
// by a client-assigned key. Find never performs I/O.
func (c *EntityCache) Find(table *Table, key any) *Entity {
	if id, ok := key.(*ID); ok {
		if e := c.pendingByID(table, id); e != nil {
			return e
		}
		v, resolved := id.Peek()
		if !resolved {
			return nil
		}
		key = v
	}
	if it, ok := c.data[table]; ok && it.lru != nil {
		if e, ok := it.lru.Peek(c.keyFor(table, key)); ok {
			c.observer.CacheHit(table.name)
			return e
		}
	}
	if q, ok := c.inserts[table]; ok {
		want := c.keyFor(table, key)
		for _, e := range q.items {
			if v, resolved := e.id.Peek(); resolved && c.keyFor(table, v) == want {
				return e
			}
		}
	}
	c.observer.CacheMiss(table.name)
	return nil
}

func (c *EntityCache) pendingByID(table *Table, id *ID) *Entity {
	q, ok := c.inserts[table]
	if !ok {
		return nil
	}
	for _, e := range q.items {
		if e.id == id {
			return e
		}
	}
	return nil
}

// Store puts a persisted entity into the identity map, replacing any entity
// previously stored under the same key.
func (c *EntityCache) Store(e *Entity) {
	v, resolved := e.id.Peek()
	if !resolved {
		return
	}
	it := c.identity(e.Table())
	if it.lru == nil {
		return
	}
	it.lru.Add(c.keyFor(e.Table(), v), e)
}

// Remove evicts e from the identity map and drops the referrer entries
// owned by it.
func (c *EntityCache) Remove(e *Entity) {
	v, resolved := e.id.Peek()
	if !resolved {
		return
	}
	table := e.Table()
	if it, ok := c.data[table]; ok && it.lru != nil {
		key := c.keyFor(table, v)
		if cur, ok := it.lru.Peek(key); ok && cur == e {
			it.lru.Remove(key)
		}
	}
	for fk, entries := range c.referrers {
		if fk.references != nil && fk.references.table == table {
			delete(entries, c.keyFor(table, v))
		}
	}
}

// ScheduleInsert queues a new entity for insertion. Re-queuing is a no-op.
func (c *EntityCache) ScheduleInsert(e *Entity) {
	c.queue(c.inserts, e)
}

// ScheduleUpdate queues an entity with buffered writes. Entities waiting for
// insertion are not queued.
func (c *EntityCache) ScheduleUpdate(e *Entity) {
	if q, ok := c.inserts[e.Table()]; ok && q.has(e) {
		return
	}
	c.queue(c.updates, e)
}

func (c *EntityCache) queue(queues map[*Table]*entitySet, e *Entity) {
	table := e.Table()
	q, ok := queues[table]
	if !ok {
		q = newEntitySet()
		queues[table] = q
	}
	q.add(e)
	if _, ok := c.tableOrder[table]; !ok {
		c.tableOrder[table] = len(c.tableOrder)
	}
}

func (c *EntityCache) unscheduleInsert(e *Entity) {
	if q, ok := c.inserts[e.Table()]; ok {
		q.remove(e)
	}
}

func (c *EntityCache) unscheduleUpdate(e *Entity) {
	if q, ok := c.updates[e.Table()]; ok {
		q.remove(e)
	}
}

// IsPendingInsert reports whether e waits in the insert queue.
func (c *EntityCache) IsPendingInsert(e *Entity) bool {
	q, ok := c.inserts[e.Table()]
	return ok && q.has(e)
}

// PendingInserts returns the number of queued inserts of table.
func (c *EntityCache) PendingInserts(table *Table) int {
	if q, ok := c.inserts[table]; ok {
		return q.len()
	}
	return 0
}

// PendingUpdates returns the number of queued updates of table.
func (c *EntityCache) PendingUpdates(table *Table) int {
	if q, ok := c.updates[table]; ok {
		return q.len()
	}
	return 0
}

func (c *EntityCache) hasPendingWork() bool {
	for _, q := range c.inserts {
		if q.len() > 0 {
			return true
		}
	}
	for _, q := range c.updates {
		if q.len() > 0 {
			return true
		}
	}
	return false
}

// GetOrPutReferrer returns the memoized entities referring to owner through
// fk. compute runs only on a miss and its result is stored.
func (c *EntityCache) GetOrPutReferrer(owner any, fk *Column, compute func() ([]*Entity, error)) ([]*Entity, error) {
	if id, ok := owner.(*ID); ok {
		v, resolved := id.Peek()
		if !resolved {
			return compute()
		}
		owner = v
	}
	key := c.referrerKey(fk, owner)
	if entries, ok := c.referrers[fk]; ok {
		if entry, ok := entries[key]; ok {
			c.observer.CacheHit(fk.String())
			return append([]*Entity(nil), entry.entities...), nil
		}
	}
	c.observer.CacheMiss(fk.String())
	entities, err := compute()
	if err != nil {
		return nil, err
	}
	entries, ok := c.referrers[fk]
	if !ok {
		entries = make(map[string]*referrerEntry)
		c.referrers[fk] = entries
	}
	entries[key] = &referrerEntry{entities: append([]*Entity(nil), entities...)}
	return entities, nil
}

// HasReferrer reports whether a referrer collection is memoized.
func (c *EntityCache) HasReferrer(owner any, fk *Column) bool {
	if id, ok := owner.(*ID); ok {
		v, resolved := id.Peek()
		if !resolved {
			return false
		}
		owner = v
	}
	entries, ok := c.referrers[fk]
	if !ok {
		return false
	}
	_, ok = entries[c.referrerKey(fk, owner)]
	return ok
}

func (c *EntityCache) referrerKey(fk *Column, owner any) string {
	if fk.references != nil {
		return c.keyFor(fk.references.table, owner)
	}
	return c.keyFor(fk.table, owner)
}

// removeReferrer drops the collection of fk owned by value.
func (c *EntityCache) removeReferrer(fk *Column, value any) {
	if id, ok := value.(*ID); ok {
		v, resolved := id.Peek()
		if !resolved {
			return
		}
		value = v
	}
	if isNull(value) || store.IsExpr(value) {
		return
	}
	if entries, ok := c.referrers[fk]; ok {
		delete(entries, c.referrerKey(fk, value))
	}
}

// RemoveTablesReferrers drops referrer collections whose foreign key column
// belongs to tables. Unless isInsertFlush is set, collections whose table
// references any of tables are dropped as well.
func (c *EntityCache) RemoveTablesReferrers(tables []*Table, isInsertFlush bool) {
	if len(tables) == 0 {
		return
	}
	set := make(map[*Table]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	for fk := range c.referrers {
		if set[fk.table] {
			delete(c.referrers, fk)
			continue
		}
		if !isInsertFlush && fk.table.referencesAny(set) {
			delete(c.referrers, fk)
		}
	}
}

// dropTables evicts every cached entity and referrer collection of tables.
func (c *EntityCache) dropTables(tables []*Table) {
	for _, t := range tables {
		if it, ok := c.data[t]; ok && it.lru != nil {
			it.lru.Purge()
		}
	}
	c.RemoveTablesReferrers(tables, false)
}

// Clear drops the identity map, both queues and the referrer cache,
// flushing first when flush is set.
func (c *EntityCache) Clear(ctx context.Context, flush bool) error {
	if flush {
		if err := c.Flush(ctx); err != nil {
			return err
		}
	}
	c.reset()
	return nil
}
