package entitycache

import (
	"context"
	"fmt"

	"github.com/goliatone/go-entity-cache/store"
)

// Reference follows a foreign key from a record to the referenced record.
type Reference[T Record] struct {
	column *Column
	target *Repository[T]
}

// ReferencedOn returns the reference through column into target's table.
// Definitions are memoized per column.
func ReferencedOn[T Record](column *Column, target *Repository[T]) *Reference[T] {
	if column.references == nil || column.references.table != target.tbl {
		panic(fmt.Sprintf("entitycache: %s does not reference %s", column, target.tbl.name))
	}
	v, _ := target.relations.LoadOrCompute("ref:"+column.String(), func() any {
		return &Reference[T]{column: column, target: target}
	})
	return v.(*Reference[T])
}

// Column returns the foreign key column.
func (r *Reference[T]) Column() *Column { return r.column }

// Get returns the referenced record. ok is false when the foreign key is
// null or the row is gone.
func (r *Reference[T]) Get(ctx context.Context, owner Record) (rec T, ok bool, err error) {
	e := owner.Entity()
	if v, buffered := e.writes[r.column.name]; buffered {
		if id, isID := v.(*ID); isID {
			if target := e.tx.cache.Find(r.target.tbl, id); target != nil {
				rec, err := facadeOf[T](target)
				return rec, err == nil, err
			}
		}
	}
	v, err := e.Get(ctx, r.column)
	if err != nil || isNull(v) {
		return rec, false, err
	}
	return r.target.Find(ctx, e.tx, v)
}

// Set points owner at target.
func (r *Reference[T]) Set(owner Record, target T) error {
	return owner.Entity().SetReference(r.column, target.Entity())
}

// Clear nulls the foreign key of owner.
func (r *Reference[T]) Clear(owner Record) error {
	return owner.Entity().Set(r.column, nil)
}

// Referrers loads the records of a table referring to an owner through a
// foreign key. Results are memoized in the transaction's referrer cache.
type Referrers[T Record] struct {
	column *Column
	source *Repository[T]
}

// ReferrersOn returns the one-to-many relation through column, which must
// belong to source's table. Definitions are memoized per column.
func ReferrersOn[T Record](column *Column, source *Repository[T]) *Referrers[T] {
	if column.table != source.tbl || column.references == nil {
		panic(fmt.Sprintf("entitycache: %s is not a foreign key of %s", column, source.tbl.name))
	}
	v, _ := source.relations.LoadOrCompute("referrers:"+column.String(), func() any {
		return &Referrers[T]{column: column, source: source}
	})
	return v.(*Referrers[T])
}

// Column returns the foreign key column.
func (r *Referrers[T]) Column() *Column { return r.column }

// Of returns the records referring to owner.
func (r *Referrers[T]) Of(ctx context.Context, owner Record) ([]T, error) {
	e := owner.Entity()
	tx := e.tx
	if tx == nil {
		return nil, fmt.Errorf("referrers of %s: entity is not bound to a transaction", e.id)
	}
	if err := tx.lifecycle.BeforeRead(ctx, r.source.tbl); err != nil {
		return nil, err
	}
	ownerID, err := e.id.Value(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := tx.cache.GetOrPutReferrer(ownerID, r.column, func() ([]*Entity, error) {
		recs, err := r.source.FindWhere(ctx, tx, store.ByKey(r.column.name, ownerID))
		if err != nil {
			return nil, err
		}
		out := make([]*Entity, len(recs))
		for i, rec := range recs {
			out[i] = rec.Entity()
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entities))
	for _, re := range entities {
		if re.removed {
			continue
		}
		rec, err := facadeOf[T](re)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// BackReference is the one-to-one view of a Referrers relation.
type BackReference[T Record] struct {
	referrers *Referrers[T]
}

// BackReferencedOn returns the one-to-one relation through column.
func BackReferencedOn[T Record](column *Column, source *Repository[T]) *BackReference[T] {
	rs := ReferrersOn(column, source)
	v, _ := source.relations.LoadOrCompute("backref:"+column.String(), func() any {
		return &BackReference[T]{referrers: rs}
	})
	return v.(*BackReference[T])
}

// Of returns the single record referring to owner. ok is false when there is
// none.
func (b *BackReference[T]) Of(ctx context.Context, owner Record) (rec T, ok bool, err error) {
	recs, err := b.referrers.Of(ctx, owner)
	if err != nil || len(recs) == 0 {
		return rec, false, err
	}
	return recs[0], true, nil
}
