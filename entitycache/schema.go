package entitycache

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/goliatone/go-entity-cache/store"
)

// ColumnType is the coarse value type accepted by a column.
type ColumnType int

const (
	TypeAny ColumnType = iota
	TypeInt
	TypeFloat
	TypeString
	TypeBool
	TypeTime
	TypeBytes
	TypeUUID
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	case TypeBytes:
		return "bytes"
	case TypeUUID:
		return "uuid"
	}
	return "any"
}

// accepts reports whether v (non-null, not an expression) fits the type.
func (t ColumnType) accepts(v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeInt:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
	case TypeFloat:
		switch v.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeTime:
		_, ok := v.(time.Time)
		return ok
	case TypeBytes:
		switch v.(type) {
		case []byte, string:
			return true
		}
	case TypeUUID:
		switch x := v.(type) {
		case uuid.UUID:
			return true
		case string:
			_, err := uuid.Parse(x)
			return err == nil
		}
	}
	return false
}

// ForeignKey links a referencing column to the referenced column.
type ForeignKey struct {
	From *Column
	To   *Column
}

// Column describes one table column.
type Column struct {
	table         *Table
	name          string
	typ           ColumnType
	nullable      bool
	defaultFn     func() any
	rules         []validation.Rule
	references    *Column
	autoGenerated bool
}

// ColumnOption configures a Column.
type ColumnOption func(*Column)

// Nullable allows null values.
func Nullable() ColumnOption {
	return func(c *Column) { c.nullable = true }
}

// Default sets a constant client-side default.
func Default(v any) ColumnOption {
	return func(c *Column) { c.defaultFn = func() any { return v } }
}

// DefaultFunc sets a client-side default generator, evaluated per entity.
func DefaultFunc(fn func() any) ColumnOption {
	return func(c *Column) { c.defaultFn = fn }
}

// Rules attaches ozzo-validation rules checked on every Set.
func Rules(rules ...validation.Rule) ColumnOption {
	return func(c *Column) { c.rules = append(c.rules, rules...) }
}

// Name returns the column name.
func (c *Column) Name() string { return c.name }

// Table returns the owning table.
func (c *Column) Table() *Table { return c.table }

// Type returns the column type.
func (c *Column) Type() ColumnType { return c.typ }

// IsNullable reports whether null values are accepted.
func (c *Column) IsNullable() bool { return c.nullable }

// References returns the referenced column for foreign keys, or nil.
func (c *Column) References() *Column { return c.references }

// IsPrimaryKey reports whether the column is part of the primary key.
func (c *Column) IsPrimaryKey() bool {
	for _, pk := range c.table.primaryKey {
		if pk == c {
			return true
		}
	}
	return false
}

func (c *Column) String() string { return c.table.name + "." + c.name }

func (c *Column) defaultValue() (any, bool) {
	if c.defaultFn == nil {
		return nil, false
	}
	return c.defaultFn(), true
}

// validate runs the nullability, type and rule checks for a Set.
func (c *Column) validate(v any) error {
	if isNull(v) {
		if !c.nullable {
			return ValidationError(c.table.name, c.name, "null value for non-nullable column", nil)
		}
		return nil
	}
	if store.IsExpr(v) {
		return nil
	}
	if id, ok := v.(*ID); ok {
		if c.references == nil {
			return ValidationError(c.table.name, c.name, "identifier assigned to a non-reference column", nil)
		}
		if id.table != c.references.table {
			return ValidationError(c.table.name, c.name,
				fmt.Sprintf("identifier of %s assigned to reference into %s", id.table.name, c.references.table.name), nil)
		}
		return nil
	}
	if !c.typ.accepts(v) {
		return ValidationError(c.table.name, c.name, fmt.Sprintf("%T is not a %s", v, c.typ), nil)
	}
	if len(c.rules) > 0 {
		if err := validation.Validate(v, c.rules...); err != nil {
			return ValidationError(c.table.name, c.name, err.Error(), err)
		}
	}
	return nil
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	if valuer, ok := v.(driver.Valuer); ok {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return true
		}
		dv, err := valuer.Value()
		return err == nil && dv == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Table describes a table and its columns. Tables are built once at
// start-up and are immutable afterwards.
type Table struct {
	name       string
	columns    []*Column
	byName     map[string]*Column
	primaryKey []*Column
}

// NewTable creates an empty table description.
func NewTable(name string) *Table {
	return &Table{name: name, byName: make(map[string]*Column)}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Columns returns the columns in declaration order.
func (t *Table) Columns() []*Column { return append([]*Column(nil), t.columns...) }

// Column declares a column, or returns the existing column with that name.
func (t *Table) Column(name string, typ ColumnType, opts ...ColumnOption) *Column {
	if c, ok := t.byName[name]; ok {
		return c
	}
	c := &Column{table: t, name: name, typ: typ}
	for _, opt := range opts {
		opt(c)
	}
	t.columns = append(t.columns, c)
	t.byName[name] = c
	return c
}

// Lookup returns the column named name.
func (t *Table) Lookup(name string) (*Column, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// AutoID declares a store-generated integer primary key.
func (t *Table) AutoID(name string) *Column {
	c := t.Column(name, TypeInt)
	c.autoGenerated = true
	t.primaryKey = []*Column{c}
	return c
}

// UUIDID declares a client-generated UUID primary key.
func (t *Table) UUIDID(name string) *Column {
	c := t.Column(name, TypeUUID, DefaultFunc(func() any { return uuid.NewString() }))
	t.primaryKey = []*Column{c}
	return c
}

// PrimaryKey declares a (possibly composite) primary key over existing
// columns. Values must be supplied by the caller.
func (t *Table) PrimaryKey(cols ...*Column) {
	t.primaryKey = append([]*Column(nil), cols...)
}

// PrimaryKeyColumns returns the primary key columns.
func (t *Table) PrimaryKeyColumns() []*Column { return append([]*Column(nil), t.primaryKey...) }

// Reference declares a foreign key into target's primary key. An empty
// name defaults to "<target>_id" in snake case.
func (t *Table) Reference(name string, target *Table, opts ...ColumnOption) *Column {
	if len(target.primaryKey) != 1 {
		panic(fmt.Sprintf("entitycache: %s must have a single-column primary key to be referenced", target.name))
	}
	if name == "" {
		name = toSnake(target.name) + "_id"
	}
	pk := target.primaryKey[0]
	typ := pk.typ
	c := t.Column(name, typ, opts...)
	c.references = pk
	return c
}

// ForeignKeys returns the table's foreign keys in declaration order.
func (t *Table) ForeignKeys() []ForeignKey {
	var out []ForeignKey
	for _, c := range t.columns {
		if c.references != nil {
			out = append(out, ForeignKey{From: c, To: c.references})
		}
	}
	return out
}

// referencesAny reports whether any foreign key of t points into tables.
func (t *Table) referencesAny(tables map[*Table]bool) bool {
	for _, c := range t.columns {
		if c.references != nil && tables[c.references.table] {
			return true
		}
	}
	return false
}

// Ref returns the backend descriptor of the table.
func (t *Table) Ref() store.TableRef {
	pk := make([]string, len(t.primaryKey))
	for i, c := range t.primaryKey {
		pk[i] = c.name
	}
	return store.TableRef{Name: t.name, PrimaryKey: pk}
}

func (t *Table) String() string { return t.name }

// generatedKey reports whether the primary key is assigned by the store.
func (t *Table) generatedKey() bool {
	return len(t.primaryKey) == 1 && t.primaryKey[0].autoGenerated
}
