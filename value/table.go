package value

import (
	"slices"

	"github.com/migadu/policyd/hashtable"
)

// Table is an insertion-ordered name to Value mapping.
type Table struct {
	index *hashtable.Table[string, Value]
	order []string
}

func NewTable() *Table {
	return &Table{index: hashtable.New[string, Value](hashtable.StringHash, hashtable.Options{InitialBuckets: 8})}
}

// Set stores a copy of v under name. Setting Absent deletes the entry.
func (t *Table) Set(name string, v Value) {
	if v.kind == KindAbsent {
		t.Delete(name)
		return
	}
	if t.index.Upsert(name, Copy(v)) {
		t.order = append(t.order, name)
	}
}

// Get returns the value under name, Absent if missing. Tables returned from
// Get remain owned by t.
func (t *Table) Get(name string) Value {
	v, _ := t.index.Lookup(name)
	return v
}

func (t *Table) Has(name string) bool {
	_, ok := t.index.Lookup(name)
	return ok
}

func (t *Table) Delete(name string) bool {
	if _, ok := t.index.Remove(name); !ok {
		return false
	}
	if i := slices.Index(t.order, name); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
	return true
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.index.Len()
}

// Keys returns the names in insertion order.
func (t *Table) Keys() []string {
	return slices.Clone(t.order)
}

// Range calls fn for each entry in insertion order until fn returns false.
func (t *Table) Range(fn func(name string, v Value) bool) {
	if t == nil {
		return
	}
	for _, k := range t.order {
		v, _ := t.index.Lookup(k)
		if !fn(k, v) {
			return
		}
	}
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	c := NewTable()
	if t == nil {
		return c
	}
	for _, k := range t.order {
		v, _ := t.index.Lookup(k)
		c.Set(k, v)
	}
	return c
}

// Equal reports deep equality including order.
func (t *Table) Equal(o *Table) bool {
	if t.Len() != o.Len() {
		return false
	}
	for i, k := range t.order {
		if o.order[i] != k {
			return false
		}
		if !Identical(t.Get(k), o.Get(k)) {
			return false
		}
	}
	return true
}

// Identical reports structural identity: same kind and same payload.
// Unlike Compare it never fails and treats tables by content.
func Identical(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindAbsent:
		return true
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f || (a.f != a.f && b.f != b.f)
	case KindString:
		return a.s == b.s
	case KindAddress:
		return a.a == b.a
	case KindList:
		return slices.EqualFunc(a.l, b.l, Identical)
	case KindTable:
		return a.t.Equal(b.t)
	}
	return false
}
