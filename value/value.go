// Package value implements the variant values rules operate on.
//
// Scalars and lists are immutable and may be shared freely. A *Table is the
// only mutable container; it has exactly one owner, and storing any value
// into a table stores an independent copy of it.
package value

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindInt
	KindFloat
	KindString
	KindAddress
	KindList
	KindTable
)

var kindNames = [...]string{
	KindAbsent:  "absent",
	KindInt:     "int",
	KindFloat:   "float",
	KindString:  "string",
	KindAddress: "address",
	KindList:    "list",
	KindTable:   "table",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return KindAbsent, false
}

// Value is a tagged variant. The zero Value is Absent.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	a    netip.Addr
	l    []Value
	t    *Table
}

var Absent = Value{}

func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Address(a netip.Addr) Value {
	return Value{kind: KindAddress, a: a.Unmap()}
}

// Bool returns Int(1) or Int(0).
func Bool(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

// List returns a list holding copies of items.
func List(items ...Value) Value {
	l := make([]Value, len(items))
	for i, it := range items {
		l[i] = Copy(it)
	}
	return Value{kind: KindList, l: l}
}

// TableValue wraps t. The returned value owns t.
func TableValue(t *Table) Value {
	if t == nil {
		t = NewTable()
	}
	return Value{kind: KindTable, t: t}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsInt returns the integer payload; ok is false for other kinds.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsAddress() (netip.Addr, bool) { return v.a, v.kind == KindAddress }

// AsTable returns the table held by v. The table is borrowed: it stays owned
// by v's holder.
func (v Value) AsTable() (*Table, bool) { return v.t, v.kind == KindTable }

// Len returns the number of list items, table entries or string bytes.
func (v Value) Len() int {
	switch v.kind {
	case KindString:
		return len(v.s)
	case KindList:
		return len(v.l)
	case KindTable:
		return v.t.Len()
	}
	return 0
}

// Index returns the i-th list item.
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.l) {
		return Absent
	}
	return v.l[i]
}

// Items returns a copy of the list items.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return slices.Clone(v.l)
}

// Copy returns an independently owned deep copy of v. Scalars are returned
// as is.
func Copy(v Value) Value {
	switch v.kind {
	case KindTable:
		return Value{kind: KindTable, t: v.t.Clone()}
	case KindList:
		if !containsTable(v.l) {
			return v
		}
		l := make([]Value, len(v.l))
		for i, it := range v.l {
			l[i] = Copy(it)
		}
		return Value{kind: KindList, l: l}
	}
	return v
}

func containsTable(l []Value) bool {
	for _, it := range l {
		if it.kind == KindTable || (it.kind == KindList && containsTable(it.l)) {
			return true
		}
	}
	return false
}

// Truth reports whether v counts as true in a boolean context.
func Truth(v Value) bool {
	switch v.kind {
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindAddress:
		return v.a.IsValid()
	case KindList:
		return len(v.l) > 0
	case KindTable:
		return v.t.Len() > 0
	}
	return false
}

// Text renders v for use in messages and headers: strings are unquoted.
func (v Value) Text() string {
	if v.kind == KindString {
		return v.s
	}
	return v.String()
}

// String renders v in expression syntax.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindString:
		return strconv.Quote(v.s)
	case KindAddress:
		return v.a.String()
	case KindList:
		parts := make([]string, len(v.l))
		for i, it := range v.l {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindTable:
		var b strings.Builder
		b.WriteByte('{')
		v.t.Range(func(k string, e Value) bool {
			if b.Len() > 1 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(": ")
			b.WriteString(e.String())
			return true
		})
		b.WriteByte('}')
		return b.String()
	}
	return "absent"
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// Interface converts v to plain Go values for display: int64, float64,
// string, []any and map[string]any. Absent becomes nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindAddress:
		return v.a.String()
	case KindList:
		out := make([]any, len(v.l))
		for i, it := range v.l {
			out[i] = it.Interface()
		}
		return out
	case KindTable:
		out := make(map[string]any, v.t.Len())
		v.t.Range(func(k string, e Value) bool {
			out[k] = e.Interface()
			return true
		})
		return out
	}
	return nil
}
