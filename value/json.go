package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
)

// The JSON form tags every value with its kind so that ints and floats
// survive a round trip through the store:
//
//	null                       absent
//	{"int": 3}                 int
//	{"float": 2.5}             float
//	{"str": "x"}               string
//	{"addr": "192.0.2.1"}      address
//	{"list": [...]}            list
//	{"table": [["k", ...]]}    table, in insertion order
type wireValue struct {
	Int   *int64             `json:"int,omitempty"`
	Float *json.RawMessage   `json:"float,omitempty"`
	Str   *string            `json:"str,omitempty"`
	Addr  *string            `json:"addr,omitempty"`
	List  *[]Value           `json:"list,omitempty"`
	Table *[]json.RawMessage `json:"table,omitempty"`
}

// Non-finite floats have no JSON number form.
const (
	jsonNaN    = `"NaN"`
	jsonPosInf = `"+Inf"`
	jsonNegInf = `"-Inf"`
)

func (v Value) MarshalJSON() ([]byte, error) {
	var w wireValue
	switch v.kind {
	case KindAbsent:
		return []byte("null"), nil
	case KindInt:
		w.Int = &v.i
	case KindFloat:
		var raw json.RawMessage
		switch {
		case math.IsNaN(v.f):
			raw = json.RawMessage(jsonNaN)
		case math.IsInf(v.f, 1):
			raw = json.RawMessage(jsonPosInf)
		case math.IsInf(v.f, -1):
			raw = json.RawMessage(jsonNegInf)
		default:
			b, err := json.Marshal(v.f)
			if err != nil {
				return nil, err
			}
			raw = b
		}
		w.Float = &raw
	case KindString:
		w.Str = &v.s
	case KindAddress:
		s := v.a.String()
		w.Addr = &s
	case KindList:
		l := v.l
		if l == nil {
			l = []Value{}
		}
		w.List = &l
	case KindTable:
		entries := make([]json.RawMessage, 0, v.t.Len())
		var err error
		v.t.Range(func(k string, e Value) bool {
			var b []byte
			b, err = json.Marshal([]any{k, e})
			entries = append(entries, b)
			return err == nil
		})
		if err != nil {
			return nil, err
		}
		w.Table = &entries
	default:
		return nil, fmt.Errorf("value: cannot encode %s", v.kind)
	}
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Absent
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Int != nil:
		*v = Int(*w.Int)
	case w.Float != nil:
		switch string(*w.Float) {
		case jsonNaN:
			*v = Float(math.NaN())
		case jsonPosInf:
			*v = Float(math.Inf(1))
		case jsonNegInf:
			*v = Float(math.Inf(-1))
		default:
			var f float64
			if err := json.Unmarshal(*w.Float, &f); err != nil {
				return fmt.Errorf("value: bad float: %w", err)
			}
			*v = Float(f)
		}
	case w.Str != nil:
		*v = String(*w.Str)
	case w.Addr != nil:
		a, err := netip.ParseAddr(*w.Addr)
		if err != nil {
			return fmt.Errorf("value: bad address: %w", err)
		}
		*v = Address(a)
	case w.List != nil:
		*v = Value{kind: KindList, l: *w.List}
	case w.Table != nil:
		t := NewTable()
		for _, raw := range *w.Table {
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
				return fmt.Errorf("value: bad table entry %s", raw)
			}
			var key string
			if err := json.Unmarshal(pair[0], &key); err != nil {
				return fmt.Errorf("value: bad table key: %w", err)
			}
			var e Value
			if err := json.Unmarshal(pair[1], &e); err != nil {
				return err
			}
			t.Set(key, e)
		}
		*v = TableValue(t)
	default:
		return fmt.Errorf("value: untagged JSON value %s", data)
	}
	return nil
}

// Encode serializes v for the store.
func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses data produced by Encode.
func Decode(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Absent, err
	}
	return v, nil
}
