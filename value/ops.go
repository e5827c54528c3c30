package value

import (
	"cmp"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"

	"github.com/migadu/policyd/consts"
)

// maxExactFloatInt is the largest magnitude up to which every integer has
// an exact float64 representation.
const maxExactFloatInt = 1 << 53

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", consts.ErrTypeMismatch, fmt.Sprintf(format, args...))
}

// Cast converts v to kind. Conversions that would lose information fail
// with ErrTypeMismatch. Casting a value to its own kind returns it as is, so
// Cast is idempotent.
func Cast(kind Kind, v Value) (Value, error) {
	if v.kind == kind {
		return v, nil
	}
	switch kind {
	case KindInt:
		switch v.kind {
		case KindFloat:
			return floatToInt(v.f)
		case KindString:
			s := strings.TrimSpace(v.s)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return Int(i), nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return floatToInt(f)
			}
			return Absent, mismatch("cannot cast %q to int", v.s)
		}
	case KindFloat:
		switch v.kind {
		case KindInt:
			if v.i > maxExactFloatInt || v.i < -maxExactFloatInt {
				return Absent, mismatch("int %d has no exact float representation", v.i)
			}
			return Float(float64(v.i)), nil
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
			if err != nil {
				return Absent, mismatch("cannot cast %q to float", v.s)
			}
			return Float(f), nil
		}
	case KindString:
		switch v.kind {
		case KindInt, KindFloat, KindAddress:
			return String(v.Text()), nil
		}
	case KindAddress:
		if v.kind == KindString {
			a, err := ParseAddress(v.s)
			if err != nil {
				return Absent, mismatch("cannot cast %q to address", v.s)
			}
			return Address(a), nil
		}
	}
	return Absent, mismatch("cannot cast %s to %s", v.kind, kind)
}

func floatToInt(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > maxExactFloatInt {
		return Absent, mismatch("float %v has no exact int representation", f)
	}
	return Int(int64(f)), nil
}

// ParseAddress parses an IP address as found in SMTP sessions, accepting
// "[1.2.3.4]" and "[IPv6:...]" literal forms.
func ParseAddress(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	if len(s) > 5 && strings.EqualFold(s[:5], "ipv6:") {
		s = s[5:]
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Unmap(), nil
}

// Compare orders a and b: -1, 0 or +1. Numbers compare across int and
// float, strings byte-wise, addresses by family then bytes and lists
// lexicographically. Absent equals only Absent and has no order against
// other kinds. Tables are not comparable.
func Compare(a, b Value) (int, error) {
	if a.IsNumber() && b.IsNumber() {
		return compareNumbers(a, b), nil
	}
	if a.kind != b.kind {
		return 0, mismatch("cannot compare %s with %s", a.kind, b.kind)
	}
	switch a.kind {
	case KindAbsent:
		return 0, nil
	case KindString:
		return strings.Compare(a.s, b.s), nil
	case KindAddress:
		return a.a.Compare(b.a), nil
	case KindList:
		for i := 0; i < len(a.l) && i < len(b.l); i++ {
			c, err := Compare(a.l[i], b.l[i])
			if err != nil || c != 0 {
				return c, err
			}
		}
		return cmp.Compare(len(a.l), len(b.l)), nil
	}
	return 0, mismatch("%s values are not comparable", a.kind)
}

func compareNumbers(a, b Value) int {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return cmp.Compare(a.i, b.i)
	case a.kind == KindFloat && b.kind == KindFloat:
		return cmp.Compare(a.f, b.f)
	case a.kind == KindInt:
		return compareIntFloat(a.i, b.f)
	default:
		return -compareIntFloat(b.i, a.f)
	}
}

func compareIntFloat(i int64, f float64) int {
	// cmp.Compare orders NaN before every number.
	if c := cmp.Compare(float64(i), f); c != 0 {
		return c
	}
	// float64(i) may have rounded; settle ties on the integer side.
	if f >= math.MaxInt64 {
		return -1
	}
	return cmp.Compare(i, int64(f))
}

// Equal compares for equality. Comparing Absent with anything never fails.
func Equal(a, b Value) (bool, error) {
	if a.kind == KindAbsent || b.kind == KindAbsent {
		return a.kind == b.kind, nil
	}
	if a.kind == KindTable && b.kind == KindTable {
		return a.t.Equal(b.t), nil
	}
	c, err := Compare(a, b)
	if err != nil {
		return false, err
	}
	return c == 0, nil
}
