package value

import (
	"fmt"
	"math"

	"github.com/migadu/policyd/consts"
)

// Op is a binary arithmetic operator.
type Op byte

const (
	OpAdd Op = '+'
	OpSub Op = '-'
	OpMul Op = '*'
	OpDiv Op = '/'
	OpMod Op = '%'
)

func arithError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", consts.ErrArithmetic, fmt.Sprintf(format, args...))
}

// Arith applies op to a and b. If either operand is a float both are
// treated as floats. '+' also concatenates two strings; any other
// non-numeric operand is a type mismatch. Integer overflow and division
// or modulo by zero fail with ErrArithmetic.
func Arith(op Op, a, b Value) (Value, error) {
	if op == OpAdd && a.kind == KindString && b.kind == KindString {
		return String(a.s + b.s), nil
	}
	if !a.IsNumber() || !b.IsNumber() {
		return Absent, mismatch("operator %c not defined for %s and %s", op, a.kind, b.kind)
	}
	if a.kind == KindInt && b.kind == KindInt {
		return intArith(op, a.i, b.i)
	}
	return floatArith(op, toFloat(a), toFloat(b))
}

func toFloat(v Value) float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func intArith(op Op, x, y int64) (Value, error) {
	switch op {
	case OpAdd:
		r := x + y
		if (r > x) != (y > 0) {
			return Absent, arithError("integer overflow in %d + %d", x, y)
		}
		return Int(r), nil
	case OpSub:
		r := x - y
		if (r < x) != (y > 0) {
			return Absent, arithError("integer overflow in %d - %d", x, y)
		}
		return Int(r), nil
	case OpMul:
		if x == 0 || y == 0 {
			return Int(0), nil
		}
		r := x * y
		if r/y != x || (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
			return Absent, arithError("integer overflow in %d * %d", x, y)
		}
		return Int(r), nil
	case OpDiv, OpMod:
		if y == 0 {
			return Absent, arithError("division by zero")
		}
		if x == math.MinInt64 && y == -1 {
			if op == OpMod {
				return Int(0), nil
			}
			return Absent, arithError("integer overflow in %d / %d", x, y)
		}
		if op == OpDiv {
			return Int(x / y), nil
		}
		return Int(x % y), nil
	}
	return Absent, arithError("unknown operator %c", op)
}

func floatArith(op Op, x, y float64) (Value, error) {
	switch op {
	case OpAdd:
		return Float(x + y), nil
	case OpSub:
		return Float(x - y), nil
	case OpMul:
		return Float(x * y), nil
	case OpDiv:
		if y == 0 {
			return Absent, arithError("division by zero")
		}
		return Float(x / y), nil
	case OpMod:
		if y == 0 {
			return Absent, arithError("division by zero")
		}
		return Float(math.Mod(x, y)), nil
	}
	return Absent, arithError("unknown operator %c", op)
}

// Negate returns -v for numbers.
func Negate(v Value) (Value, error) {
	switch v.kind {
	case KindInt:
		if v.i == math.MinInt64 {
			return Absent, arithError("integer overflow in -(%d)", v.i)
		}
		return Int(-v.i), nil
	case KindFloat:
		return Float(-v.f), nil
	}
	return Absent, mismatch("cannot negate %s", v.kind)
}
