package expr

import (
	"fmt"

	"github.com/migadu/policyd/value"
)

// Scope supplies symbols, variables and functions to Evaluate.
type Scope interface {
	// Resolve returns the value of an attribute symbol.
	Resolve(name string) (value.Value, error)
	// Variable returns a per-connection variable, Absent when unset.
	Variable(name string) value.Value
	// Call validates args against the function signature and invokes it.
	Call(name string, args []value.Value) (value.Value, error)
}

// Evaluate computes the value of n in scope. Only the branches needed to
// decide && || and ?: are evaluated.
func Evaluate(n Node, scope Scope) (value.Value, error) {
	switch n := n.(type) {
	case *Constant:
		return n.Value, nil
	case *Symbol:
		return scope.Resolve(n.Name)
	case *Variable:
		return scope.Variable(n.Name), nil
	case *Parens:
		return Evaluate(n.Inner, scope)
	case *Function:
		args := make([]value.Value, len(n.Args))
		for i, a := range n.Args {
			v, err := Evaluate(a, scope)
			if err != nil {
				return value.Absent, err
			}
			args[i] = v
		}
		return scope.Call(n.Name, args)
	case *List:
		items := make([]value.Value, len(n.Items))
		for i, it := range n.Items {
			v, err := Evaluate(it, scope)
			if err != nil {
				return value.Absent, err
			}
			items[i] = v
		}
		return value.List(items...), nil
	case *Ternary:
		cond, err := Evaluate(n.Cond, scope)
		if err != nil {
			return value.Absent, err
		}
		if value.Truth(cond) {
			return Evaluate(n.Then, scope)
		}
		return Evaluate(n.Else, scope)
	case *Operation:
		return evalOperation(n, scope)
	}
	return value.Absent, fmt.Errorf("expr: unknown node %T", n)
}

// EvaluateBool evaluates n and applies the truth rule.
func EvaluateBool(n Node, scope Scope) (bool, error) {
	v, err := Evaluate(n, scope)
	if err != nil {
		return false, err
	}
	return value.Truth(v), nil
}

var arithOps = map[Operator]value.Op{
	OpAdd: value.OpAdd,
	OpSub: value.OpSub,
	OpMul: value.OpMul,
	OpDiv: value.OpDiv,
	OpMod: value.OpMod,
}

func evalOperation(n *Operation, scope Scope) (value.Value, error) {
	left, err := Evaluate(n.Left, scope)
	if err != nil {
		return value.Absent, err
	}

	switch n.Op {
	case OpNot:
		return value.Bool(!value.Truth(left)), nil
	case OpNeg:
		return value.Negate(left)
	case OpAnd:
		if !value.Truth(left) {
			return value.Bool(false), nil
		}
		right, err := Evaluate(n.Right, scope)
		if err != nil {
			return value.Absent, err
		}
		return value.Bool(value.Truth(right)), nil
	case OpOr:
		if value.Truth(left) {
			return value.Bool(true), nil
		}
		right, err := Evaluate(n.Right, scope)
		if err != nil {
			return value.Absent, err
		}
		return value.Bool(value.Truth(right)), nil
	}

	right, err := Evaluate(n.Right, scope)
	if err != nil {
		return value.Absent, err
	}

	switch n.Op {
	case OpEq, OpNe:
		eq, err := value.Equal(left, right)
		if err != nil {
			return value.Absent, err
		}
		return value.Bool(eq == (n.Op == OpEq)), nil
	case OpLt, OpLe, OpGt, OpGe:
		c, err := value.Compare(left, right)
		if err != nil {
			return value.Absent, err
		}
		var r bool
		switch n.Op {
		case OpLt:
			r = c < 0
		case OpLe:
			r = c <= 0
		case OpGt:
			r = c > 0
		case OpGe:
			r = c >= 0
		}
		return value.Bool(r), nil
	}

	if op, ok := arithOps[n.Op]; ok {
		return value.Arith(op, left, right)
	}
	return value.Absent, fmt.Errorf("expr: unknown operator %s", n.Op)
}
