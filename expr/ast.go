// Package expr parses and evaluates rule condition expressions.
//
// Nodes are immutable once built and may be shared between goroutines;
// all per-connection state lives in the Scope passed to Evaluate.
package expr

import (
	"strings"

	"github.com/migadu/policyd/value"
)

// Node is an expression tree node.
type Node interface {
	// String renders the node in source form. Parsing the result yields an
	// equivalent tree.
	String() string
	node()
}

// Constant is a literal value.
type Constant struct {
	Value value.Value
}

// Symbol names an attribute resolved through the registry.
type Symbol struct {
	Name string
}

// Variable names a per-connection variable ($name).
type Variable struct {
	Name string
}

// Function is a call to a registered function.
type Function struct {
	Name string
	Args []Node
}

// Operation is a unary (Right == nil) or binary operator application.
type Operation struct {
	Op    Operator
	Left  Node
	Right Node
}

// Ternary is cond ? Then : Else.
type Ternary struct {
	Cond Node
	Then Node
	Else Node
}

// Parens keeps explicit grouping from the source.
type Parens struct {
	Inner Node
}

// List is a list literal.
type List struct {
	Items []Node
}

func (*Constant) node()  {}
func (*Symbol) node()    {}
func (*Variable) node()  {}
func (*Function) node()  {}
func (*Operation) node() {}
func (*Ternary) node()   {}
func (*Parens) node()    {}
func (*List) node()      {}

func (n *Constant) String() string {
	if n.Value.IsAbsent() {
		return "absent"
	}
	return n.Value.String()
}

func (n *Symbol) String() string   { return n.Name }
func (n *Variable) String() string { return "$" + n.Name }

func (n *Function) String() string {
	return n.Name + "(" + joinNodes(n.Args) + ")"
}

func (n *Operation) String() string {
	if n.Right == nil {
		return n.Op.String() + n.Left.String()
	}
	return n.Left.String() + " " + n.Op.String() + " " + n.Right.String()
}

func (n *Ternary) String() string {
	return n.Cond.String() + " ? " + n.Then.String() + " : " + n.Else.String()
}

func (n *Parens) String() string { return "(" + n.Inner.String() + ")" }
func (n *List) String() string   { return "[" + joinNodes(n.Items) + "]" }

func joinNodes(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, a := range nodes {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// Operator identifies a unary or binary operator.
type Operator uint8

const (
	OpOr Operator = iota
	OpAnd
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNot
	OpNeg
)

var operatorText = [...]string{
	OpOr:  "||",
	OpAnd: "&&",
	OpEq:  "==",
	OpNe:  "!=",
	OpLt:  "<",
	OpLe:  "<=",
	OpGt:  ">",
	OpGe:  ">=",
	OpAdd: "+",
	OpSub: "-",
	OpMul: "*",
	OpDiv: "/",
	OpMod: "%",
	OpNot: "!",
	OpNeg: "-",
}

func (o Operator) String() string {
	if int(o) < len(operatorText) {
		return operatorText[o]
	}
	return "?"
}

// Walk visits n and its children depth-first. Returning false from fn skips
// the children of the visited node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch n := n.(type) {
	case *Function:
		for _, a := range n.Args {
			Walk(a, fn)
		}
	case *Operation:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *Ternary:
		Walk(n.Cond, fn)
		Walk(n.Then, fn)
		Walk(n.Else, fn)
	case *Parens:
		Walk(n.Inner, fn)
	case *List:
		for _, it := range n.Items {
			Walk(it, fn)
		}
	}
}
