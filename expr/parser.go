package expr

import (
	"fmt"
	"strconv"

	"github.com/migadu/policyd/value"
)

// MaxDepth bounds expression nesting so evaluation recursion stays bounded.
const MaxDepth = 64

type parser struct {
	lex   lexer
	tok   token
	depth int
}

// Parse parses src into an expression tree.
func Parse(src string) (Node, error) {
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind == tokEOF {
		return nil, &SyntaxError{0, "empty expression"}
	}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.unexpected()
	}
	return n, nil
}

// MustParse is like Parse but panics on error. For tests and built-in rules.
func MustParse(src string) Node {
	n, err := Parse(src)
	if err != nil {
		panic(fmt.Sprintf("expr: %q: %v", src, err))
	}
	return n
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) is(punct string) bool {
	return p.tok.kind == tokPunct && p.tok.text == punct
}

func (p *parser) expect(punct string) error {
	if !p.is(punct) {
		return &SyntaxError{p.tok.pos, fmt.Sprintf("expected %q, found %s", punct, p.describe())}
	}
	return p.advance()
}

func (p *parser) describe() string {
	if p.tok.kind == tokEOF {
		return "end of expression"
	}
	if p.tok.kind == tokString {
		return strconv.Quote(p.tok.text)
	}
	return fmt.Sprintf("%q", p.tok.text)
}

func (p *parser) unexpected() error {
	return &SyntaxError{p.tok.pos, "unexpected " + p.describe()}
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return &SyntaxError{p.tok.pos, fmt.Sprintf("expression nested deeper than %d", MaxDepth)}
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// expr := or ( "?" expr ":" expr )?
func (p *parser) expr() (Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if !p.is("?") {
		return cond, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	then, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	els, err := p.expr()
	if err != nil {
		return nil, err
	}
	return &Ternary{Cond: cond, Then: then, Else: els}, nil
}

// Binary operators by precedence level, loosest first.
var levels = []map[string]Operator{
	{"||": OpOr},
	{"&&": OpAnd},
	{"==": OpEq, "!=": OpNe},
	{"<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe},
	{"+": OpAdd, "-": OpSub},
	{"*": OpMul, "/": OpDiv, "%": OpMod},
}

func (p *parser) binary(level int) (Node, error) {
	if level == len(levels) {
		return p.unary()
	}
	left, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPunct {
		op, ok := levels[level][p.tok.text]
		if !ok {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &Operation{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) unary() (Node, error) {
	if p.is("!") || p.is("-") {
		op := OpNot
		if p.tok.text == "-" {
			op = OpNeg
		}
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Operation{Op: op, Left: operand}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Node, error) {
	tok := p.tok
	switch tok.kind {
	case tokInt:
		i, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, &SyntaxError{tok.pos, "integer literal out of range"}
		}
		return &Constant{Value: value.Int(i)}, p.advance()
	case tokFloat:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, &SyntaxError{tok.pos, "float literal out of range"}
		}
		return &Constant{Value: value.Float(f)}, p.advance()
	case tokString:
		return &Constant{Value: value.String(tok.text)}, p.advance()
	case tokVariable:
		return &Variable{Name: tok.text}, p.advance()
	case tokIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch tok.text {
		case "true":
			return &Constant{Value: value.Bool(true)}, nil
		case "false":
			return &Constant{Value: value.Bool(false)}, nil
		case "absent":
			return &Constant{Value: value.Absent}, nil
		}
		if !p.is("(") {
			return &Symbol{Name: tok.text}, nil
		}
		args, err := p.sequence("(", ")")
		if err != nil {
			return nil, err
		}
		return &Function{Name: tok.text, Args: args}, nil
	case tokPunct:
		switch tok.text {
		case "(":
			if err := p.advance(); err != nil {
				return nil, err
			}
			inner, err := p.expr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return &Parens{Inner: inner}, nil
		case "[":
			items, err := p.sequence("[", "]")
			if err != nil {
				return nil, err
			}
			return &List{Items: items}, nil
		}
	}
	return nil, p.unexpected()
}

// sequence parses opening expr ("," expr)* closing, allowing an empty
// sequence.
func (p *parser) sequence(opening, closing string) ([]Node, error) {
	if err := p.expect(opening); err != nil {
		return nil, err
	}
	var items []Node
	if p.is(closing) {
		return items, p.advance()
	}
	for {
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		items = append(items, n)
		if p.is(closing) {
			return items, p.advance()
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}
