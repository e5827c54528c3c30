package acl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/expr"
	"github.com/migadu/policyd/registry"
	"github.com/migadu/policyd/stage"
)

// ActionKind is one of the fixed set of rule actions.
type ActionKind uint8

const (
	ActContinue ActionKind = iota
	ActAccept
	ActReject
	ActTempFail
	ActDiscard
	ActGreylist
	ActTarpit
	ActPipe
	ActAddHeader
	ActChangeHeader
	ActSet
	ActCall
)

var actionNames = map[string]ActionKind{
	"continue":     ActContinue,
	"accept":       ActAccept,
	"reject":       ActReject,
	"tempfail":     ActTempFail,
	"discard":      ActDiscard,
	"greylist":     ActGreylist,
	"tarpit":       ActTarpit,
	"pipe":         ActPipe,
	"addheader":    ActAddHeader,
	"changeheader": ActChangeHeader,
	"set":          ActSet,
	"call":         ActCall,
}

func (k ActionKind) String() string {
	for name, kind := range actionNames {
		if kind == k {
			return name
		}
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Action is a compiled action with its parameters. Message and Arg are
// evaluated when the action runs, so they may refer to attributes.
type Action struct {
	Kind     ActionKind
	Message  expr.Node // reply text, optional
	Arg      expr.Node // action argument, optional
	Header   string
	Index    int
	Variable string
	Macro    string
	Command  string
}

// Rule is a compiled [[rule]] entry.
type Rule struct {
	Name      string
	Stages    stage.Mask
	Condition expr.Node // nil matches always
	Action    Action
}

func (r *Rule) String() string {
	cond := "true"
	if r.Condition != nil {
		cond = r.Condition.String()
	}
	return fmt.Sprintf("%s: [%s] %s -> %s", r.Name, r.Stages, cond, r.Action.Kind)
}

// Ruleset is the ordered top-level rule list and the macros it may call.
type Ruleset struct {
	Rules  []*Rule
	Macros map[string][]*Rule
}

// Compile parses the rules and macros of cfg. When reg is not nil every
// function used by an expression must be registered in it.
func Compile(cfg *config.Config, reg *registry.Registry) (*Ruleset, error) {
	rs := &Ruleset{Macros: make(map[string][]*Rule, len(cfg.Macros))}
	for _, m := range cfg.Macros {
		if _, dup := rs.Macros[m.Name]; dup || m.Name == "" {
			return nil, fmt.Errorf("%w: macro %q is unnamed or defined twice", consts.ErrInvalidRule, m.Name)
		}
		rs.Macros[m.Name] = nil
	}

	var errs []error
	compileList := func(where string, list []config.RuleConfig) []*Rule {
		out := make([]*Rule, 0, len(list))
		for i := range list {
			r, err := compileRule(&list[i], i, rs, reg)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
				continue
			}
			out = append(out, r)
		}
		return out
	}

	for _, m := range cfg.Macros {
		rs.Macros[m.Name] = compileList("macro "+m.Name, m.Rules)
	}
	rs.Rules = compileList("rules", cfg.Rules)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rs, nil
}

func compileRule(rc *config.RuleConfig, idx int, rs *Ruleset, reg *registry.Registry) (*Rule, error) {
	r := &Rule{Name: rc.Name, Stages: stage.AllStages}
	if r.Name == "" {
		r.Name = fmt.Sprintf("rule#%d", idx+1)
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", consts.ErrInvalidRule, r.Name, fmt.Sprintf(format, args...))
	}

	if len(rc.Stages) > 0 {
		m, err := stage.ParseMask(rc.Stages)
		if err != nil {
			return nil, fail("%v", err)
		}
		r.Stages = m
	}

	kind, ok := actionNames[strings.ToLower(rc.Action)]
	if !ok {
		return nil, fail("unknown action %q", rc.Action)
	}
	r.Action = Action{
		Kind:     kind,
		Header:   rc.Header,
		Index:    rc.Index,
		Variable: rc.Variable,
		Macro:    rc.Macro,
		Command:  rc.Command,
	}

	var err error
	parse := func(field, src string) expr.Node {
		if err != nil || strings.TrimSpace(src) == "" {
			return nil
		}
		var n expr.Node
		n, err = expr.Parse(src)
		if err != nil {
			err = fail("%s: %v", field, err)
			return nil
		}
		if reg != nil {
			err = checkFunctions(n, reg)
			if err != nil {
				err = fail("%s: %v", field, err)
			}
		}
		return n
	}
	r.Condition = parse("condition", rc.Condition)
	r.Action.Message = parse("message", rc.Message)
	r.Action.Arg = parse("arg", rc.Arg)
	if err != nil {
		return nil, err
	}

	switch kind {
	case ActTarpit:
		if r.Action.Arg == nil {
			return nil, fail("tarpit needs arg (the delay)")
		}
	case ActPipe:
		if strings.TrimSpace(rc.Command) == "" {
			return nil, fail("pipe needs command")
		}
	case ActAddHeader, ActChangeHeader:
		if rc.Header == "" {
			return nil, fail("%s needs header", kind)
		}
		if kind == ActAddHeader && r.Action.Arg == nil {
			return nil, fail("addheader needs arg (the header value)")
		}
		if r.Action.Index <= 0 {
			r.Action.Index = 1
		}
	case ActSet:
		if rc.Variable == "" || r.Action.Arg == nil {
			return nil, fail("set needs variable and arg")
		}
	case ActCall:
		if _, ok := rs.Macros[rc.Macro]; !ok {
			return nil, fail("call of undefined macro %q", rc.Macro)
		}
	}
	return r, nil
}

func checkFunctions(n expr.Node, reg *registry.Registry) error {
	var err error
	expr.Walk(n, func(n expr.Node) bool {
		f, ok := n.(*expr.Function)
		if !ok || err != nil {
			return err == nil
		}
		if e, found := reg.Lookup(f.Name); !found || e.Kind != registry.KindFunction {
			err = fmt.Errorf("%w: unknown function %q", consts.ErrName, f.Name)
		}
		return err == nil
	})
	return err
}
