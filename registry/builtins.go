package registry

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"sync"

	"github.com/weppos/publicsuffix-go/publicsuffix"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/helpers"
	"github.com/migadu/policyd/value"
)

// patternCache holds compiled match() patterns shared by all sessions.
var patternCache sync.Map // string -> *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: match: invalid pattern %q: %v", consts.ErrArgument, pattern, err)
	}
	actual, _ := patternCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

func str(v value.Value) string {
	s, _ := v.AsString()
	return s
}

func castFunc(kind value.Kind) Func {
	return func(_ *Session, args []value.Value) (value.Value, error) {
		if args[0].IsAbsent() {
			return value.Absent, nil
		}
		return value.Cast(kind, args[0])
	}
}

var builtins = []struct {
	name string
	sig  Signature
	fn   Func
}{
	{"len", Signature{Args: []value.Kind{AnyKind}}, func(_ *Session, args []value.Value) (value.Value, error) {
		switch args[0].Kind() {
		case value.KindAbsent, value.KindString, value.KindList, value.KindTable:
			return value.Int(int64(args[0].Len())), nil
		}
		return value.Absent, fmt.Errorf("%w: len of %s", consts.ErrArgument, args[0].Kind())
	}},
	{"lower", Signature{Args: []value.Kind{value.KindString}}, func(_ *Session, args []value.Value) (value.Value, error) {
		return value.String(strings.ToLower(str(args[0]))), nil
	}},
	{"upper", Signature{Args: []value.Kind{value.KindString}}, func(_ *Session, args []value.Value) (value.Value, error) {
		return value.String(strings.ToUpper(str(args[0]))), nil
	}},
	{"contains", Signature{Args: []value.Kind{AnyKind, AnyKind}}, builtinContains},
	{"match", Signature{Args: []value.Kind{value.KindString, value.KindString}}, func(_ *Session, args []value.Value) (value.Value, error) {
		re, err := compilePattern(str(args[0]))
		if err != nil {
			return value.Absent, err
		}
		return value.Bool(re.MatchString(str(args[1]))), nil
	}},
	{"in_network", Signature{Args: []value.Kind{AnyKind, value.KindString}, Variadic: true}, builtinInNetwork},
	{"addr", Signature{Args: []value.Kind{value.KindString}}, castFunc(value.KindAddress)},
	{"int", Signature{Args: []value.Kind{AnyKind}}, castFunc(value.KindInt)},
	{"float", Signature{Args: []value.Kind{AnyKind}}, castFunc(value.KindFloat)},
	{"string", Signature{Args: []value.Kind{AnyKind}}, castFunc(value.KindString)},
	{"domain", Signature{Args: []value.Kind{value.KindString}}, func(_ *Session, args []value.Value) (value.Value, error) {
		_, d := helpers.SplitEmailAddress(str(args[0]))
		return value.String(d), nil
	}},
	{"localpart", Signature{Args: []value.Kind{value.KindString}}, func(_ *Session, args []value.Value) (value.Value, error) {
		l, _ := helpers.SplitEmailAddress(str(args[0]))
		return value.String(l), nil
	}},
	{"org_domain", Signature{Args: []value.Kind{value.KindString}}, func(_ *Session, args []value.Value) (value.Value, error) {
		return OrgDomain(str(args[0])), nil
	}},
}

func builtinContains(_ *Session, args []value.Value) (value.Value, error) {
	hay, needle := args[0], args[1]
	switch hay.Kind() {
	case value.KindAbsent:
		return value.Bool(false), nil
	case value.KindString:
		n, ok := needle.AsString()
		if !ok {
			return value.Absent, fmt.Errorf("%w: contains: substring must be string, got %s", consts.ErrArgument, needle.Kind())
		}
		return value.Bool(strings.Contains(str(hay), n)), nil
	case value.KindList:
		for _, it := range hay.Items() {
			if eq, err := value.Equal(it, needle); err == nil && eq {
				return value.Bool(true), nil
			}
		}
		return value.Bool(false), nil
	case value.KindTable:
		t, _ := hay.AsTable()
		n, ok := needle.AsString()
		return value.Bool(ok && t.Has(n)), nil
	}
	return value.Absent, fmt.Errorf("%w: contains: cannot search %s", consts.ErrArgument, hay.Kind())
}

// in_network(addr, "10.0.0.0/8", ...) reports whether addr lies in any of
// the prefixes. addr may be an address or its string form.
func builtinInNetwork(_ *Session, args []value.Value) (value.Value, error) {
	a := args[0]
	if a.IsAbsent() {
		return value.Bool(false), nil
	}
	if a.Kind() == value.KindString {
		var err error
		if a, err = value.Cast(value.KindAddress, a); err != nil {
			return value.Absent, err
		}
	}
	ip, ok := a.AsAddress()
	if !ok {
		return value.Absent, fmt.Errorf("%w: in_network: want address, got %s", consts.ErrArgument, a.Kind())
	}
	for _, p := range args[1:] {
		prefix, err := parsePrefix(str(p))
		if err != nil {
			return value.Absent, fmt.Errorf("%w: in_network: %v", consts.ErrArgument, err)
		}
		if prefix.Contains(ip) {
			return value.Bool(true), nil
		}
	}
	return value.Bool(false), nil
}

// parsePrefix accepts CIDR notation or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// OrgDomain returns the registrable domain of name using the public suffix
// list, or Absent when name is itself a public suffix or not a domain.
func OrgDomain(name string) value.Value {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		return value.Absent
	}
	d, err := publicsuffix.Domain(name)
	if err != nil {
		return value.Absent
	}
	return value.String(d)
}

// RegisterBuiltins registers the standard function library.
func RegisterBuiltins(r *Registry) error {
	for _, b := range builtins {
		if err := r.RegisterFunction(b.name, b.sig, b.fn); err != nil {
			return err
		}
	}
	return nil
}
