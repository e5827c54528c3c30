// Package registry maps attribute and function names to their providers,
// and resolves them for a connection subject to stage gating and caching.
//
// Registration happens at startup. After Freeze the registry is read-only
// and safe for concurrent use by any number of sessions.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/hashtable"
	"github.com/migadu/policyd/stage"
	"github.com/migadu/policyd/value"
)

// EntryKind tells attributes and functions apart.
type EntryKind uint8

const (
	KindAttribute EntryKind = iota
	KindFunction
)

func (k EntryKind) String() string {
	if k == KindFunction {
		return "function"
	}
	return "attribute"
}

// CachePolicy controls whether a provided attribute value is remembered
// for the rest of the connection.
type CachePolicy uint8

const (
	CacheNone CachePolicy = iota
	CachePerConnection
)

// AnyKind in a signature accepts an argument of any kind.
const AnyKind value.Kind = 255

// Provider computes an attribute for a session.
type Provider func(s *Session) (value.Value, error)

// Func implements a function. Arguments have already been checked against
// the signature.
type Func func(s *Session, args []value.Value) (value.Value, error)

// Signature describes function arguments. With Variadic set the last kind
// in Args may repeat zero or more times.
type Signature struct {
	Args     []value.Kind
	Variadic bool
}

func (sig Signature) String() string {
	s := "("
	for i, k := range sig.Args {
		if i > 0 {
			s += ", "
		}
		if k == AnyKind {
			s += "any"
		} else {
			s += k.String()
		}
		if sig.Variadic && i == len(sig.Args)-1 {
			s += "..."
		}
	}
	return s + ")"
}

// Entry is one registered name.
type Entry struct {
	Name     string
	Kind     EntryKind
	Stages   stage.Mask
	Cache    CachePolicy
	Sig      Signature
	provider Provider
	fn       Func
}

// Registry holds attribute and function entries.
type Registry struct {
	mu      sync.Mutex
	entries *hashtable.Table[string, *Entry]
	frozen  atomic.Bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: hashtable.New[string, *Entry](hashtable.StringHash, hashtable.Options{InitialBuckets: 64})}
}

func (r *Registry) add(e *Entry) error {
	if e.Name == "" {
		return fmt.Errorf("registry: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %q", consts.ErrRegistryFrozen, e.Name)
	}
	if err := r.entries.Insert(e.Name, e); err != nil {
		return fmt.Errorf("%w: %q", consts.ErrDuplicateName, e.Name)
	}
	return nil
}

// RegisterAttribute adds an attribute computed by provider, available at
// the stages in mask.
func (r *Registry) RegisterAttribute(name string, mask stage.Mask, policy CachePolicy, provider Provider) error {
	if provider == nil {
		return fmt.Errorf("registry: attribute %q has no provider", name)
	}
	return r.add(&Entry{Name: name, Kind: KindAttribute, Stages: mask, Cache: policy, provider: provider})
}

// RegisterFunction adds a function callable at any stage.
func (r *Registry) RegisterFunction(name string, sig Signature, fn Func) error {
	if fn == nil {
		return fmt.Errorf("registry: function %q has no implementation", name)
	}
	if sig.Variadic && len(sig.Args) == 0 {
		return fmt.Errorf("registry: variadic function %q needs at least one argument kind", name)
	}
	return r.add(&Entry{Name: name, Kind: KindFunction, Stages: stage.AllStages, Sig: sig, fn: fn})
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool { return r.frozen.Load() }

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.entries.Lookup(name)
}

// Entries returns all entries sorted by name.
func (r *Registry) Entries() []*Entry {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]*Entry, 0, r.entries.Len())
	for c := r.entries.Cursor(); c.Next(); {
		out = append(out, c.Value())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckArgs validates args against sig, widening ints to floats where a
// float is expected. It returns the possibly converted arguments.
func CheckArgs(name string, sig Signature, args []value.Value) ([]value.Value, error) {
	n := len(sig.Args)
	if sig.Variadic {
		if len(args) < n-1 {
			return nil, fmt.Errorf("%w: %s%s takes at least %d arguments, got %d", consts.ErrArgument, name, sig, n-1, len(args))
		}
	} else if len(args) != n {
		return nil, fmt.Errorf("%w: %s%s takes %d arguments, got %d", consts.ErrArgument, name, sig, n, len(args))
	}

	out := args
	copied := false
	for i, a := range args {
		want := sig.Args[min(i, n-1)]
		if want == AnyKind || a.Kind() == want {
			continue
		}
		if want == value.KindFloat && a.Kind() == value.KindInt {
			f, err := value.Cast(value.KindFloat, a)
			if err == nil {
				if !copied {
					out = append([]value.Value(nil), args...)
					copied = true
				}
				out[i] = f
				continue
			}
		}
		return nil, fmt.Errorf("%w: %s argument %d must be %s, got %s", consts.ErrArgument, name, i+1, want, a.Kind())
	}
	return out, nil
}
