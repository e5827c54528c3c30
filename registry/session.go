package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/hashtable"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/stage"
	"github.com/migadu/policyd/value"
)

// Session is the per-connection view of the registry. It owns the
// connection's attribute table, attribute cache and variables. A Session
// belongs to a single connection goroutine and is not safe for concurrent
// use.
type Session struct {
	ctx   context.Context
	reg   *Registry
	stage stage.Stage
	attrs *value.Table
	cache *hashtable.Table[string, value.Value]
	vars  *value.Table
}

// NewSession starts a session. ctx is handed to providers and carries the
// connection id for logging.
func (r *Registry) NewSession(ctx context.Context) *Session {
	return &Session{
		ctx:   ctx,
		reg:   r,
		stage: stage.Connect,
		attrs: value.NewTable(),
		cache: hashtable.New[string, value.Value](hashtable.StringHash, hashtable.Options{}),
		vars:  value.NewTable(),
	}
}

func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Registry() *Registry { return s.reg }

// SetStage sets the stage used for stage gating.
func (s *Session) SetStage(st stage.Stage) {
	s.stage = st
	s.ctx = context.WithValue(s.ctx, consts.StageKey, st.String())
}

func (s *Session) Stage() stage.Stage { return s.stage }

// SetAttribute installs a raw attribute supplied by the protocol layer.
// Setting Absent removes it.
func (s *Session) SetAttribute(name string, v value.Value) {
	s.attrs.Set(name, v)
}

// Attribute returns a raw attribute without consulting providers.
func (s *Session) Attribute(name string) value.Value {
	return s.attrs.Get(name)
}

// Attributes returns the attribute table. It stays owned by the session.
func (s *Session) Attributes() *value.Table {
	return s.attrs
}

// Variable returns a connection variable, Absent when unset.
func (s *Session) Variable(name string) value.Value {
	return s.vars.Get(name)
}

// SetVariable stores a copy of v. Absent unsets the variable.
func (s *Session) SetVariable(name string, v value.Value) {
	s.vars.Set(name, v)
}

// Resolve returns the value of an attribute. The per-connection cache is
// consulted first, then the raw attribute table. Otherwise the registered
// provider is invoked if the current stage is in its mask. A cached value
// stays available after the stages in its mask have passed.
func (s *Session) Resolve(name string) (value.Value, error) {
	if v, ok := s.cache.Lookup(name); ok {
		return v, nil
	}
	if s.attrs.Has(name) {
		return s.attrs.Get(name), nil
	}

	e, ok := s.reg.Lookup(name)
	if !ok || e.Kind != KindAttribute {
		return value.Absent, fmt.Errorf("%w: unknown attribute %q", consts.ErrName, name)
	}
	if !e.Stages.Has(s.stage) {
		return value.Absent, fmt.Errorf("%w: %q is not available at %s (available at %s)",
			consts.ErrStageViolation, name, s.stage, e.Stages)
	}

	start := time.Now()
	v, err := s.invokeProvider(e)
	metrics.ProviderDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(name).Inc()
		return value.Absent, err
	}

	if e.Cache == CachePerConnection {
		s.cache.Upsert(name, value.Copy(v))
	}
	return v, nil
}

func (s *Session) invokeProvider(e *Entry) (v value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(s.ctx, "Attribute provider panicked", "attribute", e.Name, "panic", r, "stack", string(debug.Stack()))
			v, err = value.Absent, fmt.Errorf("%w: attribute %q: panic: %v", consts.ErrProvider, e.Name, r)
		}
	}()
	v, err = e.provider(s)
	if err != nil {
		if errors.Is(err, consts.ErrProvider) {
			return value.Absent, err
		}
		return value.Absent, fmt.Errorf("%w: attribute %q: %w", consts.ErrProvider, e.Name, err)
	}
	return v, nil
}

// Call invokes a registered function after validating its arguments.
func (s *Session) Call(name string, args []value.Value) (value.Value, error) {
	e, ok := s.reg.Lookup(name)
	if !ok || e.Kind != KindFunction {
		return value.Absent, fmt.Errorf("%w: unknown function %q", consts.ErrName, name)
	}
	args, err := CheckArgs(name, e.Sig, args)
	if err != nil {
		return value.Absent, err
	}
	return s.invokeFunc(e, args)
}

func (s *Session) invokeFunc(e *Entry, args []value.Value) (v value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(s.ctx, "Function panicked", "function", e.Name, "panic", r)
			v, err = value.Absent, fmt.Errorf("%w: function %q: panic: %v", consts.ErrProvider, e.Name, r)
		}
	}()
	return e.fn(s, args)
}

// Cached reports whether name currently has a cached value.
func (s *Session) Cached(name string) bool {
	_, ok := s.cache.Lookup(name)
	return ok
}

// ForgetCached drops cached values for names.
func (s *Session) ForgetCached(names ...string) {
	for _, n := range names {
		s.cache.Remove(n)
	}
}

// ForgetCachedAfter drops cached attributes that are unavailable at st.
// Those were computed from protocol data that arrives later than st, so a
// repeated HELO or a new transaction makes them stale.
func (s *Session) ForgetCachedAfter(st stage.Stage) {
	for _, name := range s.cache.Keys() {
		if e, ok := s.reg.Lookup(name); ok && !e.Stages.Has(st) {
			s.cache.Remove(name)
		}
	}
}

// Invalidate releases everything owned by the session. It is called when
// the connection closes.
func (s *Session) Invalidate() {
	s.cache.Clear()
	s.cache.Compact()
	s.attrs = value.NewTable()
	s.vars = value.NewTable()
}
