// Package acl evaluates the configured rules at each protocol stage of a
// connection and turns the matched actions into a decision.
package acl

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/expr"
	"github.com/migadu/policyd/greylist"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/registry"
	"github.com/migadu/policyd/stage"
	"github.com/migadu/policyd/value"
)

// Options tune action execution.
type Options struct {
	MaxDepth      int           // nesting limit of call actions
	PipeTimeout   time.Duration // per pipe command
	PipeShell     string
	ProbeInterval time.Duration // tarpit liveness probe interval
	MaxTarpit     time.Duration // upper bound of one tarpit delay
	Now           func() time.Time
}

// OptionsFrom reads the [engine] and [tarpit] sections.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		MaxDepth:      cfg.Engine.GetMaxDepthWithDefault(),
		PipeTimeout:   cfg.Engine.GetPipeTimeoutWithDefault(),
		PipeShell:     cfg.Engine.GetPipeShellWithDefault(),
		ProbeInterval: cfg.Tarpit.GetProbeIntervalWithDefault(),
		MaxTarpit:     cfg.Tarpit.GetMaxDelayWithDefault(),
	}
}

func (o *Options) fill() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 8
	}
	if o.PipeTimeout <= 0 {
		o.PipeTimeout = 10 * time.Second
	}
	if o.PipeShell == "" {
		o.PipeShell = "/bin/sh"
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = time.Second
	}
	if o.MaxTarpit <= 0 {
		o.MaxTarpit = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine holds what all connections share: the frozen registry, the
// current ruleset and the greylist engine.
type Engine struct {
	reg      *registry.Registry
	rules    atomic.Pointer[Ruleset]
	greylist *greylist.Engine
	opts     Options
	nextID   atomic.Uint64
}

// NewEngine freezes reg. gl may be nil when no rule greylists.
func NewEngine(reg *registry.Registry, rules *Ruleset, gl *greylist.Engine, opts Options) *Engine {
	opts.fill()
	reg.Freeze()
	e := &Engine{reg: reg, greylist: gl, opts: opts}
	e.rules.Store(rules)
	return e
}

// Rules returns the active ruleset.
func (e *Engine) Rules() *Ruleset { return e.rules.Load() }

// SetRules replaces the ruleset. Connections pick it up at their next
// stage.
func (e *Engine) SetRules(rs *Ruleset) {
	e.rules.Store(rs)
	logger.Info("ACL: ruleset replaced", "rules", len(rs.Rules), "macros", len(rs.Macros))
}

func (e *Engine) Registry() *registry.Registry { return e.reg }

// Liveness reports whether the peer of a connection is still there. The
// tarpit action polls it while waiting.
type Liveness func() bool

// NewConnection starts the per-connection state. alive may be nil.
func (e *Engine) NewConnection(ctx context.Context, alive Liveness) *Conn {
	if alive == nil {
		alive = func() bool { return true }
	}
	id := fmt.Sprintf("%x-%d", time.Now().UnixNano(), e.nextID.Add(1))
	if v, ok := ctx.Value(consts.ConnectionIDKey).(string); ok && v != "" {
		id = v
	} else {
		ctx = context.WithValue(ctx, consts.ConnectionIDKey, id)
	}
	s := e.reg.NewSession(ctx)
	s.SetAttribute(registry.AttrConnectionID, value.String(id))
	return &Conn{engine: e, id: id, session: s, alive: alive}
}

// ModKind is a header modification type.
type ModKind uint8

const (
	ModAddHeader ModKind = iota
	ModChangeHeader
)

func (k ModKind) String() string {
	if k == ModChangeHeader {
		return "change"
	}
	return "add"
}

// Modification is a header change requested by a rule. The protocol layer
// applies it at end of message. A ModChangeHeader with an empty Value
// removes the Index-th occurrence of the header.
type Modification struct {
	Kind  ModKind
	Name  string
	Value string
	Index int
}

// Decision is the aggregated result of one stage.
type Decision struct {
	Outcome Outcome
	Stage   stage.Stage
	Rule    string // rule that produced the outcome, empty for Continue
	Message string
	// Reply is set for TempFail and Reject.
	Reply *smtp.SMTPError
	// Modifications are delivered with the eom decision.
	Modifications []Modification
	// Delay is the time spent in tarpit actions.
	Delay time.Duration
}

// Conn is the rule state of one connection. Stage must be called from one
// goroutine at a time.
type Conn struct {
	engine  *Engine
	id      string
	session *registry.Session
	machine stage.Machine
	alive   Liveness
	pending []Modification
}

func (c *Conn) ID() string { return c.id }

// Session exposes the registry session of the connection.
func (c *Conn) Session() *registry.Session { return c.session }

// InMessage reports whether a transaction is open, i.e. envfrom was seen
// and neither eom nor abort followed.
func (c *Conn) InMessage() bool { return c.machine.InMessage() }

// result accumulates the outcome of a rule list.
type result struct {
	outcome Outcome
	rule    string
	message string
	reply   smtp.SMTPError
	delay   time.Duration
}

func (r *result) merge(o result) {
	r.delay += o.delay
	if worse(o.outcome, r.outcome) {
		o.delay = r.delay
		*r = o
	}
}

// Stage installs attrs, evaluates the rules of st and returns the
// decision. The only error returned is an illegal stage transition.
func (c *Conn) Stage(ctx context.Context, st stage.Stage, attrs map[string]value.Value) (Decision, error) {
	if err := c.machine.Advance(st); err != nil {
		logger.WarnContext(ctx, "ACL: stage rejected", "connection", c.id, "stage", st.String(), "error", err)
		return Decision{Outcome: Error, Stage: st}, err
	}

	switch st {
	case stage.Helo:
		c.session.ForgetCachedAfter(stage.Connect)
	case stage.EnvFrom:
		c.resetMessage()
	case stage.Abort:
		c.pending = nil
	}
	c.session.SetStage(st)
	for name, v := range attrs {
		c.session.SetAttribute(name, v)
	}

	start := time.Now()
	rs := c.engine.rules.Load()
	res := c.run(ctx, rs, rs.Rules, st, 0)
	metrics.EvaluationDuration.WithLabelValues(st.String()).Observe(time.Since(start).Seconds())
	metrics.StageDecisions.WithLabelValues(st.String(), res.outcome.String()).Inc()

	d := Decision{
		Outcome: res.outcome,
		Stage:   st,
		Rule:    res.rule,
		Message: res.message,
		Delay:   res.delay,
		Reply:   buildReply(res.outcome, res.message, res.reply),
	}
	if st == stage.EOM {
		d.Modifications = c.pending
		c.pending = nil
	}
	if st == stage.Close {
		c.session.Invalidate()
	}

	if res.outcome != Continue {
		logger.InfoContext(ctx, "ACL decision", "connection", c.id, "stage", st.String(),
			"outcome", res.outcome.String(), "rule", res.rule, "message", res.message)
	}
	return d, nil
}

func (c *Conn) resetMessage() {
	for _, name := range registry.MessageAttributes {
		c.session.SetAttribute(name, value.Absent)
	}
	c.session.ForgetCachedAfter(stage.Helo)
	c.pending = nil
}

// run evaluates rules applicable at st in order until one yields a final
// outcome.
func (c *Conn) run(ctx context.Context, rs *Ruleset, rules []*Rule, st stage.Stage, depth int) result {
	var res result
	for _, r := range rules {
		if !r.Stages.Has(st) {
			continue
		}
		if r.Condition != nil {
			ok, err := expr.EvaluateBool(r.Condition, c.session)
			if err != nil {
				c.ruleError(ctx, r, "condition", r.Condition, err)
				continue
			}
			if !ok {
				continue
			}
		}
		metrics.RuleMatches.WithLabelValues(r.Name).Inc()

		out := c.execute(&ActionContext{
			Ctx:        ctx,
			Stage:      st,
			StageName:  st.String(),
			Attributes: c.session.Attributes(),
			Session:    c.session,
			Rule:       r,
			ruleset:    rs,
			depth:      depth,
		})
		res.merge(out)
		if res.outcome.Final() {
			break
		}
	}
	return res
}

func (c *Conn) ruleError(ctx context.Context, r *Rule, what string, n expr.Node, err error) {
	src := ""
	if n != nil {
		src = n.String()
	}
	metrics.RuleErrors.WithLabelValues(r.Name, consts.ErrorKind(err)).Inc()
	logger.WarnContext(ctx, "ACL: rule evaluation failed", "connection", c.id, "stage", c.session.Stage().String(),
		"rule", r.Name, "part", what, "expression", src, "error", err)
}

// execute runs the action of a matched rule. Errors never escape: a
// persistence failure becomes TempFail, anything else becomes Error.
func (c *Conn) execute(ac *ActionContext) (res result) {
	defer func() {
		if p := recover(); p != nil {
			c.ruleError(ac.Ctx, ac.Rule, "action", nil, fmt.Errorf("%w: action panic: %v", consts.ErrProvider, p))
			res = result{outcome: Error, rule: ac.Rule.Name}
		}
	}()

	res, err := c.dispatch(ac)
	if err == nil {
		if res.rule == "" {
			res.rule = ac.Rule.Name
		}
		return res
	}
	c.ruleError(ac.Ctx, ac.Rule, "action "+ac.Rule.Action.Kind.String(), ac.Rule.Action.Arg, err)
	if errors.Is(err, consts.ErrPersistence) {
		return result{outcome: TempFail, rule: ac.Rule.Name, reply: replyTempFail, delay: res.delay}
	}
	return result{outcome: Error, rule: ac.Rule.Name, delay: res.delay}
}
