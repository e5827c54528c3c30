package acl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/expr"
	"github.com/migadu/policyd/greylist"
	"github.com/migadu/policyd/helpers"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/registry"
	"github.com/migadu/policyd/stage"
	"github.com/migadu/policyd/value"
)

// ActionContext is what an action sees when it runs.
type ActionContext struct {
	Ctx        context.Context
	Stage      stage.Stage
	StageName  string
	Attributes *value.Table
	Session    *registry.Session
	Rule       *Rule

	ruleset *Ruleset
	depth   int
}

// Eval evaluates an action parameter. A missing parameter is Absent.
func (ac *ActionContext) Eval(n expr.Node) (value.Value, error) {
	if n == nil {
		return value.Absent, nil
	}
	return expr.Evaluate(n, ac.Session)
}

// Text evaluates n and renders it for a reply or header.
func (ac *ActionContext) Text(n expr.Node) (string, error) {
	v, err := ac.Eval(n)
	if err != nil || v.IsAbsent() {
		return "", err
	}
	return v.Text(), nil
}

func (c *Conn) dispatch(ac *ActionContext) (result, error) {
	a := &ac.Rule.Action
	switch a.Kind {
	case ActContinue:
		return result{}, nil
	case ActAccept:
		return c.final(ac, Accept), nil
	case ActReject:
		return c.final(ac, Reject), nil
	case ActTempFail:
		return c.final(ac, TempFail), nil
	case ActDiscard:
		return c.final(ac, Discard), nil
	case ActGreylist:
		return c.greylist(ac)
	case ActTarpit:
		return c.tarpit(ac)
	case ActPipe:
		return c.pipe(ac)
	case ActAddHeader, ActChangeHeader:
		return c.header(ac)
	case ActSet:
		v, err := ac.Eval(a.Arg)
		if err != nil {
			return result{}, err
		}
		ac.Session.SetVariable(a.Variable, v)
		return result{}, nil
	case ActCall:
		if ac.depth+1 > c.engine.opts.MaxDepth {
			return result{}, fmt.Errorf("%w: macro %q nested deeper than %d", consts.ErrRecursionLimit, a.Macro, c.engine.opts.MaxDepth)
		}
		macro, ok := ac.ruleset.Macros[a.Macro]
		if !ok {
			return result{}, fmt.Errorf("%w: undefined macro %q", consts.ErrName, a.Macro)
		}
		return c.run(ac.Ctx, ac.ruleset, macro, ac.Stage, ac.depth+1), nil
	}
	return result{}, fmt.Errorf("%w: unknown action %s", consts.ErrInvalidRule, a.Kind)
}

// final builds a result for the fixed-outcome actions. A message that fails
// to evaluate is logged and the default reply is used.
func (c *Conn) final(ac *ActionContext, o Outcome) result {
	msg, err := ac.Text(ac.Rule.Action.Message)
	if err != nil {
		c.ruleError(ac.Ctx, ac.Rule, "message", ac.Rule.Action.Message, err)
	}
	return result{outcome: o, message: msg}
}

func (c *Conn) greylist(ac *ActionContext) (result, error) {
	gl := c.engine.greylist
	if gl == nil {
		return result{}, fmt.Errorf("%w: greylisting is not configured", consts.ErrArgument)
	}
	client, _ := ac.Session.Attribute(registry.AttrClientAddr).AsAddress()
	sender, _ := ac.Session.Attribute(registry.AttrSender).AsString()
	rcpt, _ := ac.Session.Attribute(registry.AttrRecipient).AsString()
	key := gl.Config().Normalizer.Key(client, sender, rcpt)

	res, err := gl.Decide(ac.Ctx, key, c.engine.opts.Now())
	if err != nil {
		return result{}, err
	}
	if res == greylist.Pass {
		return result{}, nil
	}
	out := c.final(ac, TempFail)
	out.reply = replyGreylist
	return out, nil
}

// tarpitDelay turns the tarpit argument into a duration within [0, limit]:
// numbers are seconds, strings use the configuration duration syntax.
func tarpitDelay(v value.Value, limit time.Duration) (time.Duration, error) {
	switch v.Kind() {
	case value.KindInt:
		i, _ := v.AsInt()
		if i <= 0 {
			return 0, nil
		}
		if i >= int64(limit/time.Second)+1 {
			return limit, nil
		}
		return min(time.Duration(i)*time.Second, limit), nil
	case value.KindFloat:
		f, _ := v.AsFloat()
		if math.IsNaN(f) {
			return 0, fmt.Errorf("%w: tarpit delay is NaN", consts.ErrArgument)
		}
		if f <= 0 {
			return 0, nil
		}
		if f >= limit.Seconds() {
			return limit, nil
		}
		return time.Duration(f * float64(time.Second)), nil
	case value.KindString:
		s, _ := v.AsString()
		d, err := helpers.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: tarpit delay: %v", consts.ErrArgument, err)
		}
		return max(0, min(d, limit)), nil
	}
	return 0, fmt.Errorf("%w: tarpit delay must be a number or a duration string, got %s", consts.ErrTypeMismatch, v.Kind())
}

func (c *Conn) tarpit(ac *ActionContext) (result, error) {
	v, err := ac.Eval(ac.Rule.Action.Arg)
	if err != nil {
		return result{}, err
	}
	d, err := tarpitDelay(v, c.engine.opts.MaxTarpit)
	if err != nil {
		return result{}, err
	}
	if d == 0 {
		return result{}, nil
	}

	waited, completed := Wait(ac.Ctx, d, c.engine.opts.ProbeInterval, c.alive)
	metrics.TarpitDelays.Observe(waited.Seconds())
	if !completed {
		metrics.TarpitAborts.Inc()
		logger.InfoContext(ac.Ctx, "ACL: tarpit aborted, peer gone", "connection", c.id, "rule", ac.Rule.Name, "waited", waited)
		return result{outcome: Aborted, delay: waited}, nil
	}
	return result{delay: waited}, nil
}

// Wait blocks for d in steps of at most probe, calling alive after each
// step. It stops early when alive reports false or ctx is done and
// returns the time waited and whether the full delay elapsed.
func Wait(ctx context.Context, d, probe time.Duration, alive Liveness) (time.Duration, bool) {
	start := time.Now()
	timer := time.NewTimer(min(d, probe))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return time.Since(start), false
		case <-timer.C:
		}
		waited := time.Since(start)
		if waited >= d {
			return waited, true
		}
		if !alive() {
			return waited, false
		}
		timer.Reset(min(d-waited, probe))
	}
}

// pipe runs the configured command through the shell with the evaluated
// argument on stdin. A non-zero exit or a timeout yields Error.
func (c *Conn) pipe(ac *ActionContext) (result, error) {
	input, err := ac.Text(ac.Rule.Action.Arg)
	if err != nil {
		return result{}, err
	}

	ctx, cancel := context.WithTimeout(ac.Ctx, c.engine.opts.PipeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.engine.opts.PipeShell, "-c", ac.Rule.Action.Command)
	cmd.Stdin = strings.NewReader(input)
	cmd.Env = append(os.Environ(),
		"POLICYD_CONNECTION_ID="+c.id,
		"POLICYD_STAGE="+ac.StageName,
		"POLICYD_RULE="+ac.Rule.Name,
	)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err = cmd.Run()
	status := "ok"
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() == context.DeadlineExceeded:
		status = "timeout"
	case errors.As(err, &exitErr):
		status = "failed"
	default:
		status = "error"
	}
	metrics.PipeExecutions.WithLabelValues(status).Inc()
	if status == "ok" {
		return result{}, nil
	}
	logger.WarnContext(ac.Ctx, "ACL: pipe command failed", "connection", c.id, "rule", ac.Rule.Name,
		"command", ac.Rule.Action.Command, "status", status, "error", err, "stderr", strings.TrimSpace(stderr.String()))
	return result{outcome: Error}, nil
}

func (c *Conn) header(ac *ActionContext) (result, error) {
	a := &ac.Rule.Action
	text, err := ac.Text(a.Arg)
	if err != nil {
		return result{}, err
	}
	if strings.ContainsAny(text, "\r\n") {
		return result{}, fmt.Errorf("%w: header %s value contains a line break", consts.ErrArgument, a.Header)
	}
	m := Modification{Kind: ModAddHeader, Name: a.Header, Value: text}
	if a.Kind == ActChangeHeader {
		m.Kind = ModChangeHeader
		m.Index = a.Index
	}
	c.pending = append(c.pending, m)
	metrics.HeaderModifications.WithLabelValues(m.Kind.String()).Inc()
	return result{}, nil
}
