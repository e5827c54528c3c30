package acl

import (
	"context"
	"math"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/greylist"
	"github.com/migadu/policyd/registry"
	"github.com/migadu/policyd/stage"
	"github.com/migadu/policyd/store"
	"github.com/migadu/policyd/value"
)

type attrs = map[string]value.Value

func newTestEngine(t *testing.T, rules []config.RuleConfig, macros []config.MacroConfig, gl *greylist.Engine, opts Options) *Engine {
	t.Helper()
	reg := registry.New()
	require.NoError(t, registry.RegisterStandard(reg))
	cfg := config.NewDefaultConfig()
	cfg.Rules = rules
	cfg.Macros = macros
	rs, err := Compile(&cfg, reg)
	require.NoError(t, err)
	if opts.ProbeInterval == 0 {
		opts.ProbeInterval = 5 * time.Millisecond
	}
	return NewEngine(reg, rs, gl, opts)
}

// envelope drives a connection up to envrcpt and returns the envrcpt
// decision.
func envelope(t *testing.T, c *Conn, rcptAttrs attrs) Decision {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		st stage.Stage
		a  attrs
	}{
		{stage.Connect, attrs{registry.AttrClientAddr: value.Address(netip.MustParseAddr("192.0.2.10")), registry.AttrClientName: value.String("mx.example.org")}},
		{stage.Helo, attrs{registry.AttrHelo: value.String("mx.example.org")}},
		{stage.EnvFrom, attrs{registry.AttrSender: value.String("<alice@example.org>")}},
	}
	for _, s := range steps {
		d, err := c.Stage(ctx, s.st, s.a)
		require.NoError(t, err)
		require.Equal(t, Continue, d.Outcome, "stage %s", s.st)
	}
	d, err := c.Stage(ctx, stage.EnvRcpt, rcptAttrs)
	require.NoError(t, err)
	return d
}

func TestRecipientCountReject(t *testing.T) {
	e := newTestEngine(t, []config.RuleConfig{{
		Name:      "too-many-recipients",
		Stages:    []string{"envrcpt"},
		Condition: "recipient_count > 50",
		Action:    "reject",
		Message:   `"554 5.7.1 Too many recipients"`,
	}}, nil, nil, Options{})

	d := envelope(t, e.NewConnection(context.Background(), nil), attrs{registry.AttrRecipientCount: value.Int(51)})
	assert.Equal(t, Reject, d.Outcome)
	assert.Equal(t, "too-many-recipients", d.Rule)
	require.NotNil(t, d.Reply)
	assert.Equal(t, 554, d.Reply.Code)
	assert.Equal(t, smtp.EnhancedCode{5, 7, 1}, d.Reply.EnhancedCode)
	assert.Equal(t, "Too many recipients", d.Reply.Message)

	d = envelope(t, e.NewConnection(context.Background(), nil), attrs{registry.AttrRecipientCount: value.Int(10)})
	assert.Equal(t, Continue, d.Outcome)
	assert.Nil(t, d.Reply)
}

func TestGreylistTwiceThenPass(t *testing.T) {
	gl := greylist.New(store.NewMemory(), greylist.Config{Delay: 5 * time.Minute, Visa: 24 * time.Hour})
	now := time.Unix(1_700_000_000, 0)
	e := newTestEngine(t, []config.RuleConfig{{
		Name:   "greylist",
		Stages: []string{"envrcpt"},
		Action: "greylist",
	}}, nil, gl, Options{Now: func() time.Time { return now }})

	rcpt := attrs{registry.AttrRecipient: value.String("<bob@example.net>")}
	for i := 0; i < 2; i++ {
		d := envelope(t, e.NewConnection(context.Background(), nil), rcpt)
		assert.Equal(t, TempFail, d.Outcome, "attempt %d", i+1)
		require.NotNil(t, d.Reply)
		assert.Equal(t, 450, d.Reply.Code)
		now = now.Add(time.Minute)
	}

	now = now.Add(5 * time.Minute)
	d := envelope(t, e.NewConnection(context.Background(), nil), rcpt)
	assert.Equal(t, Continue, d.Outcome)
}

func TestGreylistPersistenceFailureTempFails(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Close())
	gl := greylist.New(mem, greylist.Config{Delay: time.Minute, Visa: time.Hour})
	e := newTestEngine(t, []config.RuleConfig{
		{Name: "greylist", Stages: []string{"envrcpt"}, Action: "greylist"},
		{Name: "accept", Stages: []string{"envrcpt"}, Action: "accept"},
	}, nil, gl, Options{})

	d := envelope(t, e.NewConnection(context.Background(), nil), attrs{registry.AttrRecipient: value.String("bob@example.net")})
	assert.Equal(t, TempFail, d.Outcome)
	assert.Equal(t, "greylist", d.Rule)
	require.NotNil(t, d.Reply)
	assert.Equal(t, 451, d.Reply.Code)
}

func TestRepeatedHeloRefreshesCachedAttributes(t *testing.T) {
	e := newTestEngine(t, []config.RuleConfig{
		{Name: "helo-seen", Stages: []string{"helo"}, Condition: `helo_org_domain != ""`, Action: "set", Variable: "helo_seen", Arg: "true"},
		{Name: "spam-helo", Stages: []string{"envfrom"}, Condition: `helo_org_domain == "spam.test"`, Action: "reject", Message: `"550 5.7.1 Bad HELO"`},
	}, nil, nil, Options{})
	ctx := context.Background()
	c := e.NewConnection(ctx, nil)

	_, err := c.Stage(ctx, stage.Connect, attrs{registry.AttrClientName: value.String("mx.example.org")})
	require.NoError(t, err)
	_, err = c.Stage(ctx, stage.Helo, attrs{registry.AttrHelo: value.String("mx.example.org")})
	require.NoError(t, err)
	require.True(t, c.Session().Cached("helo_org_domain"))

	d, err := c.Stage(ctx, stage.Helo, attrs{registry.AttrHelo: value.String("relay.spam.test")})
	require.NoError(t, err)
	assert.Equal(t, Continue, d.Outcome)

	d, err = c.Stage(ctx, stage.EnvFrom, attrs{registry.AttrSender: value.String("<alice@example.org>")})
	require.NoError(t, err)
	assert.Equal(t, Reject, d.Outcome)
	assert.Equal(t, "spam-helo", d.Rule)
}

func TestSeverityAndShortCircuit(t *testing.T) {
	tests := []struct {
		name     string
		rules    []config.RuleConfig
		want     Outcome
		wantRule string
		setRan   bool
	}{
		{
			name: "accept lets later rules run",
			rules: []config.RuleConfig{
				{Name: "a", Action: "accept"},
				{Name: "s", Action: "set", Variable: "ran", Arg: "1"},
			},
			want: Accept, wantRule: "a", setRan: true,
		},
		{
			name: "tempfail stops the stage",
			rules: []config.RuleConfig{
				{Name: "t", Action: "tempfail"},
				{Name: "s", Action: "set", Variable: "ran", Arg: "1"},
			},
			want: TempFail, wantRule: "t",
		},
		{
			name: "most severe wins",
			rules: []config.RuleConfig{
				{Name: "a", Action: "accept"},
				{Name: "d", Action: "discard"},
				{Name: "s", Action: "set", Variable: "ran", Arg: "1"},
			},
			want: Discard, wantRule: "d",
		},
		{
			name: "failing condition is skipped",
			rules: []config.RuleConfig{
				{Name: "bad", Condition: "1 / 0 == 1", Action: "reject"},
				{Name: "s", Action: "set", Variable: "ran", Arg: "1"},
			},
			want: Continue, setRan: true,
		},
		{
			name: "stage violation is no match",
			rules: []config.RuleConfig{
				{Name: "early", Condition: `sender_domain == "example.org"`, Action: "reject"},
			},
			want: Continue,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := range tt.rules {
				tt.rules[i].Stages = []string{"connect"}
			}
			e := newTestEngine(t, tt.rules, nil, nil, Options{})
			c := e.NewConnection(context.Background(), nil)
			d, err := c.Stage(context.Background(), stage.Connect, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Outcome)
			assert.Equal(t, tt.wantRule, d.Rule)
			assert.Equal(t, tt.setRan, !c.Session().Variable("ran").IsAbsent())
		})
	}
}

func TestVariablesAcrossStages(t *testing.T) {
	e := newTestEngine(t, []config.RuleConfig{
		{Name: "mark", Stages: []string{"helo"}, Condition: `helo == "bad.example"`, Action: "set", Variable: "suspicious", Arg: "true"},
		{Name: "block", Stages: []string{"envfrom"}, Condition: "$suspicious", Action: "reject", Message: `"go away " + helo`},
	}, nil, nil, Options{})

	ctx := context.Background()
	c := e.NewConnection(ctx, nil)
	_, err := c.Stage(ctx, stage.Connect, nil)
	require.NoError(t, err)
	_, err = c.Stage(ctx, stage.Helo, attrs{registry.AttrHelo: value.String("bad.example")})
	require.NoError(t, err)
	d, err := c.Stage(ctx, stage.EnvFrom, attrs{registry.AttrSender: value.String("x@y")})
	require.NoError(t, err)
	assert.Equal(t, Reject, d.Outcome)
	require.NotNil(t, d.Reply)
	assert.Equal(t, 550, d.Reply.Code)
	assert.Equal(t, "go away bad.example", d.Reply.Message)
}

func TestMacroCallAndRecursionLimit(t *testing.T) {
	macros := []config.MacroConfig{
		{Name: "limits", Rules: []config.RuleConfig{
			{Name: "limits/count", Condition: "recipient_count > 1", Action: "reject"},
		}},
		{Name: "loop", Rules: []config.RuleConfig{
			{Name: "loop/again", Action: "call", Macro: "loop"},
		}},
	}
	e := newTestEngine(t, []config.RuleConfig{
		{Name: "check", Stages: []string{"envrcpt"}, Action: "call", Macro: "limits"},
	}, macros, nil, Options{MaxDepth: 4})
	d := envelope(t, e.NewConnection(context.Background(), nil), attrs{registry.AttrRecipientCount: value.Int(2)})
	assert.Equal(t, Reject, d.Outcome)
	assert.Equal(t, "limits/count", d.Rule)

	e = newTestEngine(t, []config.RuleConfig{
		{Name: "spin", Stages: []string{"envrcpt"}, Action: "call", Macro: "loop"},
	}, macros, nil, Options{MaxDepth: 4})
	d = envelope(t, e.NewConnection(context.Background(), nil), attrs{})
	assert.Equal(t, Error, d.Outcome)
	assert.Nil(t, d.Reply)
}

func TestTarpit(t *testing.T) {
	rules := []config.RuleConfig{{Name: "slow", Stages: []string{"connect"}, Action: "tarpit", Arg: "0.03"}}
	e := newTestEngine(t, rules, nil, nil, Options{})
	c := e.NewConnection(context.Background(), nil)
	d, err := c.Stage(context.Background(), stage.Connect, nil)
	require.NoError(t, err)
	assert.Equal(t, Continue, d.Outcome)
	assert.GreaterOrEqual(t, d.Delay, 30*time.Millisecond)

	rules[0].Arg = `"10s"`
	e = newTestEngine(t, rules, nil, nil, Options{})
	var probes atomic.Int32
	c = e.NewConnection(context.Background(), func() bool { return probes.Add(1) < 3 })
	start := time.Now()
	d, err = c.Stage(context.Background(), stage.Connect, nil)
	require.NoError(t, err)
	assert.Equal(t, Aborted, d.Outcome)
	assert.Equal(t, "slow", d.Rule)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(3), probes.Load())
}

func TestWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := Wait(ctx, time.Hour, time.Hour, func() bool { return true })
	assert.False(t, ok)
}

func TestTarpitDelay(t *testing.T) {
	limit := 5 * time.Minute
	d, err := tarpitDelay(value.Int(3), limit)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)
	d, err = tarpitDelay(value.String("1m"), limit)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	_, err = tarpitDelay(value.List(), limit)
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)
	_, err = tarpitDelay(value.String("soon"), limit)
	assert.ErrorIs(t, err, consts.ErrArgument)
}

func TestTarpitDelayClamped(t *testing.T) {
	limit := 5 * time.Minute
	for _, tc := range []struct {
		name string
		v    value.Value
		want time.Duration
	}{
		{"huge int", value.Int(math.MaxInt64), limit},
		{"int just over limit", value.Int(301), limit},
		{"int at limit", value.Int(300), limit},
		{"negative int", value.Int(-10), 0},
		{"huge float", value.Float(1e300), limit},
		{"infinite float", value.Float(math.Inf(1)), limit},
		{"negative float", value.Float(-1.5), 0},
		{"fractional float", value.Float(0.25), 250 * time.Millisecond},
		{"long duration string", value.String("36d"), limit},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, err := tarpitDelay(tc.v, limit)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
		})
	}

	_, err := tarpitDelay(value.Float(math.NaN()), limit)
	assert.ErrorIs(t, err, consts.ErrArgument)
}

func TestPipe(t *testing.T) {
	tests := []struct {
		command string
		timeout time.Duration
		want    Outcome
	}{
		{command: `grep -q "^hello from 192.0.2.10$"`, want: Continue},
		{command: `exit 3`, want: Error},
		{command: `exec sleep 5`, timeout: 50 * time.Millisecond, want: Error},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			e := newTestEngine(t, []config.RuleConfig{{
				Name:    "pipe",
				Stages:  []string{"connect"},
				Action:  "pipe",
				Command: tt.command,
				Arg:     `"hello from " + string(client_addr) + "\n"`,
			}}, nil, nil, Options{PipeTimeout: tt.timeout})
			c := e.NewConnection(context.Background(), nil)
			d, err := c.Stage(context.Background(), stage.Connect,
				attrs{registry.AttrClientAddr: value.Address(netip.MustParseAddr("192.0.2.10"))})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Outcome)
		})
	}
}

func TestHeaderModificationsAtEOM(t *testing.T) {
	e := newTestEngine(t, []config.RuleConfig{
		{Name: "tag", Stages: []string{"envrcpt"}, Action: "addheader", Header: "X-Policy", Arg: `"rcpts=" + string(recipient_count)`},
		{Name: "strip", Stages: []string{"eoh"}, Action: "changeheader", Header: "X-Spam", Index: 2},
	}, nil, nil, Options{})
	ctx := context.Background()
	c := e.NewConnection(ctx, nil)
	d := envelope(t, c, attrs{registry.AttrRecipientCount: value.Int(2)})
	assert.Empty(t, d.Modifications)

	for _, st := range []stage.Stage{stage.Header, stage.EOH, stage.Body} {
		d, err := c.Stage(ctx, st, nil)
		require.NoError(t, err)
		assert.Empty(t, d.Modifications)
	}
	d, err := c.Stage(ctx, stage.EOM, attrs{registry.AttrBodySize: value.Int(100)})
	require.NoError(t, err)
	assert.Equal(t, []Modification{
		{Kind: ModAddHeader, Name: "X-Policy", Value: "rcpts=2"},
		{Kind: ModChangeHeader, Name: "X-Spam", Index: 2},
	}, d.Modifications)

	// the next message starts clean
	d, err = c.Stage(ctx, stage.EnvFrom, attrs{registry.AttrSender: value.String("x@y")})
	require.NoError(t, err)
	assert.True(t, c.Session().Attribute(registry.AttrRecipientCount).IsAbsent())
	assert.True(t, c.Session().Attribute(registry.AttrBodySize).IsAbsent())
}

func TestIllegalTransitionAndClose(t *testing.T) {
	e := newTestEngine(t, nil, nil, nil, Options{})
	ctx := context.Background()
	c := e.NewConnection(ctx, nil)
	_, err := c.Stage(ctx, stage.EnvRcpt, nil)
	assert.ErrorIs(t, err, consts.ErrStageTransition)

	_, err = c.Stage(ctx, stage.Connect, attrs{registry.AttrClientName: value.String("a.example")})
	require.NoError(t, err)
	_, err = c.Stage(ctx, stage.Close, nil)
	require.NoError(t, err)
	assert.True(t, c.Session().Attribute(registry.AttrClientName).IsAbsent())
	_, err = c.Stage(ctx, stage.Helo, nil)
	assert.ErrorIs(t, err, consts.ErrStageTransition)
}

func TestSetRules(t *testing.T) {
	e := newTestEngine(t, nil, nil, nil, Options{})
	cfg := config.NewDefaultConfig()
	cfg.Rules = []config.RuleConfig{{Name: "all", Stages: []string{"connect"}, Action: "discard"}}
	rs, err := Compile(&cfg, e.Registry())
	require.NoError(t, err)
	e.SetRules(rs)

	c := e.NewConnection(context.Background(), nil)
	d, err := c.Stage(context.Background(), stage.Connect, nil)
	require.NoError(t, err)
	assert.Equal(t, Discard, d.Outcome)
}

func TestCompileErrors(t *testing.T) {
	reg := registry.New()
	require.NoError(t, registry.RegisterBuiltins(reg))
	tests := map[string]config.RuleConfig{
		"unknown action":   {Action: "explode"},
		"bad stage":        {Action: "reject", Stages: []string{"lunch"}},
		"syntax":           {Action: "reject", Condition: "1 +"},
		"unknown function": {Action: "reject", Condition: "frobnicate(1)"},
		"undefined macro":  {Action: "call", Macro: "nope"},
		"header missing":   {Action: "addheader", Arg: `"x"`},
		"pipe no command":  {Action: "pipe"},
		"set no variable":  {Action: "set", Arg: "1"},
		"tarpit no delay":  {Action: "tarpit"},
	}
	for name, rc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			cfg.Rules = []config.RuleConfig{rc}
			_, err := Compile(&cfg, reg)
			assert.ErrorIs(t, err, consts.ErrInvalidRule)
		})
	}

	cfg := config.NewDefaultConfig()
	cfg.Rules = []config.RuleConfig{{Action: "ACCEPT", Condition: `match("^mx", client_name)`}}
	rs, err := Compile(&cfg, reg)
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, "rule#1", rs.Rules[0].Name)
	assert.Equal(t, stage.AllStages, rs.Rules[0].Stages)
}

func TestBuildReply(t *testing.T) {
	tests := []struct {
		outcome Outcome
		msg     string
		code    int
		enh     smtp.EnhancedCode
		text    string
	}{
		{Reject, "", 550, smtp.EnhancedCode{5, 7, 1}, replyReject.Message},
		{Reject, "no thanks", 550, smtp.EnhancedCode{5, 7, 1}, "no thanks"},
		{Reject, "553 5.1.8 bad sender domain", 553, smtp.EnhancedCode{5, 1, 8}, "bad sender domain"},
		{Reject, "554 go away", 554, smtp.EnhancedCode{5, 7, 1}, "go away"},
		{Reject, "451 4.7.1 wrong class", 550, smtp.EnhancedCode{5, 7, 1}, "451 4.7.1 wrong class"},
		{TempFail, "", 451, smtp.EnhancedCode{4, 7, 1}, replyTempFail.Message},
		{TempFail, "421 4.3.2 shutting down", 421, smtp.EnhancedCode{4, 3, 2}, "shutting down"},
	}
	for _, tt := range tests {
		r := buildReply(tt.outcome, tt.msg, smtp.SMTPError{})
		require.NotNil(t, r, tt.msg)
		assert.Equal(t, tt.code, r.Code, tt.msg)
		assert.Equal(t, tt.enh, r.EnhancedCode, tt.msg)
		assert.Equal(t, tt.text, r.Message, tt.msg)
	}
	assert.Nil(t, buildReply(Accept, "fine", smtp.SMTPError{}))
	assert.Nil(t, buildReply(Discard, "", smtp.SMTPError{}))
}

func TestOutcomeOrder(t *testing.T) {
	order := []Outcome{Continue, Accept, Error, TempFail, Reject, Discard, Aborted}
	for i := 1; i < len(order); i++ {
		assert.True(t, worse(order[i], order[i-1]), "%s > %s", order[i], order[i-1])
	}
	assert.False(t, Accept.Final())
	assert.False(t, Error.Final())
	assert.True(t, TempFail.Final())
	assert.Equal(t, "tempfail", TempFail.String())
}
