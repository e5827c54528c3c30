package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/policyd/acl"
	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/greylist"
	"github.com/migadu/policyd/pkg/health"
	"github.com/migadu/policyd/registry"
	"github.com/migadu/policyd/store"
)

const testKey = "secret-token"

type fakeCounter struct{ total, active int64 }

func (f fakeCounter) GetTotalConnections() int64  { return f.total }
func (f fakeCounter) GetActiveConnections() int64 { return f.active }

type fakeHealth struct{ status health.ComponentStatus }

func (f fakeHealth) GetOverallStatus() health.ComponentStatus { return f.status }
func (f fakeHealth) Snapshot() map[string]health.CheckState {
	return map[string]health.CheckState{"store": {Status: f.status, Critical: true, Checks: 4, Failures: 2, LastError: "breaker open"}}
}

type fixture struct {
	srv     *Server
	handler http.Handler
	gl      *greylist.Engine
	mem     *store.Memory
	engine  *acl.Engine
}

func newFixture(t *testing.T, opts ServerOptions) *fixture {
	t.Helper()
	mem := store.NewMemory()
	gl := greylist.New(mem, greylist.Config{
		Delay: 5 * time.Minute, Visa: 24 * time.Hour,
		Normalizer: greylist.Normalizer{IPv4Prefix: 24, IPv6Prefix: 64},
	})

	reg := registry.New()
	require.NoError(t, registry.RegisterStandard(reg))
	cfg := config.NewDefaultConfig()
	cfg.Rules = []config.RuleConfig{
		{Name: "too-many", Stages: []string{"envrcpt"}, Condition: "recipient_count > 50", Action: "reject"},
		{Name: "grey", Stages: []string{"envrcpt"}, Action: "call", Macro: "greylisting"},
	}
	cfg.Macros = []config.MacroConfig{{Name: "greylisting", Rules: []config.RuleConfig{{Name: "gl", Action: "greylist"}}}}
	rs, err := acl.Compile(&cfg, reg)
	require.NoError(t, err)
	engine := acl.NewEngine(reg, rs, gl, acl.Options{})

	opts.APIKey = testKey
	if opts.Greylist == nil {
		opts.Greylist = gl
	}
	opts.Rules = engine
	if opts.Connections == nil {
		opts.Connections = fakeCounter{total: 12, active: 3}
	}
	srv, err := New(opts)
	require.NoError(t, err)
	srv.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return &fixture{srv: srv, handler: srv.Handler(), gl: gl, mem: mem, engine: engine}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(ServerOptions{})
	assert.Error(t, err)

	_, err = New(ServerOptions{APIKey: "k", AllowedHosts: []string{"not-an-ip"}})
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"lowercase scheme", "bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	f := newFixture(t, ServerOptions{AllowedHosts: []string{"10.0.0.0/8", "192.0.2.7"}})
	tests := []struct {
		remote string
		xff    string
		want   int
	}{
		{"10.1.2.3:5000", "", http.StatusOK},
		{"192.0.2.7:5000", "", http.StatusOK},
		{"[::ffff:10.9.9.9]:5000", "", http.StatusOK},
		{"192.0.2.8:5000", "", http.StatusForbidden},
		{"203.0.113.1:5000", "10.1.2.3", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/status", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("Authorization", "Bearer "+testKey)
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGreylistLifecycle(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	k := f.gl.Config().Normalizer.Key(mustAddr(t, "192.0.2.10"), "<Alice@Example.org>", "bob@example.net")
	_, err := f.gl.Decide(ctx, k, now)
	require.NoError(t, err)

	rec := f.do(t, "GET", "/admin/greylist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Records []RecordResponse `json:"records"`
		Count   int              `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "192.0.2.0/24", list.Records[0].Client)
	assert.False(t, list.Records[0].Valid)
	assert.Nil(t, list.Records[0].VisaExpiry)

	// The filter is normalized like the milter path.
	rec = f.do(t, "GET", "/admin/greylist?client=192.0.2.99&sender=alice@example.org&recipient=BOB@example.net", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	rec = f.do(t, "GET", "/admin/greylist?sender=carol@example.org", nil)
	assert.Contains(t, rec.Body.String(), `"count":0`)

	rec = f.do(t, "POST", "/admin/greylist/pass", TripletRequest{Client: "192.0.2.10", Sender: "alice@example.org", Recipient: "bob@example.net"})
	require.Equal(t, http.StatusOK, rec.Code)
	passed := decode[RecordResponse](t, rec)
	assert.True(t, passed.Valid)
	assert.True(t, passed.Forced)
	require.NotNil(t, passed.VisaExpiry)
	assert.True(t, now.Add(24*time.Hour).Equal(*passed.VisaExpiry))

	rec = f.do(t, "GET", "/admin/greylist/stats", nil)
	assert.JSONEq(t, `{"pending":0,"valid":1}`, rec.Body.String())

	rec = f.do(t, "DELETE", "/admin/greylist?client=192.0.2.0/24&sender=alice@example.org&recipient=bob@example.net", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, found, err := f.gl.Lookup(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)

	rec = f.do(t, "DELETE", "/admin/greylist", TripletRequest{Client: "192.0.2.10", Recipient: "bob@example.net"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGreylistBadRequests(t *testing.T) {
	f := newFixture(t, ServerOptions{})

	req := httptest.NewRequest("POST", "/admin/greylist/pass", bytes.NewBufferString("{not json"))
	req.RemoteAddr = "127.0.0.1:1"
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/admin/greylist/pass", TripletRequest{Sender: "a@example.org"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "PUT", "/admin/greylist", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGreylistStoreUnavailable(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	require.NoError(t, f.mem.Close())

	rec := f.do(t, "GET", "/admin/greylist", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = f.do(t, "POST", "/admin/greylist/pass", TripletRequest{Client: "192.0.2.1", Recipient: "x@example.net"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRulesAndStatus(t *testing.T) {
	reloads := 0
	f := newFixture(t, ServerOptions{Reload: func(context.Context) error {
		reloads++
		if reloads > 1 {
			return errors.New("rule 2: unknown action")
		}
		return nil
	}})

	rec := f.do(t, "GET", "/admin/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decode[RulesResponse](t, rec)
	require.Len(t, rules.Rules, 2)
	assert.Equal(t, "too-many", rules.Rules[0].Name)
	assert.Equal(t, "envrcpt", rules.Rules[0].Stages)
	assert.Equal(t, "reject", rules.Rules[0].Action)
	assert.NotEmpty(t, rules.Rules[0].Condition)
	assert.Equal(t, "greylisting", rules.Rules[1].Macro)
	require.Len(t, rules.Macros["greylisting"], 1)
	assert.Equal(t, "greylist", rules.Macros["greylisting"][0].Action)

	rec = f.do(t, "POST", "/admin/rules/reload", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "POST", "/admin/rules/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown action")

	rec = f.do(t, "GET", "/admin/status", nil)
	assert.JSONEq(t, `{"total_connections":12,"active_connections":3,"rules":2,"greylisting":true}`, rec.Body.String())
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	f.do(t, "GET", "/admin/status", nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "policyd_admin_requests_total")
}

func TestNoGreylist(t *testing.T) {
	srv, err := New(ServerOptions{APIKey: testKey})
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/admin/greylist", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	rec := f.do(t, "GET", "/admin/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","components":{}}`, rec.Body.String())

	f = newFixture(t, ServerOptions{Health: fakeHealth{status: health.StatusUnhealthy}})
	rec = f.do(t, "GET", "/admin/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, health.StatusUnhealthy, resp.Status)
	assert.Equal(t, "breaker open", resp.Components["store"].LastError)

	f = newFixture(t, ServerOptions{Health: fakeHealth{status: health.StatusDegraded}})
	rec = f.do(t, "GET", "/admin/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
