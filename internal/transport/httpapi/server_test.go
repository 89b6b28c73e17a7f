package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/capi-tool-gateway/internal/audit"
	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/engine"
	"github.com/xela07ax/capi-tool-gateway/internal/infra/auth"
)

type stubCaller struct {
	switches *engine.ToolSwitch
	gotName  string
	gotArgs  map[string]any
	gotTrace string
}

func (s *stubCaller) Tools() []engine.ToolDefinition {
	defs := []engine.ToolDefinition{
		{Name: "wpe_get_accounts", Tier: domain.TierRead, InputSchema: map[string]any{"type": "object"}},
		{Name: "wpe_delete_site", Tier: domain.TierDestructive, InputSchema: map[string]any{"type": "object"}},
	}
	out := defs[:0]
	for _, d := range defs {
		if !s.switches.IsDisabled(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

func (s *stubCaller) Call(ctx context.Context, name string, args map[string]any) engine.CallResult {
	s.gotName, s.gotArgs, s.gotTrace = name, args, engine.TraceID(ctx)
	if name == "wpe_missing" {
		return engine.CallResult{Payload: "Unknown tool: " + name, IsError: true}
	}
	return engine.CallResult{Payload: map[string]any{"ok": true}}
}

type stubAudit []audit.Entry

func (s stubAudit) Entries() []audit.Entry { return s }

func newTestServer(t *testing.T, mutate ...func(*Options)) (*httptest.Server, *stubCaller) {
	t.Helper()
	caller := &stubCaller{switches: engine.NewToolSwitch()}
	opts := Options{
		Caller:   caller,
		Gatherer: prometheus.NewRegistry(),
		Switch:   caller.switches,
		Audit: stubAudit{
			{ToolName: "wpe_get_accounts", Result: audit.OutcomeSuccess},
			{ToolName: "wpe_delete_site", Result: audit.OutcomeConfirmationRequired},
			{ToolName: "wpe_get_accounts", Result: audit.OutcomeError},
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv := httptest.NewServer(NewServer(opts))
	t.Cleanup(srv.Close)
	return srv, caller
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(engine.TraceHeader))

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine.NewMetrics(reg).ToolCalls.WithLabelValues("wpe_get_accounts", "success").Inc()
	srv, _ := newTestServer(t, func(o *Options) { o.Gatherer = reg })

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "capigw_tool_calls_total")
}

func TestServer_CallTool(t *testing.T) {
	srv, caller := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/tools/wpe_get_accounts", strings.NewReader(`{"summary":false}`))
	req.Header.Set(engine.TraceHeader, "trace-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var res engine.CallResult
	decode(t, resp, &res)
	assert.False(t, res.IsError)
	assert.Equal(t, map[string]any{"ok": true}, res.Payload)
	assert.Equal(t, "wpe_get_accounts", caller.gotName)
	assert.Equal(t, false, caller.gotArgs["summary"])
	assert.Equal(t, "trace-42", caller.gotTrace)
}

func TestServer_CallToolEmptyBodyAndErrors(t *testing.T) {
	srv, caller := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tools/wpe_missing", "application/json", nil)
	require.NoError(t, err)
	var res engine.CallResult
	decode(t, resp, &res)
	assert.True(t, res.IsError)
	assert.Equal(t, "Unknown tool: wpe_missing", res.Payload)
	assert.Empty(t, caller.gotArgs)

	resp, err = http.Post(srv.URL+"/v1/tools/wpe_get_accounts", "application/json", strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DisableEnable(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tools/wpe_delete_site/disable", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/tools")
	require.NoError(t, err)
	var list struct {
		Tools []engine.ToolDefinition `json:"tools"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "wpe_get_accounts", list.Tools[0].Name)

	resp, err = http.Post(srv.URL+"/v1/tools/wpe_delete_site/enable", "", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/tools")
	require.NoError(t, err)
	decode(t, resp, &list)
	assert.Len(t, list.Tools, 2)
}

func TestServer_AuditFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/audit?tool=wpe_get_accounts&limit=1")
	require.NoError(t, err)
	var body struct {
		Entries []audit.Entry `json:"entries"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, audit.OutcomeError, body.Entries[0].Result)

	resp, err = http.Get(srv.URL + "/v1/audit?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func signToken(t *testing.T, key *rsa.PrivateKey, scopes ...string) string {
	t.Helper()
	claims := domain.CustomClaims{
		UserID: "op-1",
		Scopes: map[string]bool{},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	for _, sc := range scopes {
		claims.Scopes[sc] = true
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func doWithToken(t *testing.T, method, url, token string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestServer_SwitchNeedsAdminScope(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv, caller := newTestServer(t, func(o *Options) { o.Validator = auth.NewRSAValidator(&key.PublicKey) })
	caller.switches.Disable("wpe_delete_site")

	agent := signToken(t, key, domain.ScopeToolsCall)
	assert.Equal(t, http.StatusForbidden, doWithToken(t, http.MethodPost, srv.URL+"/v1/tools/wpe_delete_site/enable", agent))
	assert.Equal(t, http.StatusForbidden, doWithToken(t, http.MethodPost, srv.URL+"/v1/tools/wpe_get_accounts/disable", agent))
	assert.Equal(t, http.StatusForbidden, doWithToken(t, http.MethodGet, srv.URL+"/v1/audit", agent))
	assert.True(t, caller.switches.IsDisabled("wpe_delete_site"))
	assert.False(t, caller.switches.IsDisabled("wpe_get_accounts"))
	assert.Equal(t, http.StatusOK, doWithToken(t, http.MethodPost, srv.URL+"/v1/tools/wpe_get_accounts", agent))

	operator := signToken(t, key, domain.ScopeToolsAdmin)
	assert.Equal(t, http.StatusForbidden, doWithToken(t, http.MethodPost, srv.URL+"/v1/tools/wpe_get_accounts", operator))
	assert.Equal(t, http.StatusNoContent, doWithToken(t, http.MethodPost, srv.URL+"/v1/tools/wpe_delete_site/enable", operator))
	assert.False(t, caller.switches.IsDisabled("wpe_delete_site"))
	assert.Equal(t, http.StatusOK, doWithToken(t, http.MethodGet, srv.URL+"/v1/audit", operator))
}

func TestServer_AppliesTimeouts(t *testing.T) {
	s := NewServer(Options{
		Caller:       &stubCaller{switches: engine.NewToolSwitch()},
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 7 * time.Second,
	})
	hs := s.httpServer("127.0.0.1:0")

	assert.Equal(t, 5*time.Second, hs.ReadTimeout)
	assert.Equal(t, 7*time.Second, hs.WriteTimeout)
	assert.Equal(t, 10*time.Second, hs.ReadHeaderTimeout)
}

func TestServer_RequiresToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv, _ := newTestServer(t, func(o *Options) { o.Validator = auth.NewRSAValidator(&key.PublicKey) })

	resp, err := http.Get(srv.URL + "/v1/tools")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	claims := domain.CustomClaims{
		UserID: "op-1",
		Scopes: map[string]bool{domain.ScopeToolsCall: true},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	s := NewServer(Options{Caller: &stubCaller{switches: engine.NewToolSwitch()}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0", time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
