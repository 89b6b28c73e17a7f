package engine

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/capi-tool-gateway/internal/audit"
	"github.com/xela07ax/capi-tool-gateway/internal/catalog"
	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/policy"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream/upstreamtest"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type harness struct {
	d        *Dispatcher
	auditor  *audit.Logger
	clock    *fakeClock
	switches *ToolSwitch
	reg      *prometheus.Registry
	calls    atomic.Int32
}

func idSchema(field string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{field: map[string]any{"type": "string"}},
		"required":   []string{field},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		switches: NewToolSwitch(),
		reg:      prometheus.NewRegistry(),
	}
	h.auditor = audit.NewLogger(nil, nil)

	cat := catalog.New()
	require.NoError(t, cat.Register(
		catalog.Tool{
			Name:        "wpe_get_installs",
			Description: "List installs",
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/installs", Tag: "Install"},
			Handler: func(ctx context.Context, params map[string]any, api upstream.API) (any, error) {
				h.calls.Add(1)
				return map[string]any{
					"count":   1,
					"results": []any{map[string]any{"id": "i1", "name": "one", "cname": "x.wpengine.com"}},
				}, nil
			},
		},
		catalog.Tool{
			Name:        "wpe_delete_site",
			Description: "Delete a site",
			InputSchema: idSchema("site_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodDelete, APIPath: "/sites/{site_id}", Tag: "Site"},
			Handler: func(ctx context.Context, params map[string]any, api upstream.API) (any, error) {
				h.calls.Add(1)
				return map[string]any{"success": true, "status": 204}, nil
			},
		},
		catalog.Tool{
			Name:        "wpe_get_site",
			InputSchema: idSchema("site_id"),
			Annotations: catalog.Annotations{HTTPMethod: http.MethodGet, APIPath: "/sites/{site_id}", Tag: "Site"},
			Handler: func(ctx context.Context, params map[string]any, api upstream.API) (any, error) {
				return nil, domain.NewAPIError(404, "Not found (404).", nil, nil)
			},
		},
		catalog.Tool{
			Name:        "wpe_purge_cache",
			Annotations: catalog.Annotations{HTTPMethod: http.MethodPost, APIPath: "/installs/{install_id}/purge_cache", Tag: "Cache"},
			Handler: func(ctx context.Context, params map[string]any, api upstream.API) (any, error) {
				panic("boom")
			},
		},
	))

	d, err := NewDispatcher(Deps{
		Catalog: cat,
		API:     upstreamtest.New(),
		Gate:    policy.NewGate(policy.DefaultTTL, h.clock, nil),
		Auditor: h.auditor,
		Switch:  h.switches,
		Metrics: NewMetrics(h.reg),
	})
	require.NoError(t, err)
	h.d = d
	return h
}

func (h *harness) lastEntry(t *testing.T) audit.Entry {
	t.Helper()
	entries := h.auditor.Entries()
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func TestCall_UnknownTool(t *testing.T) {
	h := newHarness(t)
	res := h.d.Call(context.Background(), "wpe_nope", nil)

	assert.True(t, res.IsError)
	assert.Equal(t, "Unknown tool: wpe_nope", res.Payload)
	assert.Zero(t, h.auditor.Len())
}

func TestCall_ReadToolSummarizedByDefault(t *testing.T) {
	h := newHarness(t)

	res := h.d.Call(WithTraceID(context.Background(), "trace-1"), "wpe_get_installs", map[string]any{})
	require.False(t, res.IsError)
	out := res.Payload.(map[string]any)
	assert.Equal(t, true, out["summary"])
	assert.NotContains(t, out["results"].([]any)[0].(map[string]any), "cname")

	e := h.lastEntry(t)
	assert.Equal(t, audit.OutcomeSuccess, e.Result)
	assert.Equal(t, "trace-1", e.TraceID)
	assert.Equal(t, domain.TierRead, e.Tier)
	assert.Nil(t, e.Confirmed)

	raw := h.d.Call(context.Background(), "wpe_get_installs", map[string]any{"summary": false})
	assert.Contains(t, raw.Payload.(map[string]any)["results"].([]any)[0].(map[string]any), "cname")

	assert.Equal(t, float64(2), testutil.ToFloat64(h.d.metrics.ToolCalls.WithLabelValues("wpe_get_installs", "success")))
}

func TestCall_DestructiveToolRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.d.Call(ctx, "wpe_delete_site", map[string]any{"site_id": "s-1"})
	require.False(t, first.IsError)
	challenge, ok := first.Payload.(*domain.ConfirmationChallenge)
	require.True(t, ok)
	assert.True(t, challenge.RequiresConfirmation)
	assert.Equal(t, domain.TierDestructive, challenge.Tier)
	assert.Zero(t, h.calls.Load())

	e := h.lastEntry(t)
	assert.Equal(t, audit.OutcomeConfirmationRequired, e.Result)
	require.NotNil(t, e.Confirmed)
	assert.False(t, *e.Confirmed)

	second := h.d.Call(ctx, "wpe_delete_site", map[string]any{"site_id": "s-1", "_confirmationToken": challenge.ConfirmationToken})
	require.False(t, second.IsError)
	assert.Equal(t, int32(1), h.calls.Load())
	e = h.lastEntry(t)
	assert.Equal(t, audit.OutcomeSuccess, e.Result)
	require.NotNil(t, e.Confirmed)
	assert.True(t, *e.Confirmed)
	assert.NotContains(t, e.Params, "_confirmationToken")

	replay := h.d.Call(ctx, "wpe_delete_site", map[string]any{"site_id": "s-1", "_confirmationToken": challenge.ConfirmationToken})
	assert.True(t, replay.IsError)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, audit.OutcomeError, h.lastEntry(t).Result)
}

func TestCall_ConfirmationWithChangedParams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.d.Call(ctx, "wpe_delete_site", map[string]any{"site_id": "s-1"})
	token := first.Payload.(*domain.ConfirmationChallenge).ConfirmationToken

	res := h.d.Call(ctx, "wpe_delete_site", map[string]any{"site_id": "s-2", "_confirmationToken": token})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Payload.(map[string]any)["error"], "Parameters changed")
	assert.Zero(t, h.calls.Load())
}

func TestCall_ExpiredConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.d.Call(ctx, "wpe_delete_site", map[string]any{"site_id": "s-1"})
	token := first.Payload.(*domain.ConfirmationChallenge).ConfirmationToken
	h.clock.now = h.clock.now.Add(policy.DefaultTTL + time.Second)

	res := h.d.Call(ctx, "wpe_delete_site", map[string]any{"site_id": "s-1", "_confirmationToken": token})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Payload.(map[string]any)["error"], "expired")
}

func TestCall_ValidationError(t *testing.T) {
	h := newHarness(t)
	res := h.d.Call(context.Background(), "wpe_delete_site", map[string]any{"site_id": 42})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Payload, "Tool error:")
	assert.Zero(t, h.calls.Load())
	assert.Equal(t, audit.OutcomeError, h.lastEntry(t).Result)
}

func TestCall_UpstreamErrorIsStructured(t *testing.T) {
	h := newHarness(t)
	res := h.d.Call(context.Background(), "wpe_get_site", map[string]any{"site_id": "s-1"})

	require.True(t, res.IsError)
	var apiErr *domain.APIError
	require.True(t, errors.As(res.Payload.(map[string]any)["error"].(error), &apiErr))
	assert.Equal(t, 404, apiErr.Code)
	assert.Equal(t, "Not found (404).", h.lastEntry(t).Error)
}

func TestCall_HandlerPanicBecomesToolError(t *testing.T) {
	h := newHarness(t)
	res := h.d.Call(context.Background(), "wpe_purge_cache", map[string]any{"install_id": "i-1"})

	assert.True(t, res.IsError)
	assert.Equal(t, "Tool error: boom", res.Payload)
	assert.Equal(t, "boom", h.lastEntry(t).Error)
}

func TestCall_DisabledTool(t *testing.T) {
	h := newHarness(t)
	h.switches.Disable("wpe_get_installs")

	res := h.d.Call(context.Background(), "wpe_get_installs", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "Tool disabled: wpe_get_installs", res.Payload)
	assert.Zero(t, h.calls.Load())

	for _, def := range h.d.Tools() {
		assert.NotEqual(t, "wpe_get_installs", def.Name)
	}
}

func TestCall_AuditRedactsSecrets(t *testing.T) {
	h := newHarness(t)
	h.d.Call(context.Background(), "wpe_get_installs", map[string]any{"api_key": "k-123", "nested": map[string]any{"password": "p"}})

	e := h.lastEntry(t)
	assert.Equal(t, audit.RedactedMarker, e.Params["api_key"])
	assert.Equal(t, audit.RedactedMarker, e.Params["nested"].(map[string]any)["password"])
}

func TestTools_AddsMetaParams(t *testing.T) {
	h := newHarness(t)

	defs := make(map[string]ToolDefinition)
	for _, def := range h.d.Tools() {
		defs[def.Name] = def
	}

	del := defs["wpe_delete_site"]
	assert.Equal(t, domain.TierDestructive, del.Tier)
	props := del.InputSchema["properties"].(map[string]any)
	assert.Contains(t, props, "_confirmationToken")
	assert.Contains(t, props, "site_id")
	assert.NotContains(t, props, "summary")
	assert.Equal(t, []string{"site_id"}, del.InputSchema["required"])

	list := defs["wpe_get_installs"].InputSchema["properties"].(map[string]any)
	assert.Contains(t, list, "summary")
	assert.NotContains(t, list, "_confirmationToken")
}

func TestNewDispatcher_RequiresCatalogAndAPI(t *testing.T) {
	_, err := NewDispatcher(Deps{})
	assert.Error(t, err)
}
