package mcpserver

import (
	"context"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/engine"
)

type fakeCaller struct {
	mu       sync.Mutex
	args     []map[string]any
	switches *engine.ToolSwitch
}

func (f *fakeCaller) Tools() []engine.ToolDefinition {
	defs := []engine.ToolDefinition{
		{
			Name:        "wpe_get_accounts",
			Description: "List accounts",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Tier:        domain.TierRead,
		},
		{
			Name:        "wpe_delete_site",
			Description: "Delete a site",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"site_id": map[string]any{"type": "string"}},
				"required":   []string{"site_id"},
			},
			Tier: domain.TierDestructive,
		},
	}
	out := defs[:0]
	for _, d := range defs {
		if !f.switches.IsDisabled(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeCaller) Call(_ context.Context, name string, args map[string]any) engine.CallResult {
	f.mu.Lock()
	f.args = append(f.args, args)
	f.mu.Unlock()
	if name == "wpe_delete_site" {
		return engine.CallResult{Payload: "Tool error: boom", IsError: true}
	}
	return engine.CallResult{Payload: map[string]any{"results": []any{"a1"}}}
}

func connect(t *testing.T, caller Caller) *mcpsdk.ClientSession {
	t.Helper()
	return connectServer(t, New(caller, "test", nil), nil)
}

func connectServer(t *testing.T, srv *Server, opts *mcpsdk.ClientOptions) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientT, serverT := mcpsdk.NewInMemoryTransports()

	_, err := srv.Connect(ctx, serverT)
	require.NoError(t, err)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "v0"}, opts)
	session, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestServer_ListsTools(t *testing.T) {
	session := connect(t, &fakeCaller{})

	res, err := session.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		if tool.Name == "wpe_delete_site" {
			require.NotNil(t, tool.Annotations)
			require.NotNil(t, tool.Annotations.DestructiveHint)
			assert.True(t, *tool.Annotations.DestructiveHint)
		}
	}
	assert.ElementsMatch(t, []string{"wpe_get_accounts", "wpe_delete_site"}, names)
}

func listNames(t *testing.T, session *mcpsdk.ClientSession) []string {
	t.Helper()
	res, err := session.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	require.NoError(t, err)
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestServer_SyncFollowsToolSwitch(t *testing.T) {
	caller := &fakeCaller{switches: engine.NewToolSwitch()}
	srv := New(caller, "test", nil)
	caller.switches.OnChange(func(string, bool) { srv.Sync() })

	changed := make(chan struct{}, 4)
	session := connectServer(t, srv, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcpsdk.ToolListChangedRequest) { changed <- struct{}{} },
	})

	caller.switches.Disable("wpe_delete_site")
	assert.Equal(t, []string{"wpe_get_accounts"}, listNames(t, session))
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("client was not notified about the tool list change")
	}

	caller.switches.Enable("wpe_delete_site")
	assert.ElementsMatch(t, []string{"wpe_get_accounts", "wpe_delete_site"}, listNames(t, session))
}

func TestServer_CallTool(t *testing.T) {
	caller := &fakeCaller{}
	session := connect(t, caller)
	ctx := context.Background()

	ok, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "wpe_get_accounts", Arguments: map[string]any{"summary": false}})
	require.NoError(t, err)
	assert.False(t, ok.IsError)
	require.Len(t, ok.Content, 1)
	assert.JSONEq(t, `{"results":["a1"]}`, ok.Content[0].(*mcpsdk.TextContent).Text)

	failed, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "wpe_delete_site", Arguments: map[string]any{"site_id": "s1"}})
	require.NoError(t, err)
	assert.True(t, failed.IsError)
	assert.Equal(t, "Tool error: boom", failed.Content[0].(*mcpsdk.TextContent).Text)

	caller.mu.Lock()
	defer caller.mu.Unlock()
	require.Len(t, caller.args, 2)
	assert.Equal(t, false, caller.args[0]["summary"])
	assert.Equal(t, "s1", caller.args[1]["site_id"])
}

func TestToResult_MarshalsPayload(t *testing.T) {
	res := ToResult(engine.CallResult{Payload: map[string]any{"a": 1}})
	assert.False(t, res.IsError)
	assert.Equal(t, "{\n  \"a\": 1\n}", res.Content[0].(*mcpsdk.TextContent).Text)

	bad := ToResult(engine.CallResult{Payload: make(chan int)})
	assert.True(t, bad.IsError)
}
