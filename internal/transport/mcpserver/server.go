// Package mcpserver отдает инструменты шлюза по протоколу MCP (stdio и streamable HTTP).
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/engine"
)

const ServerName = "capi-tool-gateway"

// Caller — то, что умеет исполнять и перечислять инструменты (engine.Dispatcher).
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) engine.CallResult
	Tools() []engine.ToolDefinition
}

type Server struct {
	mcpServer *mcpsdk.Server
	caller    Caller
	logger    *zap.Logger

	mu         sync.Mutex
	registered map[string]struct{}
}

func New(caller Caller, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		caller:     caller,
		logger:     logger.Named("mcp"),
		registered: make(map[string]struct{}),
		mcpServer: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    ServerName,
			Version: version,
		}, nil),
	}
	s.Sync()
	return s
}

// Sync приводит набор инструментов MCP-сервера к текущему листингу caller:
// новые добавляет, пропавшие (например, выключенные) убирает.
// SDK сам рассылает подключенным клиентам notifications/tools/list_changed.
func (s *Server) Sync() {
	defs := s.caller.Tools()

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(defs))
	added := 0
	for _, def := range defs {
		want[def.Name] = struct{}{}
		if _, ok := s.registered[def.Name]; ok {
			continue
		}
		s.addTool(def)
		s.registered[def.Name] = struct{}{}
		added++
	}

	var gone []string
	for name := range s.registered {
		if _, ok := want[name]; !ok {
			gone = append(gone, name)
		}
	}
	if len(gone) > 0 {
		sort.Strings(gone)
		s.mcpServer.RemoveTools(gone...)
		for _, name := range gone {
			delete(s.registered, name)
		}
	}
	s.logger.Info("tools synced",
		zap.Int("count", len(s.registered)), zap.Int("added", added), zap.Strings("removed", gone))
}

func (s *Server) addTool(def engine.ToolDefinition) {
	destructive := def.Tier == domain.TierDestructive
	s.mcpServer.AddTool(&mcpsdk.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: def.InputSchema,
		Annotations: &mcpsdk.ToolAnnotations{
			ReadOnlyHint:    def.Tier == domain.TierRead,
			DestructiveHint: &destructive,
		},
	}, s.handler(def.Name))
}

func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return ToResult(engine.CallResult{Payload: "Tool error: invalid arguments: " + err.Error(), IsError: true}), nil
			}
		}
		return ToResult(s.caller.Call(ctx, name, args)), nil
	}
}

// ToResult упаковывает ответ в один текстовый блок: строка как есть, остальное в JSON с отступами.
func ToResult(res engine.CallResult) *mcpsdk.CallToolResult {
	text, ok := res.Payload.(string)
	if !ok {
		raw, err := json.MarshalIndent(res.Payload, "", "  ")
		if err != nil {
			text, res.IsError = "Tool error: "+err.Error(), true
		} else {
			text = string(raw)
		}
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: res.IsError,
	}
}

// Run обслуживает одну MCP-сессию на stdin/stdout. Блокируется до отмены ctx или EOF.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect подключает сервер к произвольному транспорту (тесты, встраивание).
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// HTTPHandler — streamable HTTP транспорт для монтирования в роутер.
func (s *Server) HTTPHandler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.mcpServer
	}, nil)
}
