// Package httpapi — HTTP-периметр шлюза: REST-вызов инструментов, MCP over HTTP, health и метрики.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/audit"
	"github.com/xela07ax/capi-tool-gateway/internal/domain"
	"github.com/xela07ax/capi-tool-gateway/internal/engine"
	"github.com/xela07ax/capi-tool-gateway/internal/infra/auth"
	"github.com/xela07ax/capi-tool-gateway/internal/transport/mcpserver"
)

const maxBodyBytes = 1 << 20

// AuditReader отдает записи журнала, еще не сброшенные в sink.
type AuditReader interface {
	Entries() []audit.Entry
}

type Options struct {
	Caller    mcpserver.Caller
	MCP       http.Handler        // при nil /mcp не монтируется
	Validator auth.TokenValidator // при nil API без аутентификации
	Gatherer  prometheus.Gatherer // при nil prometheus.DefaultGatherer
	Audit     AuditReader         // при nil /v1/audit не монтируется
	Switch    *engine.ToolSwitch  // при nil управление инструментами недоступно
	Logger    *zap.Logger

	// Таймауты http.Server. Ноль означает отсутствие ограничения.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	router *chi.Mux
	opts   Options
	logger *zap.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
		logger: opts.Logger.Named("http-api"),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	// Переключение инструментов и журнал доступны только с tools:admin.
	call := s.requireScope(domain.ScopeToolsCall)
	admin := s.requireScope(domain.ScopeToolsAdmin)

	r.Route("/v1/tools", func(r chi.Router) {
		r.With(call).Get("/", s.listTools)
		r.With(call).Post("/{name}", s.callTool)
		if s.opts.Switch != nil {
			r.With(admin).Post("/{name}/disable", s.disableTool)
			r.With(admin).Post("/{name}/enable", s.enableTool)
		}
	})
	if s.opts.Audit != nil {
		r.With(admin).Get("/v1/audit", s.auditLog)
	}
	if s.opts.MCP != nil {
		r.With(call).Handle("/mcp", s.opts.MCP)
		r.With(call).Handle("/mcp/*", s.opts.MCP)
	}
}

// requireScope — middleware проверки токена. Без валидатора пропускает все.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	if s.opts.Validator == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.NewMiddleware(s.opts.Validator, scope, s.logger)
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.opts.Caller.Tools()})
}

// callTool: POST /v1/tools/{name}, в теле объект аргументов (может быть пустым).
// Отказ инструмента отдается как 200 с isError, HTTP-ошибки только для кривого запроса.
func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	args := map[string]any{}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeError(w, http.StatusBadRequest, "body must be a JSON object")
			return
		}
	}

	writeJSON(w, http.StatusOK, s.opts.Caller.Call(r.Context(), name, args))
}

func (s *Server) disableTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.opts.Switch.Disable(name)
	s.logger.Warn("tool disabled", zap.String("tool", name), zap.String("trace_id", engine.TraceID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.opts.Switch.Enable(name)
	s.logger.Info("tool enabled", zap.String("tool", name))
	w.WriteHeader(http.StatusNoContent)
}

// auditLog: GET /v1/audit?tool=...&limit=N: свежие записи из буфера, новые в конце.
func (s *Server) auditLog(w http.ResponseWriter, r *http.Request) {
	tool := r.URL.Query().Get("tool")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := make([]audit.Entry, 0)
	for _, e := range s.opts.Audit.Entries() {
		if tool == "" || e.ToolName == tool {
			entries = append(entries, e)
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ListenAndServe блокируется до отмены ctx, затем дает активным запросам shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := s.httpServer(addr)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) httpServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
