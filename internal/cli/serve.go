package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/infra/auth"
	"github.com/xela07ax/capi-tool-gateway/internal/transport/httpapi"
	"github.com/xela07ax/capi-tool-gateway/internal/transport/mcpserver"
)

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.host/server.port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and MCP over streamable HTTP",
	Long:  "Starts the HTTP server: /v1/tools REST calls, /mcp streamable transport, /health and /metrics.\nWhen auth.public_key_path is set, every /v1 and /mcp request needs an RS256 token: tools:call for listing and calling tools,\ntools:admin for enabling, disabling tools and reading the audit log.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}

	var validator auth.TokenValidator
	if len(a.cfg.Auth.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(a.cfg.Auth.PublicKey)
		if err != nil {
			_ = a.shutdown(ctx)
			return fmt.Errorf("auth public key: %w", err)
		}
		validator = auth.NewRSAValidator(key,
			auth.WithIssuer(a.cfg.Auth.Issuer),
			auth.WithAudience(a.cfg.Auth.Audience),
			auth.WithLeeway(a.cfg.Auth.Leeway),
		)
	} else {
		a.logger.Warn("auth.public_key_path is empty, HTTP API is unauthenticated")
	}

	mcp := mcpserver.New(a.dispatcher, Version, a.logger)
	// Переключение через /v1/tools/{name}/disable меняет и листинг MCP
	a.switches.OnChange(func(string, bool) { mcp.Sync() })

	api := httpapi.NewServer(httpapi.Options{
		Caller:    a.dispatcher,
		MCP:       mcp.HTTPHandler(),
		Validator: validator,
		Gatherer:  a.registry,
		Audit:     a.auditor,
		Switch:    a.switches,
		Logger:    a.logger,

		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	})

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr()
	}
	return runUntilDone(a, func() error {
		a.logger.Info("starting HTTP API", zap.String("addr", addr))
		return api.ListenAndServe(ctx, addr, shutdownTimeout)
	})
}
