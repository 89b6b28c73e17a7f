package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/xela07ax/capi-tool-gateway/internal/transport/mcpserver"
)

func init() {
	rootCmd.AddCommand(stdioCmd)
}

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve MCP over stdin/stdout (default)",
	Long:  "Runs a single MCP session on stdin/stdout. Logs go to stderr so the protocol stream stays clean.",
	Args:  cobra.NoArgs,
	RunE:  runStdio,
}

func runStdio(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	srv := mcpserver.New(a.dispatcher, Version, a.logger)

	return runUntilDone(a, func() error {
		a.logger.Info("serving MCP on stdio")
		err := srv.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}
