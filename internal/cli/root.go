// Package cli — команды capigw: MCP на stdio, HTTP-сервер и утилиты каталога.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/infra"
)

// Version подставляется при сборке через -ldflags "-X ...cli.Version=...".
var Version = "dev"

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "capigw",
	Short:         "Safety-gated tool gateway for the WP Engine Customer API",
	Long:          "Exposes CAPI operations as MCP tools with risk tiers, confirmation tokens for destructive calls, response summaries and an audit trail.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env необязателен: в проде переменные приходят из окружения
		_ = godotenv.Load()
		return nil
	},
	RunE: runStdio,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "capigw:", err)
		os.Exit(1)
	}
}

// bootstrap читает конфиг, поднимает логгер и собирает ядро.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// signalContext отменяется по SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runUntilDone запускает фоновый сброс аудита, выполняет fn и корректно гасит ядро.
func runUntilDone(a *app, fn func() error) error {
	a.start()
	runErr := fn()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Error("shutdown", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	_ = a.logger.Sync()
	return runErr
}
