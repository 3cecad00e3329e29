package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/esentrader/config"
	"github.com/rustyeddy/esentrader/internal/app"
	"github.com/rustyeddy/esentrader/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "esentrader",
	Short: "Signal-driven order routing for brokerage accounts",
	Long: `esentrader receives trading signals over HTTP, normalizes them into
order intents and places them through a brokerage adapter.

It provides:
  - An HTTP API for broker status, account, positions and orders
  - A webhook endpoint that accepts loosely shaped signal payloads
  - A demo adapter with canned data and an IBKR gateway adapter
  - A journal of every signal and what the broker answered

Configuration comes from a YAML or JSON file, .env and ESENTRADER_*
environment variables.`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	logLevel string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); defaults plus environment when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// loadConfig reads --config and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newApp loads the config, installs the logger and builds the components.
func newApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		slog.Warn("close", slog.String("error", err.Error()))
	}
}
