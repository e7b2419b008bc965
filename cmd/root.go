package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/timvw/pane-relay/internal/config"
	"github.com/timvw/pane-relay/internal/logging"
	telem "github.com/timvw/pane-relay/internal/otel"
)

var (
	// Global flags.
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pane-relay",
	Short: "Route a selected browser element to exactly one terminal pane",
	Long: `pane-relay forwards "selected element" events from a browser producer
to exactly one listener out of the terminals currently registered.

The relay runs two local WebSocket endpoints: producers send events to one,
listeners register and heartbeat on the other. When several listeners are
registered, the relay asks the terminal which pane has focus and falls back
to heartbeat freshness. If it still cannot tell, the event is dropped rather
than sent to the wrong pane.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", envOrDefault("PANE_RELAY_LOG_LEVEL", ""), "log level: debug, info, warn, error (default: from config, info)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", envOrDefault("PANE_RELAY_LOG_FORMAT", ""), "log format: text, json (default: from config, text)")
}

// loadConfig loads defaults -> config file -> env vars and applies the
// global flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	if cfg.ConfigFile != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfg.ConfigFile)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{Level: level, Format: format, Output: os.Stderr}), nil
}

// initTelemetry starts OTEL for role. Failures degrade to a no-op so the
// relay keeps running without an exporter.
func initTelemetry(ctx context.Context, cfg *config.Config, role string) *telem.Telemetry {
	// Wire build version into OTEL service metadata
	telem.Version = Version

	tel, err := telem.Init(ctx, telem.OTELConfig{
		Endpoint: cfg.OTELEndpoint,
		Headers:  cfg.OTELHeaders,
		Role:     role,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: otel init failed: %v\n", err)
		tel, _ = telem.Init(ctx, telem.OTELConfig{Role: role})
	}
	return tel
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
