// Package main is the entry point for the tandem daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/simpleflo/tandem/internal/config"
	"github.com/simpleflo/tandem/internal/daemon"
	"github.com/simpleflo/tandem/internal/observability"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem-daemon",
		Short: "Tandem daemon - hybrid retrieval query engine",
		Long: `Tandem daemon serves the query API: it routes queries between the
speculative and agentic processing paths, manages the knowledge
base indexes and streams answers to clients over SSE.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE:    runDaemon,
	}

	rootCmd.Flags().String("data-dir", "", "Data directory (default: ~/.tandem)")
	rootCmd.Flags().String("addr", "", "Listen address (default: 127.0.0.1:7161)")
	rootCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "json", "Log format: json, console")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat, _ := cmd.Flags().GetString("log-format"); logFormat != "" {
		cfg.LogFormat = logFormat
	}

	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	daemon.Version = Version
	daemon.BuildTime = BuildTime

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	return d.Run()
}
