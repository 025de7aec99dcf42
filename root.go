package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ragsync/ragsync/internal/config"
	"github.com/ragsync/ragsync/internal/state"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// appCfg holds the configuration loaded by PersistentPreRunE. Available to
// all subcommands after the root pre-run phase completes.
var appCfg *config.Config

// newRootCmd builds the fully-assembled root command with all subcommands
// registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ragsync",
		Short:   "Keep vector, search, and graph indexes in sync with document sources",
		Long:    "ragsync monitors external document repositories and applies every change incrementally to the downstream vector, full-text, and knowledge-graph indexes.",
		Version: version,
		// Silence cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}

			appCfg = cfg

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", os.Getenv(config.EnvConfig), "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSourceCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// buildLogger creates an slog.Logger from the config log level; --verbose
// and --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if appCfg != nil {
		switch appCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore opens the state database at the configured path, creating the
// parent directory on first run.
func openStore(logger *slog.Logger) (state.Store, error) {
	if dir := filepath.Dir(appCfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	store, err := state.NewStore(appCfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	return store, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
