// Package main provides the entry point for the servowatch CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bmcalindin/servowatch/internal/config"
)

var (
	// Version is set at build time.
	Version = "dev"
	// Commit is set at build time.
	Commit = "none"
	// BuildDate is set at build time.
	BuildDate = "unknown"
)

var (
	cfg     *config.Config
	cfgFile string
)

func main() {
	cfg = config.DefaultConfig()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd wires the command tree and the global flags. Flag defaults
// come from whatever cfg holds when it is called.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "servowatch",
		Short: "servowatch - Keep an eye on fuel prices at the servos you actually use",
		Long: `servowatch polls the NSW FuelCheck API for the locations and favorite
stations in your watchlist and publishes an aggregated price snapshot.

Features:
  - Cheapest stations near each watched location, per fuel type
  - Last known price for every favorited station, kept across outages
  - Optional PostgreSQL price history for later analysis
  - Prometheus metrics and status endpoints
  - Station discovery by place name or coordinates`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "servowatch.yaml", "Path to the watchlist config file")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP server address for /metrics, /status, /snapshot")
	rootCmd.PersistentFlags().StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string for price history (optional)")

	// Add subcommands
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(stationsCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// loadConfig assembles the effective configuration. Precedence, lowest
// to highest: defaults, watchlist file, environment, explicit flags.
func loadConfig(cmd *cobra.Command) error {
	flags := cmd.Flags()

	// Parsed flag values already sit in cfg; stash the explicitly set
	// ones so the file and environment overlays cannot shadow them.
	explicit := make(map[string]string)
	for _, name := range []string{"log-level", "log-format", "http-addr", "postgres-dsn"} {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			if err != nil {
				return err
			}
			explicit[name] = v
		}
	}

	if _, err := os.Stat(cfgFile); err == nil {
		if err := cfg.LoadFile(cfgFile); err != nil {
			return err
		}
	} else if flags.Changed("config") {
		return fmt.Errorf("config file not found: %s", cfgFile)
	}

	cfg.LoadFromEnv()

	if v, ok := explicit["log-level"]; ok {
		cfg.LogLevel = v
	}
	if v, ok := explicit["log-format"]; ok {
		cfg.LogFormat = v
	}
	if v, ok := explicit["http-addr"]; ok {
		cfg.HTTPAddr = v
	}
	if v, ok := explicit["postgres-dsn"]; ok {
		cfg.PostgresDSN = v
	}

	return nil
}

func setupLogger() zerolog.Logger {
	var logger zerolog.Logger

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set log format
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	return logger
}
