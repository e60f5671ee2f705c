package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/coordinator"
	"github.com/bmcalindin/servowatch/internal/fuelapi"
	"github.com/bmcalindin/servowatch/internal/history"
	"github.com/bmcalindin/servowatch/internal/http"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the continuous price watcher service",
		Long: `Starts servowatch with its internal poll coordinator. The snapshot is
refreshed on the configured interval and served over HTTP; SIGHUP reloads
the watchlist without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			if cfg.APIClientID == "" || cfg.APIClientSecret == "" {
				return fmt.Errorf("API credentials are required: set NSWFUELCHECKAPI_KEY and NSWFUELCHECKAPI_SECRET or the api block in the config file")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validating config: %w", err)
			}

			logger.Info().
				Str("version", Version).
				Str("commit", Commit).
				Str("buildDate", BuildDate).
				Str("httpAddr", cfg.HTTPAddr).
				Dur("pollInterval", cfg.PollInterval).
				Int("locations", len(cfg.Locations)).
				Int("favoriteStations", cfg.FavoriteStationCount()).
				Strs("fuelTypes", cfg.FuelTypes()).
				Msg("starting servowatch")

			client := fuelapi.New(cfg.APIClientID, cfg.APIClientSecret, logger,
				fuelapi.WithBaseURL(cfg.APIBaseURL),
				fuelapi.WithAuthURL(cfg.APIAuthURL),
				fuelapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
			)

			coord := coordinator.New(client, cfg, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Connect the observation sink
			var store *history.Store
			if cfg.HistoryEnabled() {
				var err error
				store, err = history.New(cfg.PostgresDSN, logger)
				if err != nil {
					return fmt.Errorf("connecting to history database: %w", err)
				}
				defer store.Close()

				if err := store.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("preparing history schema: %w", err)
				}
				coord.SetHistory(store)
			}

			// Create HTTP server
			var reader http.HistoryReader
			if store != nil {
				reader = store
			}
			httpServer := http.NewServer(cfg.HTTPAddr, coord, reader, logger)
			coord.SetInstrumentation(httpServer.Metrics())

			// Warm the reference data cache; failing only costs display names.
			warmCtx, warmCancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := client.FetchReferenceData(warmCtx); err != nil {
				logger.Warn().Err(err).Msg("could not warm reference data cache")
			}
			warmCancel()

			// Setup signal handling
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			reloadCh := make(chan os.Signal, 1)
			signal.Notify(reloadCh, syscall.SIGHUP)

			// Start HTTP server in goroutine
			go func() {
				if err := httpServer.Start(); err != nil {
					logger.Error().Err(err).Msg("HTTP server error")
					cancel()
				}
			}()

			// Start coordinator in goroutine
			go func() {
				if err := coord.Run(ctx); err != nil && err != context.Canceled {
					logger.Error().Err(err).Msg("coordinator error")
					cancel()
				}
			}()

			// Wait for shutdown or reload
		loop:
			for {
				select {
				case sig := <-sigCh:
					logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
					break loop
				case <-reloadCh:
					cfg = reloadWatchlist(coord, cfgFile, cfg, logger)
				case <-ctx.Done():
					break loop
				}
			}

			// Graceful shutdown
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("HTTP server shutdown error")
			}

			logger.Info().Msg("shutdown complete")
			return nil
		},
	}

	return cmd
}

// reloadWatchlist re-reads the config file and swaps the watchlist in
// place. When the API credentials or endpoints changed too, the upstream
// client is rebuilt so repaired credentials end an auth_failed halt
// without a restart. It returns the configuration now in effect; on any
// load or validation error the previous one stays. Server settings still
// require a restart.
func reloadWatchlist(coord *coordinator.Coordinator, path string, current *config.Config, logger zerolog.Logger) *config.Config {
	fresh := config.DefaultConfig()
	if err := fresh.LoadFile(path); err != nil {
		logger.Error().Err(err).Msg("watchlist reload failed, keeping the previous one")
		return current
	}
	fresh.LoadFromEnv()
	if err := fresh.Validate(); err != nil {
		logger.Error().Err(err).Msg("reloaded watchlist failed validation, keeping the previous one")
		return current
	}

	if apiSettingsChanged(current, fresh) {
		coord.SetSource(fuelapi.New(fresh.APIClientID, fresh.APIClientSecret, logger,
			fuelapi.WithBaseURL(fresh.APIBaseURL),
			fuelapi.WithAuthURL(fresh.APIAuthURL),
			fuelapi.WithRateLimit(fresh.RateLimitRPS, fresh.RateLimitBurst),
		))
		logger.Info().Msg("rebuilt api client from reloaded settings")
	}

	coord.UpdateConfig(fresh.Locations)
	logger.Info().
		Int("locations", len(fresh.Locations)).
		Int("favoriteStations", fresh.FavoriteStationCount()).
		Msg("watchlist reloaded")
	return fresh
}

// apiSettingsChanged reports whether a reloaded configuration carries
// different upstream credentials or endpoints than the running client
// was built with.
func apiSettingsChanged(prev, next *config.Config) bool {
	return prev.APIClientID != next.APIClientID ||
		prev.APIClientSecret != next.APIClientSecret ||
		prev.APIBaseURL != next.APIBaseURL ||
		prev.APIAuthURL != next.APIAuthURL ||
		prev.RateLimitRPS != next.RateLimitRPS ||
		prev.RateLimitBurst != next.RateLimitBurst
}
