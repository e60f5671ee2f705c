package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bmcalindin/servowatch/internal/coordinator"
	"github.com/bmcalindin/servowatch/internal/fuelapi"
	"github.com/bmcalindin/servowatch/internal/models"
)

func refreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run a single refresh cycle and print the snapshot",
		Long:  "Fetches prices for the whole watchlist once, prints the resulting snapshot as JSON and exits. Useful for trying out a watchlist.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			if cfg.APIClientID == "" || cfg.APIClientSecret == "" {
				return fmt.Errorf("API credentials are required: set NSWFUELCHECKAPI_KEY and NSWFUELCHECKAPI_SECRET or the api block in the config file")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validating config: %w", err)
			}

			client := fuelapi.New(cfg.APIClientID, cfg.APIClientSecret, logger,
				fuelapi.WithBaseURL(cfg.APIBaseURL),
				fuelapi.WithAuthURL(cfg.APIAuthURL),
				fuelapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
			)
			coord := coordinator.New(client, cfg, logger)

			snap, health := coord.RunOnce(context.Background())

			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding snapshot: %w", err)
			}
			fmt.Println(string(data))

			switch health {
			case models.HealthAuthFailed:
				return fmt.Errorf("refresh failed: the upstream rejected the API credentials")
			case models.HealthDegraded:
				logger.Warn().Msg("refresh completed with fetch failures, snapshot may be partial")
			}

			return nil
		},
	}

	return cmd
}
