package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/muesli/gominatim"
	"github.com/spf13/cobra"

	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/fuelapi"
)

func stationsCmd() *cobra.Command {
	var place string
	var lat, lon float64
	var fuelType string
	var radiusKm float64

	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Discover station codes near a place",
		Long: `Searches for fuel stations near coordinates or a geocoded place name and
prints their codes, ready to paste into the watchlist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			if cfg.APIClientID == "" || cfg.APIClientSecret == "" {
				return fmt.Errorf("API credentials are required: set NSWFUELCHECKAPI_KEY and NSWFUELCHECKAPI_SECRET or the api block in the config file")
			}

			if place != "" {
				gominatim.SetServer("https://nominatim.openstreetmap.org/")
				qry := gominatim.SearchQuery{Q: place}
				results, err := qry.Get()
				if err != nil {
					return fmt.Errorf("geocoding %q: %w", place, err)
				}
				if len(results) == 0 {
					return fmt.Errorf("no geocoding results for %q", place)
				}
				lat, err = strconv.ParseFloat(results[0].Lat, 64)
				if err != nil {
					return fmt.Errorf("parsing geocoded latitude: %w", err)
				}
				lon, err = strconv.ParseFloat(results[0].Lon, 64)
				if err != nil {
					return fmt.Errorf("parsing geocoded longitude: %w", err)
				}
				logger.Info().
					Str("place", place).
					Str("match", results[0].DisplayName).
					Float64("lat", lat).
					Float64("lon", lon).
					Msg("geocoded place")
			} else if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
				return fmt.Errorf("either --place or --lat and --lon are required")
			}

			client := fuelapi.New(cfg.APIClientID, cfg.APIClientSecret, logger,
				fuelapi.WithBaseURL(cfg.APIBaseURL),
				fuelapi.WithAuthURL(cfg.APIAuthURL),
				fuelapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
			)
			ctx := context.Background()

			records, err := client.FetchNearby(ctx, lat, lon, radiusKm, fuelType)
			if err != nil {
				return fmt.Errorf("searching stations: %w", err)
			}

			// Resolve the fuel type's display name, best effort.
			fuelName := fuelType
			if rd, err := client.FetchReferenceData(ctx); err == nil {
				if name, ok := rd.FuelTypes[fuelType]; ok {
					fuelName = fmt.Sprintf("%s (%s)", fuelType, name)
				}
			}

			if len(records) == 0 {
				fmt.Printf("No stations found within %.1f km for %s.\n", radiusKm, fuelName)
				return nil
			}

			sort.Slice(records, func(a, b int) bool {
				return records[a].DistanceKm < records[b].DistanceKm
			})
			if len(records) > config.MaxStationsPerLocation {
				records = records[:config.MaxStationsPerLocation]
			}

			fmt.Printf("Found %d stations within %.1f km for %s:\n\n", len(records), radiusKm, fuelName)
			fmt.Printf("  %-8s %-6s %8s %6s  %-14s %s\n", "CODE", "STATE", "PRICE", "KM", "BRAND", "NAME")
			for _, rec := range records {
				fmt.Printf("  %-8s %-6s %8.1f %6.1f  %-14s %s\n",
					rec.Station.Code, rec.Station.State, rec.Price, rec.DistanceKm, rec.Brand, rec.StationName)
			}

			fmt.Printf("\nAdd a favorite to a watchlist location like:\n\n")
			fmt.Printf("    stations:\n")
			fmt.Printf("      - code: %q\n", records[0].Station.Code)
			fmt.Printf("        state: %s\n", records[0].Station.State)

			return nil
		},
	}

	cmd.Flags().StringVar(&place, "place", "", "Place name to geocode (e.g. \"Parramatta NSW\")")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude of the search point")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Longitude of the search point")
	cmd.Flags().StringVar(&fuelType, "fuel", "U91", "Fuel type code to search for")
	cmd.Flags().Float64Var(&radiusKm, "radius", config.DefaultRadiusKm, "Search radius in kilometres")

	return cmd
}
