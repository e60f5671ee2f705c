package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/coordinator"
	"github.com/bmcalindin/servowatch/internal/models"
)

type staticSource struct{}

func (staticSource) FetchNearby(ctx context.Context, lat, lon, radiusKm float64, fuelType string) ([]models.PriceRecord, error) {
	return nil, nil
}

func (staticSource) FetchStationPrices(ctx context.Context, key models.StationKey) ([]models.PriceRecord, error) {
	return nil, nil
}

func runTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.APIClientID = "old-id"
	cfg.APIClientSecret = "old-secret"
	cfg.Locations = []config.Location{{
		Name:      "Home",
		Latitude:  -33.8,
		Longitude: 151.2,
		Stations:  []config.Station{{Code: "123"}},
	}}
	return cfg
}

func TestReloadWatchlistAppliesValidConfig(t *testing.T) {
	t.Setenv("NSWFUELCHECKAPI_KEY", "")
	t.Setenv("NSWFUELCHECKAPI_SECRET", "")

	path := filepath.Join(t.TempDir(), "servowatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  client_id: new-id
  client_secret: new-secret

locations:
  - name: Home
    latitude: -33.8
    longitude: 151.2
    stations:
      - code: "123"
  - name: Coast
    latitude: -33.4
    longitude: 151.3
    stations:
      - code: "777"
`), 0o600))

	current := runTestConfig()
	coord := coordinator.New(staticSource{}, current, zerolog.Nop())
	require.Equal(t, 1, coord.Watchlist().Locations)

	applied := reloadWatchlist(coord, path, current, zerolog.Nop())

	require.NotSame(t, current, applied)
	require.Equal(t, "new-id", applied.APIClientID)
	require.Equal(t, 2, coord.Watchlist().Locations)
	require.Equal(t, 2, coord.Watchlist().FavoriteStations)
}

func TestReloadWatchlistKeepsPreviousOnError(t *testing.T) {
	current := runTestConfig()
	coord := coordinator.New(staticSource{}, current, zerolog.Nop())

	// Missing file.
	applied := reloadWatchlist(coord, filepath.Join(t.TempDir(), "absent.yaml"), current, zerolog.Nop())
	require.Same(t, current, applied)
	require.Equal(t, 1, coord.Watchlist().Locations)

	// A file that fails validation.
	path := filepath.Join(t.TempDir(), "servowatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
locations:
  - name: Reef
    latitude: -20.0
    longitude: 151.0
`), 0o600))
	applied = reloadWatchlist(coord, path, current, zerolog.Nop())
	require.Same(t, current, applied)
	require.Equal(t, 1, coord.Watchlist().Locations)
}

func TestAPISettingsChanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		want   bool
	}{
		{name: "identical", mutate: func(cfg *config.Config) {}, want: false},
		{name: "client id", mutate: func(cfg *config.Config) { cfg.APIClientID = "other" }, want: true},
		{name: "client secret", mutate: func(cfg *config.Config) { cfg.APIClientSecret = "other" }, want: true},
		{name: "base url", mutate: func(cfg *config.Config) { cfg.APIBaseURL = "http://localhost:8081" }, want: true},
		{name: "auth url", mutate: func(cfg *config.Config) { cfg.APIAuthURL = "http://localhost:8081/token" }, want: true},
		{name: "rate limit", mutate: func(cfg *config.Config) { cfg.RateLimitRPS = 1 }, want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			next := config.DefaultConfig()
			tt.mutate(next)
			require.Equal(t, tt.want, apiSettingsChanged(config.DefaultConfig(), next))
		})
	}
}
