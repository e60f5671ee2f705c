package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/models"
	"github.com/bmcalindin/servowatch/internal/registry"
)

func watchlist() []config.Location {
	return []config.Location{
		{
			Name:      "Home",
			Latitude:  -33.8,
			Longitude: 151.2,
			FuelTypes: []string{"E10", "U91"},
			Stations: []config.Station{
				{Code: "123", State: "NSW", FuelTypes: []string{"U91"}},
				{Code: "456", State: "NSW", FuelTypes: []string{"E10", "U91"}},
			},
		},
		{
			Name:      "Work",
			Latitude:  -33.86,
			Longitude: 151.21,
			FuelTypes: []string{"U91"},
			Stations: []config.Station{
				{Code: "123", State: "NSW", FuelTypes: []string{"P95"}},
			},
		},
	}
}

func TestIndexClaimed(t *testing.T) {
	t.Parallel()

	idx := registry.Build(watchlist())

	require.True(t, idx.Claimed(models.StationKey{Code: "123", State: "NSW"}))
	require.True(t, idx.Claimed(models.StationKey{Code: "456", State: "NSW"}))
	require.False(t, idx.Claimed(models.StationKey{Code: "789", State: "NSW"}))
	require.False(t, idx.Claimed(models.StationKey{Code: "123", State: "QLD"}))
}

func TestIndexConflictRequiresExactPair(t *testing.T) {
	t.Parallel()

	idx := registry.Build(watchlist())
	key := models.StationKey{Code: "123", State: "NSW"}

	// The exact (station, fuel type) pair is a conflict.
	label, ok := idx.Conflict(key, "U91")
	require.True(t, ok)
	require.Equal(t, "Home", label)

	// The same station with a new fuel type is a merge, not a conflict.
	_, ok = idx.Conflict(key, "DL")
	require.False(t, ok)

	_, ok = idx.Conflict(models.StationKey{Code: "789", State: "NSW"}, "U91")
	require.False(t, ok)
}

func TestIndexStationsSorted(t *testing.T) {
	t.Parallel()

	idx := registry.Build(watchlist())

	require.Equal(t, []models.StationKey{
		{Code: "123", State: "NSW"},
		{Code: "456", State: "NSW"},
	}, idx.Stations())
	require.Equal(t, 2, idx.Size())
}

func TestIndexPairsSorted(t *testing.T) {
	t.Parallel()

	idx := registry.Build(watchlist())

	require.Equal(t, []registry.Pair{
		{Station: models.StationKey{Code: "123", State: "NSW"}, FuelType: "P95"},
		{Station: models.StationKey{Code: "123", State: "NSW"}, FuelType: "U91"},
		{Station: models.StationKey{Code: "456", State: "NSW"}, FuelType: "E10"},
		{Station: models.StationKey{Code: "456", State: "NSW"}, FuelType: "U91"},
	}, idx.Pairs())
}

func TestIndexFuelTypesFor(t *testing.T) {
	t.Parallel()

	idx := registry.Build(watchlist())

	require.Equal(t, []string{"P95", "U91"}, idx.FuelTypesFor(models.StationKey{Code: "123", State: "NSW"}))
	require.Empty(t, idx.FuelTypesFor(models.StationKey{Code: "789", State: "NSW"}))
}

func TestIndexEmptyWatchlist(t *testing.T) {
	t.Parallel()

	idx := registry.Build(nil)

	require.Equal(t, 0, idx.Size())
	require.Empty(t, idx.Stations())
	require.Empty(t, idx.Pairs())
	require.False(t, idx.Claimed(models.StationKey{Code: "123", State: "NSW"}))
}
