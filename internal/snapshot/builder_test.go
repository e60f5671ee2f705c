package snapshot_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/models"
	"github.com/bmcalindin/servowatch/internal/snapshot"
)

var errFetch = errors.New("connection reset")

var (
	home = config.Location{
		Name:      "Home",
		Latitude:  -33.8,
		Longitude: 151.2,
		RadiusKm:  10,
		FuelTypes: []string{"U91"},
		Stations: []config.Station{
			{Code: "123", State: "NSW", FuelTypes: []string{"U91"}},
		},
	}

	favKey = models.StationKey{Code: "123", State: "NSW"}
)

func record(code, fuelType string, price float64, observedAt time.Time) models.PriceRecord {
	return models.PriceRecord{
		Station:    models.StationKey{Code: code, State: "NSW"},
		FuelType:   fuelType,
		Price:      price,
		ObservedAt: observedAt,
	}
}

func TestBuildPublishesFavoritesAndCheapest(t *testing.T) {
	t.Parallel()

	// Arrange
	observed := time.Unix(1000, 0).UTC()
	results := snapshot.Results{
		Nearby: map[snapshot.NearbyKey]snapshot.NearbyOutcome{
			snapshot.NearbyKeyFor(home, "U91"): {
				Records: []models.PriceRecord{
					record("123", "U91", 1.899, observed),
					record("900", "U91", 1.959, observed),
				},
			},
		},
	}

	// Act
	snap := snapshot.Build(nil, results, []config.Location{home}, 3, time.Unix(2000, 0).UTC())

	// Assert
	require.Equal(t, 1.899, snap.Favorites[favKey]["U91"].Price)
	require.Equal(t, observed, snap.Favorites[favKey]["U91"].ObservedAt)
	require.Len(t, snap.Cheapest["Home"]["U91"], 2)
	require.Equal(t, "123", snap.Cheapest["Home"]["U91"][0].Station.Code)
	require.Equal(t, time.Unix(2000, 0).UTC(), snap.BuiltAt)
}

func TestBuildRetainsStaleSlotsOnFailure(t *testing.T) {
	t.Parallel()

	// Arrange: a prior snapshot with data, then a cycle where every call
	// failed.
	observed := time.Unix(1000, 0).UTC()
	prior := snapshot.Build(nil, snapshot.Results{
		Nearby: map[snapshot.NearbyKey]snapshot.NearbyOutcome{
			snapshot.NearbyKeyFor(home, "U91"): {
				Records: []models.PriceRecord{record("123", "U91", 1.899, observed)},
			},
		},
	}, []config.Location{home}, 3, time.Unix(2000, 0).UTC())

	failed := snapshot.Results{
		Nearby: map[snapshot.NearbyKey]snapshot.NearbyOutcome{
			snapshot.NearbyKeyFor(home, "U91"): {Err: errFetch},
		},
		Stations: map[models.StationKey]snapshot.StationOutcome{
			favKey: {Err: errFetch},
		},
	}

	// Act
	snap := snapshot.Build(prior, failed, []config.Location{home}, 3, time.Unix(3000, 0).UTC())

	// Assert: last known values survive with their original timestamps.
	require.Equal(t, 1.899, snap.Favorites[favKey]["U91"].Price)
	require.Equal(t, observed, snap.Favorites[favKey]["U91"].ObservedAt)
	require.Equal(t, prior.Cheapest["Home"]["U91"], snap.Cheapest["Home"]["U91"])
	require.Equal(t, time.Unix(3000, 0).UTC(), snap.BuiltAt)
}

func TestBuildRanksCheapestWithStableTieBreak(t *testing.T) {
	t.Parallel()

	// Arrange: five stations, two tied at the lowest price.
	observed := time.Unix(1000, 0).UTC()
	results := snapshot.Results{
		Nearby: map[snapshot.NearbyKey]snapshot.NearbyOutcome{
			snapshot.NearbyKeyFor(home, "U91"): {
				Records: []models.PriceRecord{
					record("A", "U91", 1.80, observed),
					record("B", "U91", 1.75, observed),
					record("C", "U91", 1.90, observed),
					record("D", "U91", 1.75, observed),
					record("E", "U91", 1.85, observed),
				},
			},
		},
	}

	// Act
	snap := snapshot.Build(nil, results, []config.Location{home}, 3, observed)

	// Assert: ties resolve by station key, the list is capped at three.
	ranked := snap.Cheapest["Home"]["U91"]
	require.Len(t, ranked, 3)
	require.Equal(t, "B", ranked[0].Station.Code)
	require.Equal(t, "D", ranked[1].Station.Code)
	require.Equal(t, "A", ranked[2].Station.Code)
}

func TestBuildDropsUnconfiguredFavorites(t *testing.T) {
	t.Parallel()

	// Arrange: the prior snapshot knows a station the watchlist no longer
	// claims.
	observed := time.Unix(1000, 0).UTC()
	prior := models.NewSnapshot()
	prior.Favorites[models.StationKey{Code: "999", State: "NSW"}] = map[string]models.PriceRecord{
		"U91": record("999", "U91", 1.70, observed),
	}
	prior.Favorites[favKey] = map[string]models.PriceRecord{
		"U91": record("123", "U91", 1.899, observed),
	}
	prior.Cheapest["Beach House"] = map[string][]models.PriceRecord{
		"U91": {record("999", "U91", 1.70, observed)},
	}

	// Act
	snap := snapshot.Build(prior, snapshot.Results{}, []config.Location{home}, 3, observed)

	// Assert
	require.NotContains(t, snap.Favorites, models.StationKey{Code: "999", State: "NSW"})
	require.Contains(t, snap.Favorites, favKey)
	require.NotContains(t, snap.Cheapest, "Beach House")
}

func TestBuildKeepsNewestRecordPerSlot(t *testing.T) {
	t.Parallel()

	older := time.Unix(1000, 0).UTC()
	newer := time.Unix(5000, 0).UTC()

	// A fresh result older than the prior record must not clobber it.
	prior := models.NewSnapshot()
	prior.Favorites[favKey] = map[string]models.PriceRecord{
		"U91": record("123", "U91", 1.899, newer),
	}
	results := snapshot.Results{
		Stations: map[models.StationKey]snapshot.StationOutcome{
			favKey: {Records: []models.PriceRecord{record("123", "U91", 1.850, older)}},
		},
	}
	snap := snapshot.Build(prior, results, []config.Location{home}, 3, newer)
	require.Equal(t, 1.899, snap.Favorites[favKey]["U91"].Price)

	// The other way around the fresh record wins.
	prior.Favorites[favKey]["U91"] = record("123", "U91", 1.899, older)
	results.Stations[favKey] = snapshot.StationOutcome{
		Records: []models.PriceRecord{record("123", "U91", 1.850, newer)},
	}
	snap = snapshot.Build(prior, results, []config.Location{home}, 3, newer)
	require.Equal(t, 1.850, snap.Favorites[favKey]["U91"].Price)
}

func TestBuildPrefersProximityMetadataOnTies(t *testing.T) {
	t.Parallel()

	// Arrange: the same observation arrives via a proximity search, which
	// carries distance and display metadata, and via a bare station lookup.
	observed := time.Unix(1000, 0).UTC()
	annotated := record("123", "U91", 1.899, observed)
	annotated.StationName = "Servo Central"
	annotated.DistanceKm = 1.2

	results := snapshot.Results{
		Nearby: map[snapshot.NearbyKey]snapshot.NearbyOutcome{
			snapshot.NearbyKeyFor(home, "U91"): {Records: []models.PriceRecord{annotated}},
		},
		Stations: map[models.StationKey]snapshot.StationOutcome{
			favKey: {Records: []models.PriceRecord{record("123", "U91", 1.899, observed)}},
		},
	}

	// Act
	snap := snapshot.Build(nil, results, []config.Location{home}, 3, observed)

	// Assert
	require.Equal(t, "Servo Central", snap.Favorites[favKey]["U91"].StationName)
	require.Equal(t, 1.2, snap.Favorites[favKey]["U91"].DistanceKm)
}

func TestBuildScopesFuelTypesPerLocation(t *testing.T) {
	t.Parallel()

	// Arrange: the favorite only declares U91, but the lookup also
	// returned P95.
	observed := time.Unix(1000, 0).UTC()
	results := snapshot.Results{
		Stations: map[models.StationKey]snapshot.StationOutcome{
			favKey: {Records: []models.PriceRecord{
				record("123", "U91", 1.899, observed),
				record("123", "P95", 2.099, observed),
			}},
		},
	}

	// Act
	snap := snapshot.Build(nil, results, []config.Location{home}, 3, observed)

	// Assert: only the favorited fuel type lands in the snapshot, but the
	// extra observation is still handed to the history sink.
	require.Contains(t, snap.Favorites[favKey], "U91")
	require.NotContains(t, snap.Favorites[favKey], "P95")

	obs := snapshot.Observations(results)
	require.Len(t, obs, 2)
	require.Equal(t, "P95", obs[0].FuelType)
	require.Equal(t, "U91", obs[1].FuelType)
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	// Arrange: two locations whose searches overlap on the same station.
	work := config.Location{
		Name:      "Work",
		Latitude:  -33.86,
		Longitude: 151.21,
		RadiusKm:  5,
		FuelTypes: []string{"U91"},
	}
	observed := time.Unix(1000, 0).UTC()

	build := func() *models.Snapshot {
		nearHome := record("123", "U91", 1.899, observed)
		nearHome.DistanceKm = 1.2
		nearWork := record("123", "U91", 1.899, observed)
		nearWork.DistanceKm = 6.8

		results := snapshot.Results{
			Nearby: map[snapshot.NearbyKey]snapshot.NearbyOutcome{
				snapshot.NearbyKeyFor(home, "U91"): {Records: []models.PriceRecord{nearHome, record("777", "U91", 1.80, observed)}},
				snapshot.NearbyKeyFor(work, "U91"): {Records: []models.PriceRecord{nearWork}},
			},
		}
		return snapshot.Build(nil, results, []config.Location{home, work}, 3, observed)
	}

	// Act
	first, err := json.Marshal(build())
	require.NoError(t, err)
	second, err := json.Marshal(build())
	require.NoError(t, err)

	// Assert: identical inputs serialize identically, byte for byte. On
	// timestamp ties the outcome folding first wins, and outcomes fold in
	// sorted key order, so the favorite carries Work's distance while each
	// cheapest list keeps its own search's records.
	require.Equal(t, first, second)
	b := build()
	require.Equal(t, 6.8, b.Favorites[favKey]["U91"].DistanceKm)
	require.Equal(t, 1.2, b.Cheapest["Home"]["U91"][1].DistanceKm)
}

func TestObservationsDeduplicatesAcrossCalls(t *testing.T) {
	t.Parallel()

	older := time.Unix(1000, 0).UTC()
	newer := time.Unix(2000, 0).UTC()

	results := snapshot.Results{
		Nearby: map[snapshot.NearbyKey]snapshot.NearbyOutcome{
			snapshot.NearbyKeyFor(home, "U91"): {
				Records: []models.PriceRecord{record("123", "U91", 1.899, older)},
			},
		},
		Stations: map[models.StationKey]snapshot.StationOutcome{
			favKey: {Records: []models.PriceRecord{record("123", "U91", 1.850, newer)}},
			{Code: "456", State: "NSW"}: {Err: errFetch},
		},
	}

	obs := snapshot.Observations(results)

	// One record per pair, the newest observation, failed calls ignored.
	require.Len(t, obs, 1)
	require.Equal(t, 1.850, obs[0].Price)
	require.Equal(t, newer, obs[0].ObservedAt)
}
