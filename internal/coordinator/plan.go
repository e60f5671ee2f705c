package coordinator

import (
	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/models"
	"github.com/bmcalindin/servowatch/internal/registry"
	"github.com/bmcalindin/servowatch/internal/snapshot"
)

// planNearby returns one proximity search per distinct (coordinates,
// radius, fuel type) combination across the watchlist. Locations sharing
// all of them share a single call.
func planNearby(locations []config.Location) []snapshot.NearbyKey {
	seen := make(map[snapshot.NearbyKey]bool)
	var calls []snapshot.NearbyKey
	for _, loc := range locations {
		for _, ft := range loc.FuelTypes {
			key := snapshot.NearbyKeyFor(loc, ft)
			if seen[key] {
				continue
			}
			seen[key] = true
			calls = append(calls, key)
		}
	}
	return calls
}

// planStations returns the claimed stations with at least one favorited
// (station, fuel type) pair not covered by the proximity results, in
// canonical order. A station favorited by several locations appears once.
func planStations(idx *registry.Index, nearby map[snapshot.NearbyKey]snapshot.NearbyOutcome) []models.StationKey {
	covered := make(map[registry.Pair]bool)
	for _, out := range nearby {
		if out.Err != nil {
			continue
		}
		for _, rec := range out.Records {
			covered[registry.Pair{Station: rec.Station, FuelType: rec.FuelType}] = true
		}
	}

	var stations []models.StationKey
	planned := make(map[models.StationKey]bool)
	for _, pair := range idx.Pairs() {
		if covered[pair] || planned[pair.Station] {
			continue
		}
		planned[pair.Station] = true
		stations = append(stations, pair.Station)
	}
	return stations
}
