// Package snapshot builds the published price snapshot from one refresh
// cycle's settled results. Building is pure: no clock reads, no upstream
// calls, no mutation of the prior snapshot or the results.
package snapshot

import (
	"sort"
	"time"

	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/models"
)

// NearbyKey identifies one proximity search: coordinates, radius and fuel
// type. Locations sharing all four values share a single upstream call.
type NearbyKey struct {
	Lat      float64
	Lon      float64
	RadiusKm float64
	FuelType string
}

// NearbyKeyFor returns the proximity search identity for a location and
// fuel type. Fetch planning and snapshot building must agree on this
// mapping, so both use it.
func NearbyKeyFor(loc config.Location, fuelType string) NearbyKey {
	return NearbyKey{
		Lat:      loc.Latitude,
		Lon:      loc.Longitude,
		RadiusKm: loc.RadiusKm,
		FuelType: fuelType,
	}
}

// NearbyOutcome is the settled result of one proximity search.
type NearbyOutcome struct {
	Records []models.PriceRecord
	Err     error
}

// StationOutcome is the settled result of one per-station lookup.
type StationOutcome struct {
	Records []models.PriceRecord
	Err     error
}

// Results carries every settled call of one refresh cycle. A call absent
// from the maps was never planned; a call present with a non-nil Err
// failed and contributes nothing to the next snapshot.
type Results struct {
	Nearby   map[NearbyKey]NearbyOutcome
	Stations map[models.StationKey]StationOutcome
}

// Build merges one cycle's results with the prior snapshot under the
// given watchlist.
//
// Favorites keep their last known price when the cycle brought nothing
// newer for them, and disappear only when the watchlist no longer claims
// them. Cheapest lists are replaced wholesale per (location, fuel type)
// when that search succeeded and retained from the prior snapshot when it
// failed. Identical inputs always produce an identical snapshot.
func Build(prior *models.Snapshot, results Results, locations []config.Location, topN int, builtAt time.Time) *models.Snapshot {
	next := models.NewSnapshot()
	next.BuiltAt = builtAt

	fresh := collectFresh(results)

	for _, loc := range locations {
		for _, st := range loc.Stations {
			key := st.Key()
			for _, ft := range st.FuelTypes {
				rec, ok := fresh[key][ft]
				if prior != nil {
					if prev, exists := prior.Favorites[key][ft]; exists {
						if !ok || prev.ObservedAt.After(rec.ObservedAt) {
							rec, ok = prev, true
						}
					}
				}
				if !ok {
					continue
				}
				byFuel := next.Favorites[key]
				if byFuel == nil {
					byFuel = make(map[string]models.PriceRecord)
					next.Favorites[key] = byFuel
				}
				byFuel[ft] = rec
			}
		}

		for _, ft := range loc.FuelTypes {
			out, called := results.Nearby[NearbyKeyFor(loc, ft)]
			switch {
			case called && out.Err == nil:
				setCheapest(next, loc.Name, ft, rankCheapest(out.Records, topN))
			case prior != nil:
				if prev, exists := prior.Cheapest[loc.Name][ft]; exists {
					setCheapest(next, loc.Name, ft, prev)
				}
			}
		}
	}

	return next
}

// Observations flattens one cycle's successful results into a list of
// distinct price records in canonical order, newest record per
// (station, fuel type) pair. This is what the history sink persists.
func Observations(results Results) []models.PriceRecord {
	fresh := collectFresh(results)

	var records []models.PriceRecord
	for _, byFuel := range fresh {
		for _, rec := range byFuel {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(a, b int) bool {
		if records[a].Station != records[b].Station {
			return records[a].Station.Less(records[b].Station)
		}
		return records[a].FuelType < records[b].FuelType
	})
	return records
}

// collectFresh folds every successful call into one record per
// (station, fuel type), newest ObservedAt winning. Outcomes are folded
// in sorted key order and ties keep the earlier record, so the result
// never depends on map iteration order. Proximity results come first so
// that on equal timestamps the record carrying distance and display
// metadata wins over a bare per-station record.
func collectFresh(results Results) map[models.StationKey]map[string]models.PriceRecord {
	fresh := make(map[models.StationKey]map[string]models.PriceRecord)

	merge := func(rec models.PriceRecord) {
		byFuel := fresh[rec.Station]
		if byFuel == nil {
			byFuel = make(map[string]models.PriceRecord)
			fresh[rec.Station] = byFuel
		}
		if cur, ok := byFuel[rec.FuelType]; !ok || rec.ObservedAt.After(cur.ObservedAt) {
			byFuel[rec.FuelType] = rec
		}
	}

	for _, key := range sortedNearbyKeys(results.Nearby) {
		out := results.Nearby[key]
		if out.Err != nil {
			continue
		}
		for _, rec := range out.Records {
			merge(rec)
		}
	}
	for _, key := range sortedStationKeys(results.Stations) {
		out := results.Stations[key]
		if out.Err != nil {
			continue
		}
		for _, rec := range out.Records {
			merge(rec)
		}
	}

	return fresh
}

func sortedNearbyKeys(m map[NearbyKey]NearbyOutcome) []NearbyKey {
	keys := make([]NearbyKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		return keys[a].less(keys[b])
	})
	return keys
}

func (k NearbyKey) less(other NearbyKey) bool {
	if k.Lat != other.Lat {
		return k.Lat < other.Lat
	}
	if k.Lon != other.Lon {
		return k.Lon < other.Lon
	}
	if k.RadiusKm != other.RadiusKm {
		return k.RadiusKm < other.RadiusKm
	}
	return k.FuelType < other.FuelType
}

func sortedStationKeys(m map[models.StationKey]StationOutcome) []models.StationKey {
	keys := make([]models.StationKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		return keys[a].Less(keys[b])
	})
	return keys
}

// rankCheapest returns the lowest-priced records in ascending price
// order, station key breaking ties, truncated to n.
func rankCheapest(records []models.PriceRecord, n int) []models.PriceRecord {
	ranked := make([]models.PriceRecord, len(records))
	copy(ranked, records)
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].Price != ranked[b].Price {
			return ranked[a].Price < ranked[b].Price
		}
		return ranked[a].Station.Less(ranked[b].Station)
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func setCheapest(snap *models.Snapshot, label, fuelType string, records []models.PriceRecord) {
	byFuel := snap.Cheapest[label]
	if byFuel == nil {
		byFuel = make(map[string][]models.PriceRecord)
		snap.Cheapest[label] = byFuel
	}
	byFuel[fuelType] = records
}
