// Package registry maintains the dedup index: which stations and fuel
// types the watchlist has claimed, and which location claimed them.
package registry

import (
	"sort"

	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/models"
)

// Pair is one favorited (station, fuel type) combination.
type Pair struct {
	Station  models.StationKey
	FuelType string
}

// Index is derived from the watchlist and rebuilt from scratch whenever
// it changes. It only reports claims and conflicts; it never blocks a
// configuration change itself.
type Index struct {
	// claims maps station → fuel type → claiming location labels, sorted.
	claims map[models.StationKey]map[string][]string
}

// Build creates an Index from the watchlist.
func Build(locations []config.Location) *Index {
	idx := &Index{
		claims: make(map[models.StationKey]map[string][]string),
	}

	for _, loc := range locations {
		for _, st := range loc.Stations {
			key := st.Key()
			byFuel := idx.claims[key]
			if byFuel == nil {
				byFuel = make(map[string][]string)
				idx.claims[key] = byFuel
			}
			for _, ft := range st.FuelTypes {
				byFuel[ft] = append(byFuel[ft], loc.Name)
			}
		}
	}

	for _, byFuel := range idx.claims {
		for ft := range byFuel {
			sort.Strings(byFuel[ft])
		}
	}

	return idx
}

// Claimed reports whether any location favorites the station.
func (i *Index) Claimed(key models.StationKey) bool {
	_, ok := i.claims[key]
	return ok
}

// Conflict reports the location already favoriting the exact
// (station, fuel type) pair, if any. Registering a new fuel type against
// an already-favorited station is a merge, not a conflict.
func (i *Index) Conflict(key models.StationKey, fuelType string) (string, bool) {
	labels := i.claims[key][fuelType]
	if len(labels) == 0 {
		return "", false
	}
	return labels[0], true
}

// Stations returns the claimed stations in canonical order.
func (i *Index) Stations() []models.StationKey {
	keys := make([]models.StationKey, 0, len(i.claims))
	for key := range i.claims {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool {
		return keys[a].Less(keys[b])
	})
	return keys
}

// Pairs returns every favorited (station, fuel type) pair in canonical
// order. Fetch planning iterates this to decide which stations still need
// a direct lookup.
func (i *Index) Pairs() []Pair {
	var pairs []Pair
	for key, byFuel := range i.claims {
		for ft := range byFuel {
			pairs = append(pairs, Pair{Station: key, FuelType: ft})
		}
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].Station != pairs[b].Station {
			return pairs[a].Station.Less(pairs[b].Station)
		}
		return pairs[a].FuelType < pairs[b].FuelType
	})
	return pairs
}

// FuelTypesFor returns the fuel types favorited for a station, sorted.
func (i *Index) FuelTypesFor(key models.StationKey) []string {
	byFuel := i.claims[key]
	out := make([]string, 0, len(byFuel))
	for ft := range byFuel {
		out = append(out, ft)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of claimed stations.
func (i *Index) Size() int {
	return len(i.claims)
}
