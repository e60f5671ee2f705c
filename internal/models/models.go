// Package models provides shared data types for servowatch.
package models

import (
	"fmt"
	"strings"
	"time"
)

// HealthStatus is the coordinator's externally visible condition.
type HealthStatus string

const (
	// HealthHealthy indicates the last cycle completed without failures.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded indicates the last cycle had fetch failures; stale
	// data is being served for the affected slots.
	HealthDegraded HealthStatus = "degraded"
	// HealthAuthFailed indicates the upstream rejected our credentials;
	// automatic polling is halted until they are repaired.
	HealthAuthFailed HealthStatus = "auth_failed"
)

// StationKey identifies a fuel station. Station codes are reused across
// jurisdictions, so the state code is part of the identity.
type StationKey struct {
	Code  string `json:"code" yaml:"code"`
	State string `json:"state" yaml:"state"`
}

// String returns the canonical "code/state" form used in logs and metrics.
func (k StationKey) String() string {
	return k.Code + "/" + k.State
}

// Less reports the canonical ordering, by code then state. All sorted
// output in the snapshot uses this ordering.
func (k StationKey) Less(other StationKey) bool {
	if k.Code != other.Code {
		return k.Code < other.Code
	}
	return k.State < other.State
}

// MarshalText lets a StationKey serve as a JSON object key.
func (k StationKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the "code/state" form.
func (k *StationKey) UnmarshalText(text []byte) error {
	code, state, ok := strings.Cut(string(text), "/")
	if !ok || code == "" || state == "" {
		return fmt.Errorf("malformed station key %q", string(text))
	}
	k.Code = code
	k.State = state
	return nil
}

// PriceRecord is one observed price for a station and fuel type. Immutable
// once fetched; a newer record for the same (station, fuel type) always
// supersedes an older one.
type PriceRecord struct {
	Station    StationKey `json:"station"`
	FuelType   string     `json:"fuel_type"`
	Price      float64    `json:"price"`
	ObservedAt time.Time  `json:"observed_at"`

	// Display metadata from the upstream; not part of the record identity.
	StationName string  `json:"station_name,omitempty"`
	Brand       string  `json:"brand,omitempty"`
	DistanceKm  float64 `json:"distance_km,omitempty"`
}

// Snapshot is the published aggregate for one refresh cycle. It is built
// wholesale, swapped atomically, and never mutated after publication.
type Snapshot struct {
	// Favorites holds the latest known price per favorited station and
	// fuel type.
	Favorites map[StationKey]map[string]PriceRecord `json:"favorites"`
	// Cheapest holds, per location label and fuel type, the lowest-priced
	// nearby stations in ascending price order.
	Cheapest map[string]map[string][]PriceRecord `json:"cheapest"`
	// BuiltAt is when the cycle that produced this snapshot ran.
	BuiltAt time.Time `json:"built_at"`
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Favorites: make(map[StationKey]map[string]PriceRecord),
		Cheapest:  make(map[string]map[string][]PriceRecord),
	}
}

// FavoriteCount returns the number of (station, fuel type) pairs present.
func (s *Snapshot) FavoriteCount() int {
	n := 0
	for _, byFuel := range s.Favorites {
		n += len(byFuel)
	}
	return n
}

// CycleStatus summarizes the most recent refresh cycle.
type CycleStatus struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	DurationMs   int64     `json:"duration_ms"`
	PlannedCalls int       `json:"planned_calls"`
	FailedCalls  int       `json:"failed_calls"`
	Records      int       `json:"records"`
}

// WatchlistStatus summarizes the declared configuration.
type WatchlistStatus struct {
	Locations        int      `json:"locations"`
	FavoriteStations int      `json:"favorite_stations"`
	FuelTypes        []string `json:"fuel_types"`
}

// LocationView is the slice of a snapshot scoped to one location label,
// served by the per-location snapshot endpoint.
type LocationView struct {
	Location  string                                `json:"location"`
	Favorites map[StationKey]map[string]PriceRecord `json:"favorites"`
	Cheapest  map[string][]PriceRecord              `json:"cheapest"`
	BuiltAt   time.Time                             `json:"built_at"`
}

// HistoryStatus holds the observation sink's connection status.
type HistoryStatus struct {
	Enabled           bool       `json:"enabled"`
	Connected         bool       `json:"connected"`
	TotalObservations int64      `json:"total_observations"`
	LastObservedAt    *time.Time `json:"last_observed_at,omitempty"`
}

// StatusResponse is the response for the /status endpoint.
type StatusResponse struct {
	Status        HealthStatus    `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	PollerRunning bool            `json:"poller_running"`
	NextPollAt    *time.Time      `json:"next_poll_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time      `json:"last_success_at,omitempty"`
	LastCycle     *CycleStatus    `json:"last_cycle,omitempty"`
	Watchlist     WatchlistStatus `json:"watchlist"`
	History       HistoryStatus   `json:"history"`
}
