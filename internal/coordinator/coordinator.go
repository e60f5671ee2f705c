// Package coordinator drives the refresh lifecycle: it plans the upstream
// calls for each cycle, runs them with bounded concurrency, and publishes
// the resulting snapshot. It is the only writer of the snapshot.
package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bmcalindin/servowatch/internal/config"
	"github.com/bmcalindin/servowatch/internal/fuelapi"
	"github.com/bmcalindin/servowatch/internal/models"
	"github.com/bmcalindin/servowatch/internal/registry"
	"github.com/bmcalindin/servowatch/internal/snapshot"
)

// PriceSource is the slice of the fuel price API the coordinator consumes.
type PriceSource interface {
	FetchNearby(ctx context.Context, lat, lon, radiusKm float64, fuelType string) ([]models.PriceRecord, error)
	FetchStationPrices(ctx context.Context, key models.StationKey) ([]models.PriceRecord, error)
}

// HistorySink receives each cycle's fresh observations after the snapshot
// is published. Sink failures never fail a cycle.
type HistorySink interface {
	RecordObservations(ctx context.Context, records []models.PriceRecord) error
	TotalObservations(ctx context.Context) (int64, error)
}

// Instrumentation receives cycle and upstream call measurements. The HTTP
// package's Prometheus metrics satisfy it.
type Instrumentation interface {
	RecordUpstreamCall(endpoint, status string, duration time.Duration)
	RecordCycle(result string, duration time.Duration)
	SetLastSuccess(t time.Time)
	ObserveSnapshot(snap *models.Snapshot)
	SetHistoryRows(n int64)
}

// Coordinator owns the published snapshot and the polling schedule.
type Coordinator struct {
	history HistorySink
	metrics Instrumentation
	logger  zerolog.Logger

	pollInterval  time.Duration
	fetchTimeout  time.Duration
	maxConcurrent int
	topN          int

	refreshCh chan struct{}

	mu          sync.RWMutex
	source      PriceSource
	locations   []config.Location
	index       *registry.Index
	snapshot    *models.Snapshot
	health      models.HealthStatus
	lastAttempt time.Time
	lastSuccess time.Time
	nextPoll    time.Time
	lastCycle   *models.CycleStatus
	running     bool
	inFlight    bool
}

// New creates a Coordinator polling on cfg's schedule. The watchlist is
// taken from cfg; UpdateConfig replaces it later without a restart.
func New(source PriceSource, cfg *config.Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		source:        source,
		logger:        logger.With().Str("component", "coordinator").Logger(),
		pollInterval:  cfg.PollInterval,
		fetchTimeout:  cfg.FetchTimeout,
		maxConcurrent: cfg.MaxConcurrentFetches,
		topN:          cfg.TopN,
		refreshCh:     make(chan struct{}, 1),
		locations:     cfg.Locations,
		index:         registry.Build(cfg.Locations),
		snapshot:      models.NewSnapshot(),
		health:        models.HealthHealthy,
	}
}

// SetHistory attaches the observation sink.
func (c *Coordinator) SetHistory(h HistorySink) {
	c.history = h
}

// SetInstrumentation attaches Prometheus instrumentation.
func (c *Coordinator) SetInstrumentation(m Instrumentation) {
	c.metrics = m
}

// SetSource replaces the upstream price source. A cycle already in
// flight finishes with the source it started with; the next cycle uses
// the replacement. Configuration reloads swap in a client rebuilt with
// fresh credentials this way.
func (c *Coordinator) SetSource(source PriceSource) {
	c.mu.Lock()
	c.source = source
	c.mu.Unlock()
}

// Run executes the polling loop until ctx is canceled. The first cycle
// runs immediately so consumers have data at startup. While health is
// auth_failed, scheduled ticks are skipped; only TriggerRefresh or
// UpdateConfig start another cycle.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.logger.Info().
		Dur("pollInterval", c.pollInterval).
		Int("maxConcurrentFetches", c.maxConcurrent).
		Msg("starting poll coordinator")

	c.runCycle(ctx)

	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	c.setNextPoll(time.Now().Add(c.pollInterval))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("poll coordinator stopped")
			return ctx.Err()

		case <-timer.C:
			if c.Health() == models.HealthAuthFailed {
				c.logger.Warn().Msg("skipping scheduled refresh until credentials are repaired")
			} else {
				c.runCycle(ctx)
			}
			timer.Reset(c.pollInterval)
			c.setNextPoll(time.Now().Add(c.pollInterval))

		case <-c.refreshCh:
			// A queued refresh can win the select against ctx.Done during
			// shutdown; never start a cycle on a canceled context.
			if ctx.Err() != nil {
				continue
			}
			c.runCycle(ctx)
			// An on-demand refresh resets the schedule so the next
			// scheduled poll is a full interval away.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.pollInterval)
			c.setNextPoll(time.Now().Add(c.pollInterval))
		}
	}
}

// TriggerRefresh requests an immediate refresh cycle. It reports true
// when a new cycle was scheduled and false when an in-flight or already
// queued cycle absorbs the request.
func (c *Coordinator) TriggerRefresh() bool {
	c.mu.RLock()
	busy := c.inFlight
	c.mu.RUnlock()
	if busy {
		return false
	}
	select {
	case c.refreshCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// UpdateConfig replaces the watchlist and rebuilds the dedup index. The
// snapshot published by any cycle already in flight still reflects the
// old watchlist; the refresh scheduled here brings the next one in line.
// Scheduling a refresh also ends an auth_failed halt, so repaired
// credentials take effect without a restart.
func (c *Coordinator) UpdateConfig(locations []config.Location) {
	c.mu.Lock()
	c.locations = locations
	c.index = registry.Build(locations)
	c.mu.Unlock()

	c.logger.Info().Int("locations", len(locations)).Msg("watchlist updated")

	// Queue the refresh even while a cycle is in flight: that cycle read
	// the old watchlist at its start, so its result cannot satisfy this
	// update. The queued cycle reads the new one.
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// RunOnce executes a single refresh cycle synchronously and returns the
// published snapshot and resulting health. Used by the one-shot CLI
// command.
func (c *Coordinator) RunOnce(ctx context.Context) (*models.Snapshot, models.HealthStatus) {
	c.runCycle(ctx)
	return c.Snapshot(), c.Health()
}

func (c *Coordinator) runCycle(ctx context.Context) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	source := c.source
	locations := c.locations
	idx := c.index
	prior := c.snapshot
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	cycleID := uuid.NewString()
	logger := c.logger.With().Str("cycle", cycleID).Logger()
	start := time.Now()

	nearbyCalls := planNearby(locations)
	logger.Info().Int("nearbyCalls", len(nearbyCalls)).Msg("starting refresh cycle")

	results := snapshot.Results{
		Nearby:   make(map[snapshot.NearbyKey]snapshot.NearbyOutcome, len(nearbyCalls)),
		Stations: make(map[models.StationKey]snapshot.StationOutcome),
	}

	// Phase one: proximity searches. Every call settles; a failed call
	// records its error instead of canceling its siblings.
	nearbyOutcomes := make([]snapshot.NearbyOutcome, len(nearbyCalls))
	var searches errgroup.Group
	searches.SetLimit(c.maxConcurrent)
	for i, call := range nearbyCalls {
		i, call := i, call
		searches.Go(func() error {
			nearbyOutcomes[i] = c.fetchNearby(ctx, logger, source, call)
			return nil
		})
	}
	_ = searches.Wait()
	for i, call := range nearbyCalls {
		results.Nearby[call] = nearbyOutcomes[i]
	}

	// Phase two: direct lookups for favorites the searches did not cover.
	stationCalls := planStations(idx, results.Nearby)
	stationOutcomes := make([]snapshot.StationOutcome, len(stationCalls))
	var lookups errgroup.Group
	lookups.SetLimit(c.maxConcurrent)
	for i, key := range stationCalls {
		i, key := i, key
		lookups.Go(func() error {
			stationOutcomes[i] = c.fetchStation(ctx, logger, source, key)
			return nil
		})
	}
	_ = lookups.Wait()
	for i, key := range stationCalls {
		results.Stations[key] = stationOutcomes[i]
	}

	planned := len(nearbyCalls) + len(stationCalls)
	authFailed := false
	failed := 0
	classify := func(err error) {
		switch {
		case err == nil:
		case errors.Is(err, fuelapi.ErrAuth):
			authFailed = true
		case errors.Is(err, fuelapi.ErrNotFound):
			// The station is gone upstream. Its slot keeps serving the
			// last known value; this is not a cycle failure.
		default:
			failed++
		}
	}
	for _, out := range results.Nearby {
		classify(out.Err)
	}
	for _, out := range results.Stations {
		classify(out.Err)
	}

	duration := time.Since(start)

	if authFailed {
		c.mu.Lock()
		c.health = models.HealthAuthFailed
		c.lastCycle = &models.CycleStatus{
			ID:           cycleID,
			StartedAt:    start,
			DurationMs:   duration.Milliseconds(),
			PlannedCalls: planned,
			FailedCalls:  planned,
		}
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.RecordCycle("auth_failed", duration)
		}
		logger.Error().
			Dur("duration", duration).
			Msg("authentication failed, halting scheduled refresh until credentials change")
		return
	}

	builtAt := time.Now()
	next := snapshot.Build(prior, results, locations, c.topN, builtAt)
	observations := snapshot.Observations(results)

	health := models.HealthHealthy
	if failed > 0 {
		health = models.HealthDegraded
	}

	c.mu.Lock()
	c.snapshot = next
	c.health = health
	if failed == 0 {
		c.lastSuccess = builtAt
	}
	c.lastCycle = &models.CycleStatus{
		ID:           cycleID,
		StartedAt:    start,
		DurationMs:   duration.Milliseconds(),
		PlannedCalls: planned,
		FailedCalls:  failed,
		Records:      len(observations),
	}
	c.mu.Unlock()

	if c.metrics != nil {
		result := "success"
		if failed > 0 {
			result = "degraded"
		}
		c.metrics.RecordCycle(result, duration)
		c.metrics.ObserveSnapshot(next)
		if failed == 0 {
			c.metrics.SetLastSuccess(builtAt)
		}
	}

	logger.Info().
		Int("plannedCalls", planned).
		Int("failedCalls", failed).
		Int("records", len(observations)).
		Int("favorites", next.FavoriteCount()).
		Str("health", string(health)).
		Dur("duration", duration).
		Msg("refresh cycle completed")

	if c.history != nil && len(observations) > 0 {
		if err := c.history.RecordObservations(ctx, observations); err != nil {
			logger.Error().Err(err).Msg("failed to record observations")
		} else if c.metrics != nil {
			if total, err := c.history.TotalObservations(ctx); err == nil {
				c.metrics.SetHistoryRows(total)
			}
		}
	}
}

func (c *Coordinator) fetchNearby(ctx context.Context, logger zerolog.Logger, source PriceSource, call snapshot.NearbyKey) snapshot.NearbyOutcome {
	callCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	records, err := source.FetchNearby(callCtx, call.Lat, call.Lon, call.RadiusKm, call.FuelType)
	c.observeCall("nearby", start, err)
	if err != nil {
		logger.Error().
			Err(err).
			Float64("lat", call.Lat).
			Float64("lon", call.Lon).
			Str("fuelType", call.FuelType).
			Msg("nearby search failed")
		return snapshot.NearbyOutcome{Err: err}
	}
	return snapshot.NearbyOutcome{Records: records}
}

func (c *Coordinator) fetchStation(ctx context.Context, logger zerolog.Logger, source PriceSource, key models.StationKey) snapshot.StationOutcome {
	callCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	records, err := source.FetchStationPrices(callCtx, key)
	c.observeCall("station", start, err)
	if err != nil {
		logger.Error().
			Err(err).
			Str("station", key.String()).
			Msg("station lookup failed")
		return snapshot.StationOutcome{Err: err}
	}
	return snapshot.StationOutcome{Records: records}
}

func (c *Coordinator) observeCall(endpoint string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, fuelapi.ErrAuth):
		status = "auth_error"
	case errors.Is(err, fuelapi.ErrNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	c.metrics.RecordUpstreamCall(endpoint, status, time.Since(start))
}

// Snapshot returns the currently published snapshot. Snapshots are never
// mutated after publication, so callers may read it without locking.
func (c *Coordinator) Snapshot() *models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Health returns the coordinator's current health.
func (c *Coordinator) Health() models.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// LastSuccessAt returns when the last fully clean cycle published, or the
// zero time before the first one.
func (c *Coordinator) LastSuccessAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastAttemptAt returns when the last cycle started, or the zero time.
func (c *Coordinator) LastAttemptAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAttempt
}

// NextPollAt returns when the next scheduled cycle is due, or the zero
// time when the loop is not running.
func (c *Coordinator) NextPollAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextPoll
}

// LastCycle returns a summary of the most recent cycle, or nil before the
// first one.
func (c *Coordinator) LastCycle() *models.CycleStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCycle
}

// IsRunning reports whether the polling loop is active.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Watchlist summarizes the active configuration for the status endpoint.
func (c *Coordinator) Watchlist() models.WatchlistStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fuels := make(map[string]bool)
	for _, loc := range c.locations {
		for _, ft := range loc.FuelTypes {
			fuels[ft] = true
		}
		for _, st := range loc.Stations {
			for _, ft := range st.FuelTypes {
				fuels[ft] = true
			}
		}
	}
	sorted := make([]string, 0, len(fuels))
	for ft := range fuels {
		sorted = append(sorted, ft)
	}
	sort.Strings(sorted)

	return models.WatchlistStatus{
		Locations:        len(c.locations),
		FavoriteStations: c.index.Size(),
		FuelTypes:        sorted,
	}
}

// LocationView returns the published view scoped to one location label.
func (c *Coordinator) LocationView(name string) (*models.LocationView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var loc *config.Location
	for i := range c.locations {
		if c.locations[i].Name == name {
			loc = &c.locations[i]
			break
		}
	}
	if loc == nil {
		return nil, false
	}

	view := &models.LocationView{
		Location:  name,
		Favorites: make(map[models.StationKey]map[string]models.PriceRecord),
		Cheapest:  c.snapshot.Cheapest[name],
		BuiltAt:   c.snapshot.BuiltAt,
	}
	if view.Cheapest == nil {
		view.Cheapest = make(map[string][]models.PriceRecord)
	}
	for _, st := range loc.Stations {
		byFuel, ok := c.snapshot.Favorites[st.Key()]
		if !ok {
			continue
		}
		scoped := make(map[string]models.PriceRecord)
		for _, ft := range st.FuelTypes {
			if rec, found := byFuel[ft]; found {
				scoped[ft] = rec
			}
		}
		if len(scoped) > 0 {
			view.Favorites[st.Key()] = scoped
		}
	}
	return view, true
}

func (c *Coordinator) setNextPoll(t time.Time) {
	c.mu.Lock()
	c.nextPoll = t
	c.mu.Unlock()
}
