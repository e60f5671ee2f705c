// Package http provides the HTTP surface for servowatch: Prometheus
// metrics, status, snapshot and refresh endpoints.
package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bmcalindin/servowatch/internal/models"
)

// Metrics holds all Prometheus metrics for servowatch.
type Metrics struct {
	// Upstream API metrics
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec

	// Refresh cycle metrics
	RefreshCyclesTotal   *prometheus.CounterVec
	RefreshCycleDuration prometheus.Histogram
	LastSuccessTimestamp prometheus.Gauge

	// Snapshot metrics
	FavoritePrice     *prometheus.GaugeVec
	SnapshotFavorites prometheus.Gauge
	SnapshotBuiltAt   prometheus.Gauge

	// History sink metrics
	HistoryObservations prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		UpstreamRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servowatch_upstream_requests_total",
				Help: "Total number of upstream API calls by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		UpstreamRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "servowatch_upstream_request_duration_seconds",
				Help:    "Upstream API call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		RefreshCyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servowatch_refresh_cycles_total",
				Help: "Total number of refresh cycles by result",
			},
			[]string{"result"},
		),
		RefreshCycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "servowatch_refresh_cycle_duration_seconds",
				Help:    "Refresh cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		LastSuccessTimestamp: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "servowatch_last_success_timestamp",
				Help: "Timestamp of the last fully successful refresh cycle",
			},
		),
		FavoritePrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "servowatch_favorite_price",
				Help: "Latest known price for a favorited station in the upstream's unit (cents per litre for NSW FuelCheck)",
			},
			[]string{"station", "state", "fuel_type"},
		),
		SnapshotFavorites: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "servowatch_snapshot_favorite_slots",
				Help: "Number of (station, fuel type) favorite slots in the published snapshot",
			},
		),
		SnapshotBuiltAt: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "servowatch_snapshot_built_timestamp",
				Help: "When the published snapshot was built; snapshot age is time() minus this",
			},
		),
		HistoryObservations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "servowatch_history_observations",
				Help: "Total price observations stored in the history sink",
			},
		),
	}
}

// RecordUpstreamCall records one upstream API call.
func (m *Metrics) RecordUpstreamCall(endpoint, status string, duration time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCycle records one completed refresh cycle.
func (m *Metrics) RecordCycle(result string, duration time.Duration) {
	m.RefreshCyclesTotal.WithLabelValues(result).Inc()
	m.RefreshCycleDuration.Observe(duration.Seconds())
}

// SetLastSuccess records when the last fully successful cycle published.
func (m *Metrics) SetLastSuccess(t time.Time) {
	m.LastSuccessTimestamp.Set(float64(t.Unix()))
}

// ObserveSnapshot updates the per-favorite price gauges from a freshly
// published snapshot. The gauge vector is reset first so favorites
// removed from the watchlist do not linger.
func (m *Metrics) ObserveSnapshot(snap *models.Snapshot) {
	m.FavoritePrice.Reset()
	for key, byFuel := range snap.Favorites {
		for fuelType, rec := range byFuel {
			m.FavoritePrice.WithLabelValues(key.Code, key.State, fuelType).Set(rec.Price)
		}
	}
	m.SnapshotFavorites.Set(float64(snap.FavoriteCount()))
	m.SnapshotBuiltAt.Set(float64(snap.BuiltAt.Unix()))
}

// SetHistoryRows records the history sink's total observation count.
func (m *Metrics) SetHistoryRows(n int64) {
	m.HistoryObservations.Set(float64(n))
}
