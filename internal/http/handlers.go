package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/bmcalindin/servowatch/internal/models"
)

// Poller is the coordinator surface the handlers consume.
type Poller interface {
	Snapshot() *models.Snapshot
	Health() models.HealthStatus
	IsRunning() bool
	NextPollAt() time.Time
	LastAttemptAt() time.Time
	LastSuccessAt() time.Time
	LastCycle() *models.CycleStatus
	Watchlist() models.WatchlistStatus
	LocationView(name string) (*models.LocationView, bool)
	TriggerRefresh() bool
}

// HistoryReader reports the observation sink's state for /status.
type HistoryReader interface {
	Ping() error
	TotalObservations(ctx context.Context) (int64, error)
	LastObservedAt(ctx context.Context) (time.Time, error)
}

// StatusHandler handles the /status endpoint.
type StatusHandler struct {
	poller    Poller
	history   HistoryReader
	startTime time.Time
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(poller Poller, history HistoryReader) *StatusHandler {
	return &StatusHandler{
		poller:    poller,
		history:   history,
		startTime: time.Now(),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response := models.StatusResponse{
		Status:        h.poller.Health(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		PollerRunning: h.poller.IsRunning(),
		LastCycle:     h.poller.LastCycle(),
		Watchlist:     h.poller.Watchlist(),
	}

	if t := h.poller.NextPollAt(); !t.IsZero() {
		response.NextPollAt = &t
	}
	if t := h.poller.LastAttemptAt(); !t.IsZero() {
		response.LastAttemptAt = &t
	}
	if t := h.poller.LastSuccessAt(); !t.IsZero() {
		response.LastSuccessAt = &t
	}

	response.History = h.getHistoryStatus(ctx)

	writeJSON(w, http.StatusOK, response)
}

func (h *StatusHandler) getHistoryStatus(ctx context.Context) models.HistoryStatus {
	status := models.HistoryStatus{
		Enabled: h.history != nil,
	}

	if h.history == nil {
		return status
	}

	// Check sink connection
	if err := h.history.Ping(); err != nil {
		return status
	}
	status.Connected = true

	if count, err := h.history.TotalObservations(ctx); err == nil {
		status.TotalObservations = count
	}
	if last, err := h.history.LastObservedAt(ctx); err == nil && !last.IsZero() {
		status.LastObservedAt = &last
	}

	return status
}

// healthHandler is the liveness probe.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		panic(err)
	}
}

// snapshotHandler serves the full published snapshot.
func snapshotHandler(poller Poller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, poller.Snapshot())
	}
}

// locationSnapshotHandler serves the snapshot scoped to one location.
func locationSnapshotHandler(poller Poller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["location"]
		view, ok := poller.LocationView(name)
		if !ok {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown location %q", name))
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// refreshHandler schedules an immediate refresh cycle. 202 means a cycle
// was scheduled; 200 means an in-flight or queued cycle absorbs the
// request.
func refreshHandler(poller Poller, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if poller.TriggerRefresh() {
			logger.Info().Msg("manual refresh scheduled")
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "refresh already in progress"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
