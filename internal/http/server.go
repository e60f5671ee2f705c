package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server represents the HTTP server for metrics, status and snapshot
// endpoints.
type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	metrics *Metrics
}

// NewServer creates a new HTTP server. history may be nil when no
// observation sink is configured.
func NewServer(addr string, poller Poller, history HistoryReader, logger zerolog.Logger) *Server {
	router := mux.NewRouter()
	metrics := NewMetrics()
	logger = logger.With().Str("component", "http").Logger()

	// Register handlers
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/status", NewStatusHandler(poller, history)).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/snapshot", snapshotHandler(poller)).Methods(http.MethodGet)
	router.HandleFunc("/snapshot/{location}", locationSnapshotHandler(poller)).Methods(http.MethodGet)
	router.HandleFunc("/refresh", refreshHandler(poller, logger)).Methods(http.MethodPost)

	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:  logger,
		metrics: metrics,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Metrics returns the Prometheus metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
