// Package history provides the PostgreSQL observation sink. Every fresh
// price observation is appended here so price movements can be analyzed
// later; the serving path never reads from it.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/bmcalindin/servowatch/internal/models"
)

const schema = `
	CREATE TABLE IF NOT EXISTS fuel_observations (
		id BIGSERIAL PRIMARY KEY,
		station_code TEXT NOT NULL,
		state TEXT NOT NULL,
		fuel_type TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		station_name TEXT,
		brand TEXT,
		fetched_at TIMESTAMPTZ NOT NULL,
		UNIQUE (station_code, state, fuel_type, observed_at)
	);
	CREATE INDEX IF NOT EXISTS idx_fuel_observations_lookup
		ON fuel_observations (station_code, state, fuel_type, observed_at DESC);
`

// Store wraps the PostgreSQL connection and provides observation
// operations.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New creates a new observation store.
func New(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}, nil
}

// EnsureSchema creates the observation table and index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks if the database connection is alive.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// RecordObservations appends one row per record. Observations are
// immutable, so re-recording an already known (station, state, fuel
// type, observed at) row is a no-op. A bad row is logged and skipped
// rather than aborting the batch.
func (s *Store) RecordObservations(ctx context.Context, records []models.PriceRecord) error {
	query := `
		INSERT INTO fuel_observations (station_code, state, fuel_type, price, observed_at, station_name, brand, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (station_code, state, fuel_type, observed_at)
		DO NOTHING
	`

	fetchedAt := time.Now()
	failures := 0
	var lastErr error
	for _, rec := range records {
		var stationName *string
		if rec.StationName != "" {
			stationName = &rec.StationName
		}
		var brand *string
		if rec.Brand != "" {
			brand = &rec.Brand
		}

		_, err := s.db.ExecContext(ctx, query,
			rec.Station.Code,
			rec.Station.State,
			rec.FuelType,
			rec.Price,
			rec.ObservedAt,
			stationName,
			brand,
			fetchedAt,
		)
		if err != nil {
			failures++
			lastErr = err
			s.logger.Error().
				Err(err).
				Str("station", rec.Station.String()).
				Str("fuel_type", rec.FuelType).
				Msg("failed to record observation")
			continue
		}
	}

	s.logger.Debug().
		Int("records", len(records)-failures).
		Msg("recorded observations")

	if failures > 0 {
		return fmt.Errorf("recording observations: %d of %d rows failed, last: %w", failures, len(records), lastErr)
	}
	return nil
}

// TotalObservations returns the total number of observation rows.
func (s *Store) TotalObservations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fuel_observations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting observations: %w", err)
	}
	return count, nil
}

// LastObservedAt returns the newest observation timestamp, or the zero
// time when the table is empty.
func (s *Store) LastObservedAt(ctx context.Context) (time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, "SELECT MAX(observed_at) FROM fuel_observations").Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last observation time: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}
