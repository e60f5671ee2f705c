// Package config provides configuration structures and loading for servowatch.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bmcalindin/servowatch/internal/models"
)

const (
	// DefaultRadiusKm is the proximity search radius around a location.
	DefaultRadiusKm = 10.0
	// DefaultTopN is the length of each cheapest list.
	DefaultTopN = 3
	// MaxStationsPerLocation caps the favorites declared under one location.
	MaxStationsPerLocation = 20
	// DefaultPollInterval is the gap between scheduled refresh cycles.
	// Fuel prices move slowly; polling faster burns the API quota.
	DefaultPollInterval = 6 * time.Hour
	// DefaultFetchTimeout bounds a single upstream call.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxConcurrentFetches bounds the fan-out within one cycle.
	DefaultMaxConcurrentFetches = 6
	// MaxConcurrentFetches is the hard upper bound for the fan-out.
	MaxConcurrentFetches = 16

	// DefaultBaseURL is the NSW API gateway.
	DefaultBaseURL = "https://api.nsw.gov.au"
	// DefaultAuthURL is the OAuth2 client-credentials token endpoint.
	DefaultAuthURL = "https://api.nsw.gov.au/oauth/client_credential/accesstoken"

	// DefaultState is assumed for stations declared without one.
	DefaultState = "NSW"
)

// NSW bounding box, Cameron Corner down to the coast's south-east corner.
// FuelCheck only covers locations inside it.
const (
	latCameronCornerBound = -28.994
	latSouthEastBound     = -37.505
	lonCameronCornerBound = 140.999
	lonSouthEastBound     = 153.639
)

// DefaultFuelTypes applies to locations that declare none.
var DefaultFuelTypes = []string{"U91", "E10"}

// Station declares one favorited station under a location.
type Station struct {
	Code string `yaml:"code"`
	// State disambiguates station codes across jurisdictions.
	State string `yaml:"state"`
	// FuelTypes tracked for this station. Empty means the location's set.
	FuelTypes []string `yaml:"fuel_types"`
}

// Key returns the station's identity.
func (s Station) Key() models.StationKey {
	state := s.State
	if state == "" {
		state = DefaultState
	}
	return models.StationKey{Code: s.Code, State: state}
}

// Location is one monitored place, named by the user.
type Location struct {
	Name      string    `yaml:"name"`
	Latitude  float64   `yaml:"latitude"`
	Longitude float64   `yaml:"longitude"`
	RadiusKm  float64   `yaml:"radius_km"`
	FuelTypes []string  `yaml:"fuel_types"`
	Stations  []Station `yaml:"stations"`
}

// Config holds all configuration for servowatch.
type Config struct {
	// NSW API client credentials.
	APIClientID     string
	APIClientSecret string
	// Upstream endpoints, overridable for testing.
	APIBaseURL string
	APIAuthURL string
	// Outbound request budget against the upstream.
	RateLimitRPS   float64
	RateLimitBurst int

	// Interval between scheduled refresh cycles.
	PollInterval time.Duration
	// Cheapest list length per location and fuel type.
	TopN int
	// Upper bound on simultaneous upstream calls within one cycle.
	MaxConcurrentFetches int
	// Timeout for a single upstream call.
	FetchTimeout time.Duration

	// Log level (debug, info, warn, error)
	LogLevel string
	// Log format (json, console)
	LogFormat string
	// HTTP server address
	HTTPAddr string
	// PostgreSQL DSN for the observation history sink. Empty disables it.
	PostgresDSN string

	// Locations is the watchlist: every monitored place with its
	// favorited stations and fuel types.
	Locations []Location
}

// fileConfig is the YAML schema. Durations are strings ("6h", "30s").
type fileConfig struct {
	API struct {
		ClientID       string  `yaml:"client_id"`
		ClientSecret   string  `yaml:"client_secret"`
		BaseURL        string  `yaml:"base_url"`
		AuthURL        string  `yaml:"auth_url"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"api"`

	PollInterval         string `yaml:"poll_interval"`
	TopN                 int    `yaml:"top_n"`
	MaxConcurrentFetches int    `yaml:"max_concurrent_fetches"`
	FetchTimeout         string `yaml:"fetch_timeout"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	HTTPAddr    string `yaml:"http_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`

	Locations []Location `yaml:"locations"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:           DefaultBaseURL,
		APIAuthURL:           DefaultAuthURL,
		RateLimitRPS:         5,
		RateLimitBurst:       10,
		PollInterval:         DefaultPollInterval,
		TopN:                 DefaultTopN,
		MaxConcurrentFetches: DefaultMaxConcurrentFetches,
		FetchTimeout:         DefaultFetchTimeout,
		LogLevel:             "info",
		LogFormat:            "json",
		HTTPAddr:             ":8080",
	}
}

// LoadFile overlays configuration from a YAML watchlist file. Unknown keys
// are rejected so a typoed field fails loudly instead of silently using a
// default.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.API.ClientID != "" {
		c.APIClientID = fc.API.ClientID
	}
	if fc.API.ClientSecret != "" {
		c.APIClientSecret = fc.API.ClientSecret
	}
	if fc.API.BaseURL != "" {
		c.APIBaseURL = fc.API.BaseURL
	}
	if fc.API.AuthURL != "" {
		c.APIAuthURL = fc.API.AuthURL
	}
	if fc.API.RateLimitRPS > 0 {
		c.RateLimitRPS = fc.API.RateLimitRPS
	}
	if fc.API.RateLimitBurst > 0 {
		c.RateLimitBurst = fc.API.RateLimitBurst
	}
	if d := parseDuration(fc.PollInterval); d > 0 {
		c.PollInterval = d
	}
	if fc.TopN > 0 {
		c.TopN = fc.TopN
	}
	if fc.MaxConcurrentFetches > 0 {
		c.MaxConcurrentFetches = fc.MaxConcurrentFetches
	}
	if d := parseDuration(fc.FetchTimeout); d > 0 {
		c.FetchTimeout = d
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		c.LogFormat = fc.LogFormat
	}
	if fc.HTTPAddr != "" {
		c.HTTPAddr = fc.HTTPAddr
	}
	if fc.PostgresDSN != "" {
		c.PostgresDSN = fc.PostgresDSN
	}
	if len(fc.Locations) > 0 {
		c.Locations = fc.Locations
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("NSWFUELCHECKAPI_KEY"); v != "" {
		c.APIClientID = v
	}
	if v := os.Getenv("NSWFUELCHECKAPI_SECRET"); v != "" {
		c.APIClientSecret = v
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("API_AUTH_URL"); v != "" {
		c.APIAuthURL = v
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("TOP_N"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			c.TopN = i
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_FETCHES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			c.MaxConcurrentFetches = i
		}
	}
	if v := os.Getenv("FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.FetchTimeout = d
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
}

// Validate normalizes the watchlist (fills default radius, fuel types and
// states, dedupes fuel type lists) and returns the first violation found.
func (c *Config) Validate() error {
	if c.TopN < 1 {
		return fmt.Errorf("top_n must be at least 1, got %d", c.TopN)
	}
	if c.MaxConcurrentFetches < 1 || c.MaxConcurrentFetches > MaxConcurrentFetches {
		return fmt.Errorf("max_concurrent_fetches must be between 1 and %d, got %d", MaxConcurrentFetches, c.MaxConcurrentFetches)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive")
	}
	if c.PollInterval < time.Minute {
		return fmt.Errorf("poll_interval must be at least 1m, got %s", c.PollInterval)
	}
	if len(c.Locations) == 0 {
		return fmt.Errorf("at least one location is required")
	}

	seenNames := make(map[string]bool, len(c.Locations))
	for i := range c.Locations {
		loc := &c.Locations[i]
		loc.Name = strings.TrimSpace(loc.Name)
		if loc.Name == "" {
			return fmt.Errorf("location %d: name is required", i)
		}
		if seenNames[loc.Name] {
			return fmt.Errorf("location %q: duplicate name", loc.Name)
		}
		seenNames[loc.Name] = true

		if !insideNSW(loc.Latitude, loc.Longitude) {
			return fmt.Errorf("location %q: coordinates (%v, %v) are outside NSW", loc.Name, loc.Latitude, loc.Longitude)
		}
		if loc.RadiusKm <= 0 {
			loc.RadiusKm = DefaultRadiusKm
		}
		if len(loc.FuelTypes) == 0 {
			loc.FuelTypes = append([]string(nil), DefaultFuelTypes...)
		}
		loc.FuelTypes = normalizeFuelTypes(loc.FuelTypes)

		if len(loc.Stations) > MaxStationsPerLocation {
			return fmt.Errorf("location %q: %d stations exceeds the limit of %d", loc.Name, len(loc.Stations), MaxStationsPerLocation)
		}
		seenKeys := make(map[models.StationKey]bool, len(loc.Stations))
		for j := range loc.Stations {
			st := &loc.Stations[j]
			st.Code = strings.TrimSpace(st.Code)
			if st.Code == "" {
				return fmt.Errorf("location %q: station %d: code is required", loc.Name, j)
			}
			st.State = strings.ToUpper(strings.TrimSpace(st.State))
			if st.State == "" {
				st.State = DefaultState
			}
			if seenKeys[st.Key()] {
				return fmt.Errorf("location %q: station %s declared twice", loc.Name, st.Key())
			}
			seenKeys[st.Key()] = true
			if len(st.FuelTypes) == 0 {
				st.FuelTypes = append([]string(nil), loc.FuelTypes...)
			}
			st.FuelTypes = normalizeFuelTypes(st.FuelTypes)
		}
	}

	return nil
}

// FuelTypes returns the sorted union of fuel types across the watchlist.
func (c *Config) FuelTypes() []string {
	set := make(map[string]bool)
	for _, loc := range c.Locations {
		for _, ft := range loc.FuelTypes {
			set[ft] = true
		}
		for _, st := range loc.Stations {
			for _, ft := range st.FuelTypes {
				set[ft] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for ft := range set {
		out = append(out, ft)
	}
	sort.Strings(out)
	return out
}

// FavoriteStationCount returns the number of distinct favorited stations.
func (c *Config) FavoriteStationCount() int {
	set := make(map[models.StationKey]bool)
	for _, loc := range c.Locations {
		for _, st := range loc.Stations {
			set[st.Key()] = true
		}
	}
	return len(set)
}

// HistoryEnabled reports whether the observation sink is configured.
func (c *Config) HistoryEnabled() bool {
	return c.PostgresDSN != ""
}

func insideNSW(lat, lon float64) bool {
	return lat >= latSouthEastBound && lat <= latCameronCornerBound &&
		lon >= lonCameronCornerBound && lon <= lonSouthEastBound
}

// normalizeFuelTypes upper-cases, dedupes and sorts a fuel type list so
// planning and snapshot output never depend on declaration order.
func normalizeFuelTypes(in []string) []string {
	set := make(map[string]bool, len(in))
	for _, ft := range in {
		ft = strings.ToUpper(strings.TrimSpace(ft))
		if ft != "" {
			set[ft] = true
		}
	}
	out := make([]string, 0, len(set))
	for ft := range set {
		out = append(out, ft)
	}
	sort.Strings(out)
	return out
}

func parseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
