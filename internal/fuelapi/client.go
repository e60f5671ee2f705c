// Package fuelapi provides an authenticated client for the NSW FuelCheck API.
package fuelapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/tkrajina/gpxgo/gpx"
	"golang.org/x/time/rate"

	"github.com/bmcalindin/servowatch/internal/models"
)

const (
	// baseURL is the NSW API gateway.
	baseURL = "https://api.nsw.gov.au"
	// authURL is the OAuth2 client-credentials token endpoint.
	authURL = "https://api.nsw.gov.au/oauth/client_credential/accesstoken"

	nearbyEndpoint     = "/FuelPriceCheck/v2/fuel/prices/nearby"
	stationEndpointFmt = "/FuelPriceCheck/v2/fuel/prices/station/%s"
	referenceEndpoint  = "/FuelCheckRefData/v2/fuel/lovs"

	// tokenEarlyRefresh renews the token this long before it expires.
	tokenEarlyRefresh = 60 * time.Second
	// defaultTokenTTL applies when the token response omits expires_in.
	defaultTokenTTL = time.Hour

	// refDataTTL is how long reference data is served from cache; the
	// fuel type and brand lists change a few times a year at most.
	refDataTTL      = 30 * 24 * time.Hour
	refDataCacheKey = "reference_data"

	userAgent = "servowatch/1.0"

	// defaultState is assumed when the upstream omits a station's state.
	defaultState = "NSW"
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=fuelapi_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is an NSW FuelCheck API client. It owns the OAuth2 token
// lifecycle and is safe for concurrent use.
type Client struct {
	baseURL      string
	authURL      string
	clientID     string
	clientSecret string

	httpClient HTTPClient
	limiter    *rate.Limiter
	refData    *cache.Cache
	logger     zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// Option is a configuration option for the client.
type Option func(*Client)

// WithBaseURL points the client at a different API gateway.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithAuthURL points the client at a different token endpoint.
func WithAuthURL(u string) Option {
	return func(c *Client) {
		c.authURL = u
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit overrides the outbound request budget.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a Client with the given API credentials.
func New(clientID, clientSecret string, logger zerolog.Logger, options ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(5), 10),
		refData:      cache.New(refDataTTL, time.Hour),
		logger:       logger.With().Str("component", "fuelapi").Logger(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// FetchNearby returns current prices for the given fuel type at stations
// within radiusKm of the coordinates. Each record carries the station's
// distance from the query point. An empty result is not an error.
func (c *Client) FetchNearby(ctx context.Context, lat, lon, radiusKm float64, fuelType string) ([]models.PriceRecord, error) {
	payload := nearbyRequest{
		FuelType:      fuelType,
		Latitude:      strconv.FormatFloat(lat, 'f', -1, 64),
		Longitude:     strconv.FormatFloat(lon, 'f', -1, 64),
		Radius:        strconv.FormatFloat(radiusKm, 'f', -1, 64),
		SortBy:        "price",
		SortAscending: "true",
	}

	c.logger.Debug().
		Float64("lat", lat).
		Float64("lon", lon).
		Float64("radiusKm", radiusKm).
		Str("fuelType", fuelType).
		Msg("fetching nearby prices")

	var nr nearbyResponse
	if err := c.do(ctx, http.MethodPost, nearbyEndpoint, payload, &nr); err != nil {
		return nil, err
	}

	stations := make(map[string]stationDTO, len(nr.Stations))
	for _, st := range nr.Stations {
		stations[st.Code.String()] = st
	}

	records := make([]models.PriceRecord, 0, len(nr.Prices))
	for _, p := range nr.Prices {
		if p.FuelType != fuelType {
			continue
		}
		code := p.StationCode.String()
		rec := models.PriceRecord{
			Station:    models.StationKey{Code: code, State: defaultState},
			FuelType:   p.FuelType,
			Price:      p.Price,
			ObservedAt: parsePriceTime(p.LastUpdated),
		}
		if st, ok := stations[code]; ok {
			if st.State != "" {
				rec.Station.State = st.State
			}
			rec.StationName = st.Name
			rec.Brand = st.Brand
			rec.DistanceKm = st.Location.DistanceKm
			if rec.DistanceKm == 0 {
				rec.DistanceKm = distanceKm(lat, lon, st.Location.Latitude, st.Location.Longitude)
			}
		}
		records = append(records, rec)
	}

	c.logger.Info().
		Str("fuelType", fuelType).
		Int("count", len(records)).
		Msg("fetched nearby prices")

	return records, nil
}

// FetchStationPrices returns every fuel price the station currently
// reports. An unknown station maps to ErrNotFound.
func (c *Client) FetchStationPrices(ctx context.Context, key models.StationKey) ([]models.PriceRecord, error) {
	c.logger.Debug().Stringer("station", key).Msg("fetching station prices")

	path := fmt.Sprintf(stationEndpointFmt, url.PathEscape(key.Code))
	var sr stationPricesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &sr); err != nil {
		return nil, err
	}

	records := make([]models.PriceRecord, 0, len(sr.Prices))
	for _, p := range sr.Prices {
		records = append(records, models.PriceRecord{
			Station:    key,
			FuelType:   p.FuelType,
			Price:      p.Price,
			ObservedAt: parsePriceTime(p.LastUpdated),
		})
	}

	c.logger.Info().
		Stringer("station", key).
		Int("count", len(records)).
		Msg("fetched station prices")

	return records, nil
}

// FetchReferenceData returns the fuel type and brand lists, served from
// cache between upstream hits.
func (c *Client) FetchReferenceData(ctx context.Context) (*ReferenceData, error) {
	if cached, ok := c.refData.Get(refDataCacheKey); ok {
		return cached.(*ReferenceData), nil
	}

	var rr referenceDataResponse
	if err := c.do(ctx, http.MethodGet, referenceEndpoint, nil, &rr); err != nil {
		return nil, err
	}

	rd := &ReferenceData{
		FuelTypes: make(map[string]string, len(rr.FuelTypes.Items)),
		Brands:    make([]string, 0, len(rr.Brands.Items)),
	}
	for _, item := range rr.FuelTypes.Items {
		rd.FuelTypes[item.Code] = item.Name
	}
	for _, item := range rr.Brands.Items {
		rd.Brands = append(rd.Brands, item.Name)
	}
	sort.Strings(rd.Brands)

	c.refData.Set(refDataCacheKey, rd, cache.DefaultExpiration)

	c.logger.Info().
		Int("fuelTypes", len(rd.FuelTypes)).
		Int("brands", len(rd.Brands)).
		Msg("fetched reference data")

	return rd, nil
}

// do performs an authenticated request and decodes the JSON response into
// out. A 401 is retried exactly once with a fresh token; a second 401 is
// an auth failure.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting on rate limit: %w", err)
	}

	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	status, body, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		c.logger.Warn().Str("path", path).Msg("token rejected, refreshing and retrying once")
		c.invalidateToken()

		token, err = c.getToken(ctx)
		if err != nil {
			return err
		}
		status, body, err = c.send(ctx, method, path, payload, token)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("request rejected after token refresh: %w", ErrAuth)
		}
	}

	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status != http.StatusOK:
		return fmt.Errorf("unexpected status code %d: %s", status, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response JSON: %w", err)
	}
	return nil
}

// send executes one HTTP exchange and returns the status code and body.
func (c *Client) send(ctx context.Context, method, path string, payload any, token string) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("executing request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			panic(err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

// getToken returns a valid bearer token, fetching or renewing it first if
// the cached one is missing or close to expiry.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenEarlyRefresh)) {
		return c.token, nil
	}

	c.logger.Debug().Msg("refreshing access token")

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			panic(err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("invalid client credentials: %w", ErrAuth)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("token request returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token: %w", ErrAuth)
	}

	ttl := defaultTokenTTL
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)

	c.logger.Debug().Time("expiry", c.tokenExpiry).Msg("access token refreshed")
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// distanceKm computes the great-circle distance between two points in
// kilometres. Unknown station coordinates yield zero.
func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	if lat2 == 0 && lon2 == 0 {
		return 0
	}
	return gpx.Distance2D(lat1, lon1, lat2, lon2, true) / 1000
}
