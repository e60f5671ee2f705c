package fuelapi

import (
	"encoding/json"
	"time"
)

// priceTimeLayout is the timestamp format used by FuelCheck price rows.
// Timestamps are local NSW time with no zone marker.
const priceTimeLayout = "02/01/2006 15:04:05"

var sydneyTZ = loadSydneyTZ()

func loadSydneyTZ() *time.Location {
	loc, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		return time.UTC
	}
	return loc
}

func parsePriceTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(priceTimeLayout, s, sydneyTZ)
	if err != nil {
		return time.Time{}
	}
	return t
}

// tokenResponse is the OAuth2 token grant. The gateway returns expires_in
// as a string.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// nearbyRequest is the POST body for the proximity search. The API wants
// every field as a string.
type nearbyRequest struct {
	FuelType      string `json:"fueltype"`
	Latitude      string `json:"latitude"`
	Longitude     string `json:"longitude"`
	Radius        string `json:"radius"`
	SortBy        string `json:"sortby"`
	SortAscending string `json:"sortascending"`
}

// stationDTO is one station in a nearby response. Codes arrive as strings
// on some endpoints and numbers on others.
type stationDTO struct {
	StationID string      `json:"stationid"`
	Brand     string      `json:"brand"`
	Code      json.Number `json:"code"`
	Name      string      `json:"name"`
	Address   string      `json:"address"`
	State     string      `json:"state"`
	Location  locationDTO `json:"location"`
}

type locationDTO struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// DistanceKm is only present on proximity searches.
	DistanceKm float64 `json:"distance"`
}

type priceDTO struct {
	StationCode json.Number `json:"stationcode"`
	FuelType    string      `json:"fueltype"`
	Price       float64     `json:"price"`
	LastUpdated string      `json:"lastupdated"`
}

type nearbyResponse struct {
	Stations []stationDTO `json:"stations"`
	Prices   []priceDTO   `json:"prices"`
}

type stationPricesResponse struct {
	Prices []priceDTO `json:"prices"`
}

type lovItem struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type lovGroup struct {
	Items []lovItem `json:"items"`
}

type referenceDataResponse struct {
	FuelTypes lovGroup `json:"fueltypes"`
	Brands    lovGroup `json:"brands"`
}

// ReferenceData maps fuel type codes to display names, plus the known
// station brands.
type ReferenceData struct {
	FuelTypes map[string]string
	Brands    []string
}
