package fuelapi

import "errors"

// Sentinel errors callers classify with errors.Is. Anything else returned
// by the client is an ordinary fetch error, wrapped with request context.
var (
	// ErrAuth means the upstream rejected our credentials or token.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound means the requested station is unknown upstream or has
	// stopped reporting.
	ErrNotFound = errors.New("station not found")
)
