package uploader

import "time"

// Constants collected here the way the teacher collects session/telemetry
// defaults in internal/config/defaults.go.
const (
	// DefaultViewTimeout is a bound for a single flights()/payloads()
	// round trip. Flights and Payloads do not apply it; their round trips
	// are bounded only by the database client's per-request timeout.
	DefaultViewTimeout = 30 * time.Second
)
