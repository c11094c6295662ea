// Package tracking captures per-request observations and aggregates them
// into minute buckets. The interceptor middleware observes every request
// after its response is written; the aggregator merges observations in
// memory and flushes to the metrics store on size or time triggers.
package tracking

import (
	"time"

	"github.com/imrejaul007/pentouz-pms-sub017/pkg/geoip"
)

// Observation is one request/response fact sheet. It is produced by the
// interceptor (or synthetically by the webhook dispatcher) and consumed
// exactly once by the aggregator.
type Observation struct {
	TenantID       string
	Method         string
	Path           string // normalized
	Category       string
	StatusCode     int
	ResponseTimeMs float64
	RequestBytes   int64
	ResponseBytes  int64
	KeyID          string
	UserID         string
	UserRole       string
	Geo            *geoip.GeoData
	Timestamp      time.Time
}

// Success reports whether the observation counts as successful
func (o Observation) Success() bool {
	return o.StatusCode >= 200 && o.StatusCode < 400
}

// StatusClass returns 200, 300, 400 or 500 for the observation's status
func (o Observation) StatusClass() int {
	return o.StatusCode / 100 * 100
}
