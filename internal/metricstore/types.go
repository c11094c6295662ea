// Package metricstore persists minute aggregates and serves dashboard
// queries. Counters merge additively on the identity tuple (tenant,
// method, path, bucket start, window) so any number of processes can
// flush the same bucket; rollups reduce minute documents into hour, day
// and month documents idempotently.
package metricstore

import (
	"strconv"
	"time"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/timewin"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/tracking"
)

// Document is the persisted aggregate shape for every window granularity
type Document struct {
	ID            string           `bson:"_id"`
	TenantID      string           `bson:"tenant_id"`
	Method        string           `bson:"method"`
	Path          string           `bson:"path"`
	Category      string           `bson:"category"`
	Window        timewin.Window   `bson:"window"`
	BucketStart   time.Time        `bson:"bucket_start"`
	Total         int64            `bson:"total"`
	Successful    int64            `bson:"successful"`
	Failed        int64            `bson:"failed"`
	RateLimited   int64            `bson:"rate_limited"`
	ByStatusClass map[string]int64 `bson:"by_status_class,omitempty"`
	ByStatusCode  map[string]int64 `bson:"by_status_code,omitempty"`
	ByKey         map[string]int64 `bson:"by_key,omitempty"`
	ByRole        map[string]int64 `bson:"by_role,omitempty"`
	RequestBytes  int64            `bson:"request_bytes"`
	ResponseBytes int64            `bson:"response_bytes"`
	TotalTimeMs   float64          `bson:"total_time_ms"`
	MinMs         float64          `bson:"min_ms"`
	MaxMs         float64          `bson:"max_ms"`
	P50Ms         float64          `bson:"p50_ms"`
	P95Ms         float64          `bson:"p95_ms"`
	P99Ms         float64          `bson:"p99_ms"`
	Samples       []float64        `bson:"samples,omitempty"`
	UpdatedAt     time.Time        `bson:"updated_at"`
}

// AvgMs derives the mean response time; it is not stored because the
// additive merge keeps TotalTimeMs instead.
func (d *Document) AvgMs() float64 {
	if d.Total == 0 {
		return 0
	}
	return d.TotalTimeMs / float64(d.Total)
}

// Endpoint returns the dashboard grouping key
func (d *Document) Endpoint() string {
	return d.Method + " " + d.Path
}

// documentID builds the deterministic identity for the upsert filter
func documentID(tenant, method, path string, window timewin.Window, bucketStart time.Time) string {
	return tenant + "|" + string(window) + "|" +
		strconv.FormatInt(bucketStart.Unix(), 10) + "|" + method + "|" + path
}

// fromAggregate converts a flushed aggregate into its document form
func fromAggregate(agg *tracking.Aggregate) *Document {
	doc := &Document{
		ID:            documentID(agg.TenantID, agg.Method, agg.Path, agg.Window, agg.BucketStart),
		TenantID:      agg.TenantID,
		Method:        agg.Method,
		Path:          agg.Path,
		Category:      agg.Category,
		Window:        agg.Window,
		BucketStart:   agg.BucketStart,
		Total:         agg.Total,
		Successful:    agg.Successful,
		Failed:        agg.Failed,
		RateLimited:   agg.RateLimited,
		ByStatusClass: intKeysToStrings(agg.ByStatusClass),
		ByStatusCode:  intKeysToStrings(agg.ByStatusCode),
		ByKey:         agg.ByKey,
		ByRole:        agg.ByRole,
		RequestBytes:  agg.RequestBytes,
		ResponseBytes: agg.ResponseBytes,
		TotalTimeMs:   agg.AvgMs * float64(agg.Total),
		MinMs:         agg.MinMs,
		MaxMs:         agg.MaxMs,
		P50Ms:         agg.P50Ms,
		P95Ms:         agg.P95Ms,
		P99Ms:         agg.P99Ms,
		Samples:       agg.Samples,
	}
	return doc
}

// intKeysToStrings converts int-keyed counter maps for BSON storage
func intKeysToStrings(in map[int]int64) map[string]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[strconv.Itoa(k)] = v
	}
	return out
}

// Dashboard is the tenant-scoped summary view
type Dashboard struct {
	TotalRequests   int64   `json:"totalRequests"`
	Successful      int64   `json:"successful"`
	Failed          int64   `json:"failed"`
	ErrorRate       float64 `json:"errorRate"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	TotalBandwidth  int64   `json:"totalBandwidth"`
	RateLimited     int64   `json:"rateLimited"`
	RequestsToday   int64   `json:"requestsToday"`
}

// EndpointStat is one row of the top-endpoints view
type EndpointStat struct {
	Endpoint  string  `json:"endpoint"`
	Total     int64   `json:"total"`
	Failed    int64   `json:"failed"`
	AvgMs     float64 `json:"avgResponseTime"`
	ErrorRate float64 `json:"errorRate"`
}
