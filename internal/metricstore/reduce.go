package metricstore

import (
	"math"
	"sort"
	"time"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/timewin"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/tracking"
)

const maxSamples = 100

// reduceKey groups documents for a rollup
type reduceKey struct {
	TenantID string
	Method   string
	Path     string
	Bucket   int64
}

// Reduce folds documents of one window into documents of a coarser
// window. Counters sum, min/max fold, percentiles are recomputed from the
// union of samples capped at maxSamples (most recent buckets win the cap).
// The reduction is associative: minute→hour→day equals minute→day for
// every counter field.
func Reduce(docs []*Document, toWindow timewin.Window) []*Document {
	groups := make(map[reduceKey]*Document)
	order := make([]reduceKey, 0)

	sorted := make([]*Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BucketStart.Before(sorted[j].BucketStart)
	})

	for _, doc := range sorted {
		bucket := timewin.Normalize(doc.BucketStart, toWindow)
		key := reduceKey{TenantID: doc.TenantID, Method: doc.Method, Path: doc.Path, Bucket: bucket.Unix()}

		target, ok := groups[key]
		if !ok {
			target = &Document{
				ID:          documentID(doc.TenantID, doc.Method, doc.Path, toWindow, bucket),
				TenantID:    doc.TenantID,
				Method:      doc.Method,
				Path:        doc.Path,
				Category:    doc.Category,
				Window:      toWindow,
				BucketStart: bucket,
				MinMs:       math.MaxFloat64,
			}
			groups[key] = target
			order = append(order, key)
		}

		target.Total += doc.Total
		target.Successful += doc.Successful
		target.Failed += doc.Failed
		target.RateLimited += doc.RateLimited
		target.RequestBytes += doc.RequestBytes
		target.ResponseBytes += doc.ResponseBytes
		target.TotalTimeMs += doc.TotalTimeMs
		if doc.Total > 0 && doc.MinMs < target.MinMs {
			target.MinMs = doc.MinMs
		}
		if doc.MaxMs > target.MaxMs {
			target.MaxMs = doc.MaxMs
		}
		target.ByStatusClass = mergeCounts(target.ByStatusClass, doc.ByStatusClass)
		target.ByStatusCode = mergeCounts(target.ByStatusCode, doc.ByStatusCode)
		target.ByKey = mergeCounts(target.ByKey, doc.ByKey)
		target.ByRole = mergeCounts(target.ByRole, doc.ByRole)

		target.Samples = append(target.Samples, doc.Samples...)
		if len(target.Samples) > maxSamples {
			target.Samples = target.Samples[len(target.Samples)-maxSamples:]
		}
	}

	out := make([]*Document, 0, len(groups))
	for _, key := range order {
		doc := groups[key]
		if doc.MinMs == math.MaxFloat64 {
			doc.MinMs = 0
		}
		sortedSamples := make([]float64, len(doc.Samples))
		copy(sortedSamples, doc.Samples)
		sort.Float64s(sortedSamples)
		doc.P50Ms = tracking.Percentile(sortedSamples, 50)
		doc.P95Ms = tracking.Percentile(sortedSamples, 95)
		doc.P99Ms = tracking.Percentile(sortedSamples, 99)
		out = append(out, doc)
	}
	return out
}

func mergeCounts(dst, src map[string]int64) map[string]int64 {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]int64, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}

// Summarize folds documents into the dashboard view. todayStart marks the
// UTC midnight used for the requestsToday figure.
func Summarize(docs []*Document, todayStart time.Time) Dashboard {
	var d Dashboard
	var totalTime float64

	for _, doc := range docs {
		d.TotalRequests += doc.Total
		d.Successful += doc.Successful
		d.Failed += doc.Failed
		d.RateLimited += doc.RateLimited
		d.TotalBandwidth += doc.RequestBytes + doc.ResponseBytes
		totalTime += doc.TotalTimeMs
		if !doc.BucketStart.Before(todayStart) {
			d.RequestsToday += doc.Total
		}
	}

	if d.TotalRequests > 0 {
		d.ErrorRate = math.Round(float64(d.Failed)/float64(d.TotalRequests)*10000) / 100
		d.AvgResponseTime = math.Round(totalTime/float64(d.TotalRequests)*100) / 100
	}
	return d
}

// TopEndpoints ranks endpoints by total requests, ties broken by endpoint
// string so the ordering is stable.
func TopEndpoints(docs []*Document, limit int) []EndpointStat {
	type acc struct {
		total     int64
		failed    int64
		totalTime float64
	}
	byEndpoint := make(map[string]*acc)
	for _, doc := range docs {
		ep := doc.Endpoint()
		a, ok := byEndpoint[ep]
		if !ok {
			a = &acc{}
			byEndpoint[ep] = a
		}
		a.total += doc.Total
		a.failed += doc.Failed
		a.totalTime += doc.TotalTimeMs
	}

	out := make([]EndpointStat, 0, len(byEndpoint))
	for ep, a := range byEndpoint {
		stat := EndpointStat{Endpoint: ep, Total: a.total, Failed: a.failed}
		if a.total > 0 {
			stat.AvgMs = math.Round(a.totalTime/float64(a.total)*100) / 100
			stat.ErrorRate = math.Round(float64(a.failed)/float64(a.total)*10000) / 100
		}
		out = append(out, stat)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Endpoint < out[j].Endpoint
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
