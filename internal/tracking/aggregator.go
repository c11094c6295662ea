package tracking

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/timewin"
)

// maxSamples bounds the response-time sample per aggregate. Percentiles
// are computed from this sample, not the full stream.
const maxSamples = 100

// aggregateKey is the identity tuple of a live minute aggregate
type aggregateKey struct {
	TenantID string
	Method   string
	Path     string
	Minute   int64 // bucket start, unix seconds
}

// sampleRing keeps the most recent maxSamples response times. On overflow
// the oldest value is dropped.
type sampleRing struct {
	values [maxSamples]float64
	head   int
	size   int
}

func (r *sampleRing) add(v float64) {
	r.values[r.head] = v
	r.head = (r.head + 1) % maxSamples
	if r.size < maxSamples {
		r.size++
	}
}

// snapshot returns the retained samples oldest-first
func (r *sampleRing) snapshot() []float64 {
	out := make([]float64, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += maxSamples
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.values[(start+i)%maxSamples])
	}
	return out
}

// liveAggregate accumulates observations for one identity tuple
type liveAggregate struct {
	category      string
	total         int64
	successful    int64
	failed        int64
	rateLimited   int64
	byStatusClass map[int]int64
	byStatusCode  map[int]int64
	byKey         map[string]int64
	byRole        map[string]int64
	requestBytes  int64
	responseBytes int64
	totalTimeMs   float64
	minMs         float64
	maxMs         float64
	samples       sampleRing
}

// Aggregate is a flushed, immutable minute aggregate handed to the sink
type Aggregate struct {
	TenantID      string
	Method        string
	Path          string
	Category      string
	BucketStart   time.Time
	Window        timewin.Window
	Total         int64
	Successful    int64
	Failed        int64
	RateLimited   int64
	ByStatusClass map[int]int64
	ByStatusCode  map[int]int64
	ByKey         map[string]int64
	ByRole        map[string]int64
	RequestBytes  int64
	ResponseBytes int64
	AvgMs         float64
	MinMs         float64
	MaxMs         float64
	P50Ms         float64
	P95Ms         float64
	P99Ms         float64
	Samples       []float64
}

// Sink receives flushed aggregates. Upsert must merge additively on the
// identity tuple so multiple processes can flush the same bucket.
type Sink interface {
	Upsert(ctx context.Context, agg *Aggregate) error
}

// Exporter optionally mirrors flushed aggregates to an external firehose
type Exporter interface {
	Export(ctx context.Context, aggs []*Aggregate)
}

// AggregatorConfig configures the aggregator
type AggregatorConfig struct {
	// MaxLive flushes when the live map reaches this many aggregates
	// (default 1000).
	MaxLive int
	// FlushInterval flushes on elapsed time regardless of size (default 30s).
	FlushInterval time.Duration
	// QueueSize bounds the observation queue; overflow drops the oldest
	// observation (default 8192).
	QueueSize int
	// FlushTimeout bounds each sink upsert (default 10s).
	FlushTimeout time.Duration
}

func (c *AggregatorConfig) defaults() {
	if c.MaxLive <= 0 {
		c.MaxLive = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8192
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

// Aggregator merges observations into live minute aggregates. A single
// goroutine owns the live map; producers only touch the bounded queue, so
// submission never blocks the request path.
type Aggregator struct {
	config      AggregatorConfig
	sink        Sink
	exporter    Exporter
	clock       timewin.Clock
	logger      *logrus.Logger
	queue       chan Observation
	live        map[aggregateKey]*liveAggregate
	dropped     prometheus.Counter
	flushErrors prometheus.Counter
	stopCh      chan struct{}
	doneCh      chan struct{}
	flushNowCh  chan chan struct{}
}

// NewAggregator creates an aggregator. dropped and flushErrors may be nil.
func NewAggregator(config AggregatorConfig, sink Sink, clock timewin.Clock, logger *logrus.Logger, dropped, flushErrors prometheus.Counter) *Aggregator {
	config.defaults()
	if clock == nil {
		clock = timewin.SystemClock{}
	}
	return &Aggregator{
		config:      config,
		sink:        sink,
		clock:       clock,
		logger:      logger,
		queue:       make(chan Observation, config.QueueSize),
		live:        make(map[aggregateKey]*liveAggregate),
		dropped:     dropped,
		flushErrors: flushErrors,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		flushNowCh:  make(chan chan struct{}),
	}
}

// SetExporter attaches an optional firehose for flushed aggregates.
// Must be called before Start.
func (a *Aggregator) SetExporter(e Exporter) {
	a.exporter = e
}

// Start launches the single consumer goroutine
func (a *Aggregator) Start() {
	go a.run()
	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{
			"max_live":       a.config.MaxLive,
			"flush_interval": a.config.FlushInterval,
		}).Info("Metrics aggregator started")
	}
}

// Stop drains and flushes remaining aggregates
func (a *Aggregator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

// Submit enqueues an observation without blocking. When the queue is
// full, the oldest queued observation is dropped and counted.
func (a *Aggregator) Submit(obs Observation) {
	for {
		select {
		case a.queue <- obs:
			return
		default:
		}
		select {
		case <-a.queue:
			if a.dropped != nil {
				a.dropped.Inc()
			}
		default:
		}
	}
}

// FlushNow forces a synchronous flush, for shutdown and tests
func (a *Aggregator) FlushNow() {
	done := make(chan struct{})
	select {
	case a.flushNowCh <- done:
		<-done
	case <-a.doneCh:
	}
}

func (a *Aggregator) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case obs := <-a.queue:
			a.ingest(obs)
			if len(a.live) >= a.config.MaxLive {
				a.flush()
			}
		case <-ticker.C:
			a.flush()
		case done := <-a.flushNowCh:
			a.drainQueue()
			a.flush()
			close(done)
		case <-a.stopCh:
			a.drainQueue()
			a.flush()
			return
		}
	}
}

func (a *Aggregator) drainQueue() {
	for {
		select {
		case obs := <-a.queue:
			a.ingest(obs)
		default:
			return
		}
	}
}

func (a *Aggregator) ingest(obs Observation) {
	minute := timewin.Normalize(obs.Timestamp, timewin.Minute)
	key := aggregateKey{
		TenantID: obs.TenantID,
		Method:   obs.Method,
		Path:     obs.Path,
		Minute:   minute.Unix(),
	}

	agg, ok := a.live[key]
	if !ok {
		agg = &liveAggregate{
			category:      obs.Category,
			byStatusClass: make(map[int]int64),
			byStatusCode:  make(map[int]int64),
			byKey:         make(map[string]int64),
			byRole:        make(map[string]int64),
			minMs:         math.MaxFloat64,
		}
		a.live[key] = agg
	}

	agg.total++
	if obs.Success() {
		agg.successful++
	} else {
		agg.failed++
	}
	if obs.StatusCode == 429 {
		agg.rateLimited++
	}
	agg.byStatusClass[obs.StatusClass()]++
	agg.byStatusCode[obs.StatusCode]++
	if obs.KeyID != "" {
		agg.byKey[obs.KeyID]++
	}
	if obs.UserRole != "" {
		agg.byRole[obs.UserRole]++
	}
	agg.requestBytes += obs.RequestBytes
	agg.responseBytes += obs.ResponseBytes
	agg.totalTimeMs += obs.ResponseTimeMs
	if obs.ResponseTimeMs < agg.minMs {
		agg.minMs = obs.ResponseTimeMs
	}
	if obs.ResponseTimeMs > agg.maxMs {
		agg.maxMs = obs.ResponseTimeMs
	}
	agg.samples.add(obs.ResponseTimeMs)
}

// flush snapshots and clears the live map, then upserts each aggregate.
// Individual upsert failures are logged and counted but do not abort the
// rest of the flush.
func (a *Aggregator) flush() {
	if len(a.live) == 0 {
		return
	}

	snapshot := a.live
	a.live = make(map[aggregateKey]*liveAggregate)

	flushed := make([]*Aggregate, 0, len(snapshot))
	for key, agg := range snapshot {
		flushed = append(flushed, finalize(key, agg))
	}

	for _, agg := range flushed {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.FlushTimeout)
		err := a.sink.Upsert(ctx, agg)
		cancel()
		if err != nil {
			if a.flushErrors != nil {
				a.flushErrors.Inc()
			}
			if a.logger != nil {
				a.logger.WithFields(logrus.Fields{
					"tenant_id": agg.TenantID,
					"endpoint":  agg.Method + " " + agg.Path,
					"error":     err,
				}).Error("Failed to flush minute aggregate")
			}
		}
	}

	if a.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.FlushTimeout)
		a.exporter.Export(ctx, flushed)
		cancel()
	}
}

// finalize converts a live aggregate into its flushed form, computing
// percentiles from a sorted copy of the sample.
func finalize(key aggregateKey, agg *liveAggregate) *Aggregate {
	samples := agg.samples.snapshot()
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	minMs := agg.minMs
	if agg.total == 0 || minMs == math.MaxFloat64 {
		minMs = 0
	}
	avg := 0.0
	if agg.total > 0 {
		avg = agg.totalTimeMs / float64(agg.total)
	}

	return &Aggregate{
		TenantID:      key.TenantID,
		Method:        key.Method,
		Path:          key.Path,
		Category:      agg.category,
		BucketStart:   time.Unix(key.Minute, 0).UTC(),
		Window:        timewin.Minute,
		Total:         agg.total,
		Successful:    agg.successful,
		Failed:        agg.failed,
		RateLimited:   agg.rateLimited,
		ByStatusClass: agg.byStatusClass,
		ByStatusCode:  agg.byStatusCode,
		ByKey:         agg.byKey,
		ByRole:        agg.byRole,
		RequestBytes:  agg.requestBytes,
		ResponseBytes: agg.responseBytes,
		AvgMs:         avg,
		MinMs:         minMs,
		MaxMs:         agg.maxMs,
		P50Ms:         Percentile(sorted, 50),
		P95Ms:         Percentile(sorted, 95),
		P99Ms:         Percentile(sorted, 99),
		Samples:       samples,
	}
}

// Percentile returns the nearest-rank percentile of an ascending-sorted
// slice. An empty slice yields 0.
func Percentile(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(pct / 100.0 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
