package gerbang

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultLatencyWindow = 100

	// histogram range in microseconds: 1µs to one hour
	histogramMin     = 1
	histogramMax     = int64(time.Hour / time.Microsecond)
	histogramSigFigs = 3
)

// RequestRecord is the outcome of one Execute, recorded exactly once.
type RequestRecord struct {
	Duration time.Duration
	Err      error
	// CacheLookup is set when the request was eligible for the cache.
	CacheLookup bool
	CacheHit    bool
	Coalesced   bool
}

// MetricsSnapshot is a read-only copy of the collector state.
type MetricsSnapshot struct {
	RequestCount    int64
	ErrorCount      int64
	ErrorsByType    map[string]int64
	Latencies       []time.Duration
	AverageLatency  time.Duration
	P50             time.Duration
	P95             time.Duration
	P99             time.Duration
	CacheHits       int64
	CacheMisses     int64
	HitRate         float64
	Coalesced       int64
	RateLimited     int64
	CircuitRejected int64
}

// MetricsCollector aggregates request outcomes in memory and optionally
// mirrors them to Prometheus. It is safe for concurrent use; a nil
// collector ignores every call.
type MetricsCollector struct {
	mu sync.Mutex

	requestCount    int64
	errorCount      int64
	errorsByType    map[string]int64
	cacheHits       int64
	cacheMisses     int64
	coalesced       int64
	rateLimited     int64
	circuitRejected int64

	// latencies is a ring of the most recent durations
	latencies []time.Duration
	next      int
	filled    bool

	histogram *hdrhistogram.Histogram

	prom *promMetrics
}

// NewMetricsCollector creates a collector keeping the last window latencies.
// A non-positive window uses 100.
func NewMetricsCollector(window int) *MetricsCollector {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &MetricsCollector{
		errorsByType: make(map[string]int64),
		latencies:    make([]time.Duration, window),
		histogram:    hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
	}
}

// NewMetricsCollectorWithRegistry creates a collector that also exports to
// registry under the gerbang namespace.
func NewMetricsCollectorWithRegistry(window int, registry prometheus.Registerer) *MetricsCollector {
	mc := NewMetricsCollector(window)
	if registry != nil {
		mc.prom = newPromMetrics(registry)
	}
	return mc
}

// RecordRequest folds one request outcome into the collector.
func (mc *MetricsCollector) RecordRequest(rec RequestRecord) {
	if mc == nil {
		return
	}
	typ := recordErrorType(rec.Err)

	mc.mu.Lock()
	mc.requestCount++
	if rec.Err != nil {
		mc.errorCount++
		mc.errorsByType[typ]++
		switch typ {
		case ErrorTypeRateLimit:
			mc.rateLimited++
		case ErrorTypeCircuitOpen:
			mc.circuitRejected++
		}
	}
	if rec.CacheLookup {
		if rec.CacheHit {
			mc.cacheHits++
		} else {
			mc.cacheMisses++
		}
	}
	if rec.Coalesced {
		mc.coalesced++
	}

	mc.latencies[mc.next] = rec.Duration
	mc.next = (mc.next + 1) % len(mc.latencies)
	if mc.next == 0 {
		mc.filled = true
	}

	us := rec.Duration.Microseconds()
	if us < histogramMin {
		us = histogramMin
	}
	if us > histogramMax {
		us = histogramMax
	}
	_ = mc.histogram.RecordValue(us)
	mc.mu.Unlock()

	mc.prom.record(rec, typ)
}

func recordErrorType(err error) string {
	if err == nil {
		return ""
	}
	if typ := errorType(err); typ != "" {
		return typ
	}
	if IsCancellation(err) {
		return "Canceled"
	}
	return "Unknown"
}

// Snapshot returns a copy of the current state. Latencies are ordered oldest
// first.
func (mc *MetricsCollector) Snapshot() MetricsSnapshot {
	if mc == nil {
		return MetricsSnapshot{ErrorsByType: map[string]int64{}}
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	snap := MetricsSnapshot{
		RequestCount:    mc.requestCount,
		ErrorCount:      mc.errorCount,
		ErrorsByType:    make(map[string]int64, len(mc.errorsByType)),
		CacheHits:       mc.cacheHits,
		CacheMisses:     mc.cacheMisses,
		Coalesced:       mc.coalesced,
		RateLimited:     mc.rateLimited,
		CircuitRejected: mc.circuitRejected,
	}
	for k, v := range mc.errorsByType {
		snap.ErrorsByType[k] = v
	}

	if mc.filled {
		snap.Latencies = make([]time.Duration, 0, len(mc.latencies))
		snap.Latencies = append(snap.Latencies, mc.latencies[mc.next:]...)
		snap.Latencies = append(snap.Latencies, mc.latencies[:mc.next]...)
	} else {
		snap.Latencies = append([]time.Duration(nil), mc.latencies[:mc.next]...)
	}
	if n := len(snap.Latencies); n > 0 {
		var total time.Duration
		for _, d := range snap.Latencies {
			total += d
		}
		snap.AverageLatency = total / time.Duration(n)
	}

	if lookups := mc.cacheHits + mc.cacheMisses; lookups > 0 {
		snap.HitRate = float64(mc.cacheHits) / float64(lookups)
	}

	if mc.histogram.TotalCount() > 0 {
		snap.P50 = time.Duration(mc.histogram.ValueAtQuantile(50)) * time.Microsecond
		snap.P95 = time.Duration(mc.histogram.ValueAtQuantile(95)) * time.Microsecond
		snap.P99 = time.Duration(mc.histogram.ValueAtQuantile(99)) * time.Microsecond
	}
	return snap
}

// Reset zeroes every in-memory counter. Prometheus counters are monotonic
// and are left alone.
func (mc *MetricsCollector) Reset() {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.requestCount = 0
	mc.errorCount = 0
	mc.errorsByType = make(map[string]int64)
	mc.cacheHits = 0
	mc.cacheMisses = 0
	mc.coalesced = 0
	mc.rateLimited = 0
	mc.circuitRejected = 0
	for i := range mc.latencies {
		mc.latencies[i] = 0
	}
	mc.next = 0
	mc.filled = false
	mc.histogram.Reset()
}

// RecordCircuitState exports a breaker state change.
func (mc *MetricsCollector) RecordCircuitState(class string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.prom.setCircuitState(class, state)
}

// RecordPoolSize exports the current pool size.
func (mc *MetricsCollector) RecordPoolSize(size int) {
	if mc == nil {
		return
	}
	mc.prom.setPoolSize(size)
}

type promMetrics struct {
	requestsTotal       prometheus.Counter
	errorsTotal         *prometheus.CounterVec
	requestDuration     prometheus.Histogram
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	coalescedTotal      prometheus.Counter
	rateLimitedTotal    prometheus.Counter
	circuitBreakerState *prometheus.GaugeVec
	poolSize            prometheus.Gauge
}

func newPromMetrics(registry prometheus.Registerer) *promMetrics {
	factory := promauto.With(registry)
	return &promMetrics{
		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gerbang",
			Name:      "requests_total",
			Help:      "Total number of executed requests",
		}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gerbang",
			Name:      "errors_total",
			Help:      "Total number of failed requests by error type",
		}, []string{"type"}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gerbang",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of executed requests",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gerbang",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gerbang",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		}),
		coalescedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gerbang",
			Name:      "coalesced_total",
			Help:      "Total number of requests served by a concurrent identical call",
		}),
		rateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gerbang",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}),
		circuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gerbang",
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
		}, []string{"class"}),
		poolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gerbang",
			Name:      "pool_size",
			Help:      "Number of leases held by the connection pool",
		}),
	}
}

func (p *promMetrics) record(rec RequestRecord, typ string) {
	if p == nil {
		return
	}
	p.requestsTotal.Inc()
	p.requestDuration.Observe(rec.Duration.Seconds())
	if rec.Err != nil {
		p.errorsTotal.WithLabelValues(typ).Inc()
		if typ == ErrorTypeRateLimit {
			p.rateLimitedTotal.Inc()
		}
	}
	if rec.CacheLookup {
		if rec.CacheHit {
			p.cacheHits.Inc()
		} else {
			p.cacheMisses.Inc()
		}
	}
	if rec.Coalesced {
		p.coalescedTotal.Inc()
	}
}

func (p *promMetrics) setCircuitState(class string, state CircuitState) {
	if p == nil {
		return
	}
	p.circuitBreakerState.WithLabelValues(class).Set(float64(state))
}

func (p *promMetrics) setPoolSize(size int) {
	if p == nil {
		return
	}
	p.poolSize.Set(float64(size))
}
