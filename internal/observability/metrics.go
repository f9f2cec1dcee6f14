package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (dashboard refresh storm).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95 growth on /api/range as the table grows.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Serial lines by outcome (accepted, rejected, noise). Watch for: rejected climbing = firmware or wiring fault.
	SerialLinesTotal *prometheus.CounterVec

	// Rejected lines per failing segment (line, co2, temperature, humidity).
	SerialRejectsBySegmentTotal *prometheus.CounterVec

	// Serial link state: 1 connected, 0 disconnected.
	SerialConnected prometheus.Gauge

	// Reconnect attempts after open or read failure. Watch for: steady growth = sensor unplugged.
	SerialReconnectsTotal prometheus.Counter

	// Store appends by status (success, dropped, breaker_open).
	StoreAppendsTotal *prometheus.CounterVec

	// Store append latency. Watch for: p99 > 100ms (disk contention, WAL checkpoint).
	StoreAppendDuration prometheus.Histogram

	// Store append retry attempts.
	StoreAppendRetriesTotal prometheus.Counter

	// Circuit breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Query cache hits by cache type (history, range).
	CacheHitsTotal *prometheus.CounterVec

	// Queries served by kind (latest, history, range).
	QueriesTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// MQTT publishes by status (success, error, timeout).
	MQTTPublishTotal *prometheus.CounterVec

	// Most recent reading, per quantity (co2, temperature, humidity).
	LatestReading *prometheus.GaugeVec

	// Rows in the measurements table, refreshed by the stats job.
	StoredMeasurements prometheus.Gauge

	// Aggregates over the stats window, per quantity and stat (min, max, avg).
	WindowStats *prometheus.GaugeVec

	// Age of the newest stored row in seconds.
	NewestMeasurementAge prometheus.Gauge

	ingestionGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	NewestMeasurementAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "newestMeasurementAgeSeconds",
			Help: "Age of the newest stored measurement in seconds",
		},
	)

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	SerialLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serialLinesTotal",
			Help: "Total number of serial lines read, by outcome",
		},
		[]string{"outcome"},
	)
	SerialRejectsBySegmentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serialRejectsBySegmentTotal",
			Help: "Rejected serial lines by the segment that failed validation",
		},
		[]string{"segment"},
	)
	SerialConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "serialConnected",
			Help: "1 when the serial link is open, 0 otherwise",
		},
	)
	SerialReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "serialReconnectsTotal",
			Help: "Total number of serial reconnect attempts",
		},
	)
	StoreAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeAppendsTotal",
			Help: "Total number of measurement appends, by status",
		},
		[]string{"status"},
	)
	StoreAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storeAppendDurationSeconds",
			Help:    "Measurement append latency in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
	StoreAppendRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storeAppendRetriesTotal",
			Help: "Total number of retry attempts for measurement appends",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of query cache hits",
		},
		[]string{"cacheType"},
	)
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queriesTotal",
			Help: "Total number of queries served, by kind",
		},
		[]string{"kind"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	MQTTPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqttPublishTotal",
			Help: "Total number of MQTT publishes, by status",
		},
		[]string{"status"},
	)
	LatestReading = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "latestReading",
			Help: "Most recent accepted reading per quantity",
		},
		[]string{"quantity"},
	)
	StoredMeasurements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storedMeasurements",
			Help: "Number of rows in the measurements table",
		},
	)
	WindowStats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "windowStats",
			Help: "Aggregates over the stats window per quantity and stat",
		},
		[]string{"quantity", "stat"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		SerialLinesTotal, SerialRejectsBySegmentTotal, SerialConnected, SerialReconnectsTotal,
		StoreAppendsTotal, StoreAppendDuration, StoreAppendRetriesTotal,
		CircuitBreakerState,
		CacheHitsTotal, QueriesTotal,
		RateLimitDeniedTotal,
		MQTTPublishTotal,
		LatestReading, StoredMeasurements, WindowStats, NewestMeasurementAge,
	)
}

// IngestionCounter is the subset of traffic.Tracker read by the window gauges.
type IngestionCounter interface {
	AcceptedCount(window time.Duration) int
	RejectedCount(window time.Duration) int
}

// RegisterIngestionGauges registers accepted/rejected line gauges over the given window.
// Call from main after config load; later calls are no-ops.
func RegisterIngestionGauges(tracker IngestionCounter, window time.Duration) {
	ingestionGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "serialAcceptedInWindow",
					Help: "Accepted serial lines in sliding window",
				},
				func() float64 { return float64(tracker.AcceptedCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "serialRejectedInWindow",
					Help: "Rejected serial lines in sliding window",
				},
				func() float64 { return float64(tracker.RejectedCount(window)) },
			),
		)
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
