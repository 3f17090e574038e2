// Package metrics exposes Prometheus collectors for the metadata crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue labels for QueueDepth.
const (
	QueueWork    = "work"
	QueueResults = "results"
)

var (
	crawlerResultsTotal           *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerQueueDepth             *prometheus.GaugeVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerSinkBatchesTotal       *prometheus.CounterVec
	crawlerSinkBatchSize          prometheus.Histogram
	crawlerSourcePollsTotal       *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds prometheus.Histogram
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_results_total",
				Help: "Total number of results produced, labeled by status code and resolution path.",
			},
			[]string{"code", "path"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of remote metadata fetch latencies, labeled by result code.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"code"},
		)

		crawlerQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Current depth of the in-memory pipeline queues.",
			},
			[]string{"queue"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a work item.",
			},
		)

		crawlerSinkBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sink_batches_total",
				Help: "Total number of result batches sent to the sink, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerSinkBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_sink_batch_size",
				Help:    "Number of results per sink call.",
				Buckets: []float64{1, 5, 10, 25, 50, 75, 100},
			},
		)

		crawlerSourcePollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_source_polls_total",
				Help: "Total number of work source polls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveResult counts one emitted result. path is the resolution path (inline,
// rejected, remote).
func ObserveResult(code int, path string) {
	Init()
	crawlerResultsTotal.WithLabelValues(strconv.Itoa(code), path).Inc()
}

// ObserveFetch records the latency of one remote fetch. The host set behind token URIs
// is unbounded, so hosts are never a label.
func ObserveFetch(code int, duration time.Duration) {
	Init()
	crawlerFetchDurationSeconds.WithLabelValues(strconv.Itoa(code)).Observe(duration.Seconds())
}

// SetQueueDepth publishes the current depth of a pipeline queue.
func SetQueueDepth(queue string, depth int) {
	Init()
	crawlerQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveSinkBatch records one persist call and whether it succeeded.
func ObserveSinkBatch(size int, err error) {
	Init()
	outcome := "success"
	if err != nil {
		outcome = "dropped"
	}
	crawlerSinkBatchesTotal.WithLabelValues(outcome).Inc()
	crawlerSinkBatchSize.Observe(float64(size))
}

// ObserveSourcePoll records one poll of the work source. outcome is one of
// "items", "empty", "error" or "backpressure".
func ObserveSourcePoll(outcome string) {
	Init()
	crawlerSourcePollsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
