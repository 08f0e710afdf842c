// Package metrics exposes Prometheus collectors for the novel crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	probesTotal                *prometheus.CounterVec
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	storeErrorsTotal           *prometheus.CounterVec
	identityConflictsTotal     *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	sweepDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of page fetches, labeled by host and status.",
			},
			[]string{"host", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Total number of decoded bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		probesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_probes_total",
				Help: "Total number of book probes, labeled by site, sweep and result.",
			},
			[]string{"site", "sweep", "result"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_downloads_total",
				Help: "Total number of book downloads, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_download_bytes_total",
				Help: "Total size of archived book text, labeled by site.",
			},
			[]string{"site"},
		)

		storeErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_store_errors_total",
				Help: "Total number of failed record store operations, labeled by operation.",
			},
			[]string{"op"},
		)

		identityConflictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_identity_conflicts_total",
				Help: "Total number of books whose title or writer changed, labeled by site.",
			},
			[]string{"site"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently probing, labeled by sweep.",
			},
			[]string{"sweep"},
		)

		sweepDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_sweep_duration_seconds",
				Help:    "Histogram of sweep durations, labeled by site and sweep.",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
			},
			[]string{"site", "sweep"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts one page fetch against the URL's host.
func ObserveFetch(rawURL string, status string, bytesFetched int) {
	Init()
	host := SanitizeSite(rawURL)
	fetchesTotal.WithLabelValues(host, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveProbe counts one book probe.
func ObserveProbe(site, sweep, result string) {
	Init()
	probesTotal.WithLabelValues(site, sweep, result).Inc()
}

// ObserveDownload counts one download attempt.
func ObserveDownload(site, result string, bytesWritten int) {
	Init()
	downloadsTotal.WithLabelValues(site, result).Inc()
	if bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(site).Add(float64(bytesWritten))
	}
}

// ObserveStoreError counts a failed record store operation.
func ObserveStoreError(op string) {
	Init()
	storeErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveIdentityConflict counts a title or writer change.
func ObserveIdentityConflict(site string) {
	Init()
	identityConflictsTotal.WithLabelValues(site).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(sweep string) {
	Init()
	activeWorkers.WithLabelValues(sweep).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(sweep string) {
	Init()
	activeWorkers.WithLabelValues(sweep).Dec()
}

// ObserveSweep records how long a sweep took.
func ObserveSweep(site, sweep string, duration time.Duration) {
	Init()
	sweepDurationSeconds.WithLabelValues(site, sweep).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
